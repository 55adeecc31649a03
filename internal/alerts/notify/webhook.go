package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type webhookPayload struct {
	MsgType  string           `json:"msgtype"`
	Text     webhookText      `json:"text"`
	Markdown *webhookMarkdown `json:"markdown,omitempty"`
}

type webhookText struct {
	Content string `json:"content"`
}

type webhookMarkdown struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// WebhookChannel sends notifications to a chat webhook endpoint.
type WebhookChannel struct {
	url      string
	client   *resty.Client
	markdown bool
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithWebhookTimeout overrides the request timeout.
func WithWebhookTimeout(timeout time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if timeout > 0 {
			ch.client.SetTimeout(timeout)
		}
	}
}

// WithRetries retries transport failures and 5xx responses.
func WithRetries(count int, wait time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if count <= 0 {
			return
		}
		ch.client.SetRetryCount(count).
			SetRetryWaitTime(wait).
			AddRetryCondition(func(resp *resty.Response, err error) bool {
				return err != nil || (resp != nil && resp.StatusCode() >= 500)
			})
	}
}

// WithMarkdown also sends the content as a markdown block.
func WithMarkdown() WebhookOption {
	return func(ch *WebhookChannel) {
		ch.markdown = true
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url: url,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Name implements Channel.
func (w *WebhookChannel) Name() string { return "webhook" }

// Send posts the content using a DingTalk/WeCom-compatible payload.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: msg.Content},
	}
	if w.markdown {
		payload.MsgType = "markdown"
		payload.Markdown = &webhookMarkdown{Title: msg.Subject, Content: msg.Content}
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode())
	}
	return nil
}
