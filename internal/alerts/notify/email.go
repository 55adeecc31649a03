package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
)

type emailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailChannel sends notifications through the Resend API.
type EmailChannel struct {
	sender emailSender
	from   string
	to     []string
}

// NewEmailChannel constructs an e-mail channel.
func NewEmailChannel(apiKey, from string, to []string) (*EmailChannel, error) {
	if apiKey == "" {
		return nil, errors.New("email channel: empty api key")
	}
	return newEmailChannel(resend.NewClient(apiKey).Emails, from, to)
}

func newEmailChannel(sender emailSender, from string, to []string) (*EmailChannel, error) {
	if sender == nil {
		return nil, errors.New("email channel: nil sender")
	}
	if from == "" {
		return nil, errors.New("email channel: empty sender address")
	}
	if len(to) == 0 {
		return nil, errors.New("email channel: no recipients")
	}
	return &EmailChannel{sender: sender, from: from, to: to}, nil
}

// Name implements Channel.
func (e *EmailChannel) Name() string { return "email" }

// Send implements Channel.
func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	if e == nil || e.sender == nil {
		return errors.New("email channel: not configured")
	}
	_, err := e.sender.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    e.from,
		To:      e.to,
		Subject: msg.Subject,
		Text:    msg.Content,
	})
	if err != nil {
		return fmt.Errorf("email channel: %w", err)
	}
	return nil
}
