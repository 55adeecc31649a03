// Package inference talks to the external anomaly scoring service.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	alerts "vitals-alerting/internal/alerts/domain"
)

var (
	// ErrBadRequest is returned when the scorer rejects the vitals.
	ErrBadRequest = errors.New("inference: bad request")
	// ErrUnavailable wraps transport failures and 5xx answers.
	ErrUnavailable = errors.New("inference: unavailable")
)

const defaultTimeout = 10 * time.Second

// Score is the scorer's verdict for one set of vitals.
type Score struct {
	IsAnomaly  bool
	Conditions []string
}

// FirstCondition returns the first triggered condition in scorer order.
func (s Score) FirstCondition() (string, bool) {
	if len(s.Conditions) == 0 {
		return "", false
	}
	return s.Conditions[0], true
}

type scoreRequest struct {
	Vitals alerts.Vitals `json:"vitals"`
}

type scoreResponse struct {
	IsAnomaly      bool     `json:"is_anomaly"`
	RulesTriggered []string `json:"rules_triggered"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client is an HTTP scoring client.
type Client struct {
	endpoint string
	http     *resty.Client
}

// Option configures the client.
type Option func(*resty.Client)

// WithTimeout overrides the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *resty.Client) {
		if timeout > 0 {
			c.SetTimeout(timeout)
		}
	}
}

// WithHeader adds a header to every scoring request.
func WithHeader(key, value string) Option {
	return func(c *resty.Client) {
		if key != "" {
			c.SetHeader(key, value)
		}
	}
}

// NewClient constructs a scoring client for endpoint (full URL of the predict route).
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("inference: empty endpoint")
	}
	rc := resty.New().
		SetTimeout(defaultTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{endpoint: endpoint, http: rc}, nil
}

// Score sends vitals to the scorer.
func (c *Client) Score(ctx context.Context, vitals alerts.Vitals) (Score, error) {
	if c == nil || c.http == nil {
		return Score{}, errors.New("inference: nil client")
	}
	var result scoreResponse
	var failure errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(scoreRequest{Vitals: vitals}).
		SetResult(&result).
		SetError(&failure).
		Post(c.endpoint)
	if err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode() == http.StatusBadRequest:
		return Score{}, fmt.Errorf("%w: %s", ErrBadRequest, failure.Error)
	case resp.IsError():
		return Score{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return Score{IsAnomaly: result.IsAnomaly, Conditions: result.RulesTriggered}, nil
}
