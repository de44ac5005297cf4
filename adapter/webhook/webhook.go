// Package webhook posts block events as JSON to an HTTP endpoint.
//
// Transient failures (network errors and 5xx responses) are retried with
// exponential backoff. 4xx responses fail at once.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/iox"
)

// DefaultTimeout is the per-request timeout when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the retry count used by the CLI when none is configured.
const DefaultRetries = 3

// baseBackoff is the delay before the first retry; it doubles per retry.
var baseBackoff = 500 * time.Millisecond

// Config configures a Notifier.
type Config struct {
	// URL receives the POST requests (required).
	URL string
	// Headers are added to each request.
	Headers map[string]string
	Timeout time.Duration
	// Retries is the number of attempts after the first.
	Retries int
}

// Notifier posts block events.
type Notifier struct {
	config Config
	client *http.Client
}

var _ adapter.Notifier = (*Notifier)(nil)

// New returns a Notifier for cfg.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook notifier requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &Notifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Notify posts ev, retrying transient failures.
func (n *Notifier) Notify(ctx context.Context, ev *adapter.BlockEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	attempts := 1 + n.config.Retries
	var lastErr error
	for i := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook: canceled during backoff: %w", ctx.Err())
			case <-time.After(baseBackoff << (i - 1)):
			}
		} else if err := ctx.Err(); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}

		lastErr = n.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		var status *StatusError
		if errors.As(lastErr, &status) && status.Code >= 400 && status.Code < 500 {
			return fmt.Errorf("webhook: non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("webhook: failed after %d attempts: %w", attempts, lastErr)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close drops idle connections.
func (n *Notifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}
