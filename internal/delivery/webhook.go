package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// WebhookSink POSTs completion envelopes to a fixed URL with exponential
// backoff. Attempts are bounded; a query is never redelivered after the last
// attempt fails.
type WebhookSink struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
}

// NewWebhookSink builds a webhook sink for the given URL.
func NewWebhookSink(url string, timeout time.Duration, retries int, backoff time.Duration) *WebhookSink {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: backoff,
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	var lastErr error
	tries := w.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Quorum-Event", env.EventType)
		req.Header.Set("X-Quorum-Event-Id", env.EventID)

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = errors.New(resp.Status + ": " + string(body))
		}

		if attempt < tries-1 {
			select {
			case <-time.After(w.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
