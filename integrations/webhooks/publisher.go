// Package webhooks delivers lease outbox events to an HTTP endpoint with an
// HMAC signature header.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second

	// EventHeader carries the event type.
	EventHeader = "X-Rentflow-Event"
	// SignatureHeader carries "sha256=<hex hmac of body>".
	SignatureHeader = "X-Rentflow-Signature"
	// DeliveryHeader carries the partition key, the lease id.
	DeliveryHeader = "X-Rentflow-Lease"
)

// Publisher posts events synchronously and retries non-2xx responses with
// exponential backoff. It satisfies lease.Publisher so the outbox relay only
// marks an event published after the endpoint accepted it.
type Publisher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

// Option mutates publisher configuration.
type Option func(*Publisher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		if client != nil {
			p.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(p *Publisher) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			p.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			p.maxBackoff = maxBackoff
		}
	}
}

// NewPublisher validates the endpoint and secret.
func NewPublisher(endpoint string, secret []byte, opts ...Option) (*Publisher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	publisher := &Publisher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(publisher)
	}
	return publisher, nil
}

// Publish implements lease.Publisher.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	backoff := p.minBackoff
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.send(ctx, eventType, payload, partitionKey)
		if lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, p.maxBackoff)
	}
	return fmt.Errorf("webhook: %s undelivered after %d attempts: %w", eventType, p.maxAttempts, lastErr)
}

func (p *Publisher) send(ctx context.Context, eventType string, body []byte, partitionKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(DeliveryHeader, partitionKey)
	req.Header.Set(SignatureHeader, Sign(p.secret, body))
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign computes the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(header)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
