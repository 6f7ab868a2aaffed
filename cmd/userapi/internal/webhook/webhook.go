// Package webhook delivers signed lifecycle events to subscriber URLs.
//
// Every delivery is a POST of {"event": ..., "payload": ...} with the base64
// signature of the exact body bytes in the configured signature header, so
// subscribers verify it the same way this service verifies internal callers.
// Delivery is at least once: a retried event may reach a subscriber twice.
package webhook

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/signature"
)

// Envelope is the body of every webhook request.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Sender posts events to the URLs subscribed to them.
type Sender struct {
	subscribers map[string][]string
	header      string
	key         crypto.Signer
	client      *http.Client
	logger      *zap.SugaredLogger
}

// Option customises a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Sender) { s.logger = logging.OrNop(l) }
}

// NewSender builds a Sender that signs with key.
func NewSender(cfg config.WebhookConfig, key crypto.Signer, opts ...Option) (*Sender, error) {
	if key == nil {
		return nil, errors.New("webhook: signing key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Sender{
		subscribers: cfg.Events,
		header:      cfg.SignatureHeader,
		key:         key,
		client:      &http.Client{Timeout: timeout},
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send delivers event to every subscriber in parallel. It is a no-op when
// nobody subscribes to event. The returned error joins every failed delivery.
func (s *Sender) Send(ctx context.Context, event string, payload any) error {
	urls := s.subscribers[event]
	if len(urls) == 0 {
		return nil
	}

	body, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s webhook: %w", event, err)
	}
	sig, err := signature.Sign(body, s.key)
	if err != nil {
		return fmt.Errorf("sign %s webhook: %w", event, err)
	}

	errs := make([]error, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			errs[i] = s.post(ctx, url, body, sig)
			if errs[i] != nil {
				s.logger.Warnw("webhook delivery failed", "event", event, "url", url, "error", errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Sender) post(ctx context.Context, url string, body []byte, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.header, sig)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}
