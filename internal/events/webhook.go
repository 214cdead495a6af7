// Copyright 2025 James Ross
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSink drains a bus subscription into HTTP POSTs. Each delivery
// carries an HMAC-SHA256 signature of the body so receivers can verify the
// origin.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
	logger *zap.Logger
	cancel func()
	doneCh chan struct{}
}

// NewWebhookSink subscribes to the bus and starts delivering. Call Close to
// detach.
func NewWebhookSink(bus *Bus, url, secret string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_, ch, cancel := bus.Subscribe()
	sink := &WebhookSink{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		logger: logger,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go sink.drain(ch)
	return sink
}

func (s *WebhookSink) drain(ch <-chan Event) {
	defer close(s.doneCh)
	for e := range ch {
		s.deliver(e)
	}
}

func (s *WebhookSink) deliver(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("marshal webhook event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(body)
		req.Header.Set("X-Constellation-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", zap.String("url", s.url), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook rejected",
			zap.String("url", s.url),
			zap.Int("status", resp.StatusCode),
			zap.String("event", string(e.Type)))
	}
}

// Close detaches the sink and waits for in-flight deliveries to finish.
func (s *WebhookSink) Close() {
	s.cancel()
	<-s.doneCh
}
