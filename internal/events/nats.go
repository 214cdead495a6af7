// Copyright 2025 James Ross
package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes execution events to a NATS subject per event type:
// <prefix>.<type>, e.g. constellation.events.execution_completed.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
	cancel func()
	doneCh chan struct{}
}

// NewNATSSink connects to NATS and starts draining the bus.
func NewNATSSink(bus *Bus, natsURL, prefix string, logger *zap.Logger) (*NATSSink, error) {
	if prefix == "" {
		prefix = "constellation.events"
	}
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	_, ch, cancel := bus.Subscribe()
	sink := &NATSSink{
		conn:   conn,
		prefix: prefix,
		logger: logger,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go sink.drain(ch)
	return sink, nil
}

func (s *NATSSink) drain(ch <-chan Event) {
	defer close(s.doneCh)
	for e := range ch {
		data, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("marshal nats event", zap.Error(err))
			continue
		}
		subject := fmt.Sprintf("%s.%s", s.prefix, e.Type)
		if err := s.conn.Publish(subject, data); err != nil {
			s.logger.Warn("nats publish failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

// Close detaches from the bus and drains the connection.
func (s *NATSSink) Close() {
	s.cancel()
	<-s.doneCh
	s.conn.Drain()
}
