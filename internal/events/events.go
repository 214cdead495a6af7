// Copyright 2025 James Ross
package events

import (
	"sync"
	"time"

	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type enumerates execution lifecycle events.
type Type string

const (
	ExecutionStarted   Type = "execution_started"
	NodeCompleted      Type = "node_completed"
	ExecutionCompleted Type = "execution_completed"
	ExecutionFailed    Type = "execution_failed"
	ExecutionSuspended Type = "execution_suspended"
	ExecutionResumed   Type = "execution_resumed"
)

// Event is one observable moment in a pipeline execution.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Pipeline       string    `json:"pipeline,omitempty"`
	StructuralHash string    `json:"structuralHash,omitempty"`
	ExecutionID    string    `json:"executionId,omitempty"`
	Node           string    `json:"node,omitempty"`
	Module         string    `json:"module,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"durationMs,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewEvent stamps an event with an id and timestamp.
func NewEvent(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now()}
}

type subscriber struct {
	id string
	ch chan Event
}

// Bus fans events out to subscriber queues. Publishing never blocks: a full
// subscriber queue drops the event and bumps the dropped counter instead of
// buffering without bound.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	bufSize int
	logger  *zap.Logger
}

// NewBus creates a bus; bufSize is the per-subscriber queue depth.
func NewBus(bufSize int, logger *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[string]*subscriber),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a queue and returns the receive channel plus a cancel
// function. The channel is closed on cancel.
func (b *Bus) Subscribe() (string, <-chan Event, func()) {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan Event, b.bufSize)}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.id, sub.ch, cancel
}

// Publish delivers to every subscriber, dropping on full queues.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			obs.EventsDropped.WithLabelValues(sub.id).Inc()
		}
	}
}

// SubscriberCount reports the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
