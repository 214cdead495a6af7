// Copyright 2025 James Ross
package runtime

import (
	"context"

	"github.com/flyingrobots/constellation/internal/cvalue"
)

// slot is a one-shot completion cell: exactly one writer resolves or fails
// it, any number of readers await it. Readers never observe a partial write
// because val/err are assigned before done is closed.
type slot struct {
	done chan struct{}
	val  cvalue.Value
	err  error
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

func (s *slot) resolve(v cvalue.Value) {
	s.val = v
	close(s.done)
}

func (s *slot) fail(err error) {
	s.err = err
	close(s.done)
}

// await blocks until the slot completes or ctx is cancelled.
func (s *slot) await(ctx context.Context) (cvalue.Value, error) {
	select {
	case <-s.done:
		return s.val, s.err
	case <-ctx.Done():
		return cvalue.Null(), ctx.Err()
	}
}

// ready reports completion without blocking.
func (s *slot) ready() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// reset prepares a pooled slot for reuse.
func (s *slot) reset() {
	s.done = make(chan struct{})
	s.val = cvalue.Null()
	s.err = nil
}

// slotPool is a bounded free-list of slots. Overflow on release is dropped
// to the garbage collector.
type slotPool struct {
	free chan *slot
}

func newSlotPool(size int) *slotPool {
	if size <= 0 {
		size = 1024
	}
	return &slotPool{free: make(chan *slot, size)}
}

func (p *slotPool) acquire() *slot {
	select {
	case s := <-p.free:
		s.reset()
		return s
	default:
		return newSlot()
	}
}

func (p *slotPool) release(s *slot) {
	select {
	case p.free <- s:
	default:
	}
}
