package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotDurable is returned when a caller stops waiting before its fact
// reached the event log.
var ErrNotDurable = errors.New("fact not yet durable")

// Watermark tracks the highest sequence the persistence worker has
// committed to the event log.
type Watermark struct {
	mu      sync.Mutex
	durable int64
	changed chan struct{}
}

func NewWatermark(durable int64) *Watermark {
	return &Watermark{durable: durable, changed: make(chan struct{})}
}

// Advance records that every sequence up to seq is durable. Lower values
// are ignored.
func (w *Watermark) Advance(seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.durable {
		return
	}
	w.durable = seq
	close(w.changed)
	w.changed = make(chan struct{})
}

// Durable returns the highest durable sequence.
func (w *Watermark) Durable() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durable
}

// Wait blocks until seq is durable or ctx is done.
func (w *Watermark) Wait(ctx context.Context, seq int64) error {
	for {
		w.mu.Lock()
		if w.durable >= seq {
			w.mu.Unlock()
			return nil
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: sequence %d: %w", ErrNotDurable, seq, ctx.Err())
		}
	}
}
