package core

import (
	"RaffleLedger/internal/state"
	"context"
	"errors"
	"time"
)

// ErrSequencerStopped is returned for commands submitted after Run exits.
var ErrSequencerStopped = errors.New("sequencer stopped")

// Sequencer owns the only reference to a RaffleCore and executes every
// command and read on one goroutine, one at a time.
//
// With a durability watermark, a command returns only once the event log
// holds every fact up to the core's sequence at the time it ran, so a caller
// never acknowledges an effect that a crash could still lose. The wait
// happens on the caller's goroutine, not the sequencer's.
type Sequencer struct {
	core     *RaffleCore
	commands chan func()
	done     chan struct{}
	durable  *Watermark
}

func NewSequencer(core *RaffleCore, queueSize int) *Sequencer {
	return &Sequencer{
		core:     core,
		commands: make(chan func(), queueSize),
		done:     make(chan struct{}),
	}
}

// WithDurability makes commands wait for w to cover their sequence.
func (s *Sequencer) WithDurability(w *Watermark) *Sequencer {
	s.durable = w
	return s
}

// Run executes commands until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.commands:
			fn()
		}
	}
}

// Done is closed once Run has returned. After that the caller may use the
// core directly, e.g. for the final snapshot.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

type result[T any] struct {
	value    T
	err      error
	sequence int64 // Core sequence after fn ran
}

// command runs fn like execute and then waits until the core's sequence at
// that point is durable. Rejections wait too: a duplicate is only reported
// once the original fact is in the log.
func command[T any](ctx context.Context, s *Sequencer, fn func(*RaffleCore) (T, error)) (T, error) {
	r, err := run(ctx, s, fn)
	if err != nil {
		return r.value, err
	}
	if s.durable != nil {
		if err := s.durable.Wait(ctx, r.sequence); err != nil {
			var zero T
			return zero, err
		}
	}
	return r.value, r.err
}

// execute runs fn on the sequencer goroutine and waits for its reply.
func execute[T any](ctx context.Context, s *Sequencer, fn func(*RaffleCore) (T, error)) (T, error) {
	r, err := run(ctx, s, fn)
	if err != nil {
		return r.value, err
	}
	return r.value, r.err
}

// run submits fn and returns its result. The error is non-nil only when the
// task could not be executed or its reply was abandoned.
func run[T any](ctx context.Context, s *Sequencer, fn func(*RaffleCore) (T, error)) (result[T], error) {
	var zero result[T]
	reply := make(chan result[T], 1)

	task := func() {
		v, err := fn(s.core)
		reply <- result[T]{value: v, err: err, sequence: s.core.GetSequence()}
	}

	select {
	case s.commands <- task:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrSequencerStopped
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		// Run may have exited right after executing the task
		select {
		case r := <-reply:
			return r, nil
		default:
			return zero, ErrSequencerStopped
		}
	}
}

func (s *Sequencer) Enter(ctx context.Context, cmd EnterCommand) (*EntryReceipt, error) {
	return command(ctx, s, func(c *RaffleCore) (*EntryReceipt, error) {
		return c.Enter(ctx, cmd)
	})
}

func (s *Sequencer) CheckUpkeep(ctx context.Context, now time.Time) (UpkeepStatus, error) {
	return execute(ctx, s, func(c *RaffleCore) (UpkeepStatus, error) {
		return c.CheckUpkeep(now), nil
	})
}

func (s *Sequencer) PerformUpkeep(ctx context.Context, cmd UpkeepCommand) (string, error) {
	return command(ctx, s, func(c *RaffleCore) (string, error) {
		return c.PerformUpkeep(ctx, cmd)
	})
}

func (s *Sequencer) FulfillRandomWords(ctx context.Context, cmd FulfillCommand) (*Settlement, error) {
	return command(ctx, s, func(c *RaffleCore) (*Settlement, error) {
		return c.FulfillRandomWords(ctx, cmd)
	})
}

func (s *Sequencer) WithdrawAccumulatedFees(ctx context.Context, cmd WithdrawCommand) (int64, error) {
	return command(ctx, s, func(c *RaffleCore) (int64, error) {
		return c.WithdrawAccumulatedFees(ctx, cmd)
	})
}

func (s *Sequencer) CancelPendingRequest(ctx context.Context, cmd CancelCommand) (string, error) {
	return command(ctx, s, func(c *RaffleCore) (string, error) {
		return c.CancelPendingRequest(cmd)
	})
}

func (s *Sequencer) ReconcileBalance(ctx context.Context, cmd ReconcileCommand) (int64, error) {
	return command(ctx, s, func(c *RaffleCore) (int64, error) {
		return c.ReconcileBalance(cmd)
	})
}

func (s *Sequencer) View(ctx context.Context) (RaffleView, error) {
	return execute(ctx, s, func(c *RaffleCore) (RaffleView, error) {
		return c.View(), nil
	})
}

// TicketRange returns the range at index; ok is false when out of bounds.
func (s *Sequencer) TicketRange(ctx context.Context, index int) (r state.TicketRange, ok bool, err error) {
	type found struct {
		r  state.TicketRange
		ok bool
	}
	f, err := execute(ctx, s, func(c *RaffleCore) (found, error) {
		r, ok := c.TicketRange(index)
		return found{r, ok}, nil
	})
	return f.r, f.ok, err
}

func (s *Sequencer) Snapshot(ctx context.Context) (*SnapshotState, error) {
	return execute(ctx, s, func(c *RaffleCore) (*SnapshotState, error) {
		return c.CreateSnapshotState(), nil
	})
}
