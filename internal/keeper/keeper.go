// Package keeper is the automation agent that drives a round from OPEN to
// CALCULATING. On every tick it asks the core whether upkeep is needed and,
// if so, performs it. It also watches the outstanding randomness request
// and reports when it has been pending longer than the configured timeout.
package keeper

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Outcome labels one tick.
type Outcome string

const (
	OutcomeNotNeeded Outcome = "not_needed"
	OutcomePerformed Outcome = "performed"
	OutcomeRejected  Outcome = "rejected" // Raced with another caller
	OutcomeFailed    Outcome = "failed"
)

// Target is the part of the sequencer the keeper drives.
type Target interface {
	CheckUpkeep(ctx context.Context, now time.Time) (core.UpkeepStatus, error)
	PerformUpkeep(ctx context.Context, cmd core.UpkeepCommand) (string, error)
	View(ctx context.Context) (core.RaffleView, error)
}

type Config struct {
	Schedule       string        // cron spec, e.g. "@every 5s"
	TickTimeout    time.Duration // Bound on one check+perform
	RequestTimeout time.Duration // Pending requests older than this are reported
}

func DefaultConfig() Config {
	return Config{
		Schedule:       "@every 5s",
		TickTimeout:    10 * time.Second,
		RequestTimeout: 10 * time.Minute,
	}
}

type Keeper struct {
	target  Target
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	cron    *cron.Cron
}

func New(target Target, cfg Config, metrics *observability.Metrics) *Keeper {
	return &Keeper{
		target:  target,
		cfg:     cfg,
		metrics: metrics,
		logger:  observability.NewLogger("keeper"),
		now:     time.Now,
	}
}

// Start schedules ticks. A tick still running when the next one fires is
// skipped.
func (k *Keeper) Start(ctx context.Context) error {
	k.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := k.cron.AddFunc(k.cfg.Schedule, func() { k.Tick(ctx) }); err != nil {
		return fmt.Errorf("keeper schedule %q: %w", k.cfg.Schedule, err)
	}
	k.cron.Start()
	k.logger.Info().Str("schedule", k.cfg.Schedule).Msg("keeper started")
	return nil
}

// Stop prevents further ticks and waits for a running one to finish.
func (k *Keeper) Stop() {
	if k.cron == nil {
		return
	}
	<-k.cron.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
}

// Tick runs one upkeep check and, when needed, performs upkeep.
func (k *Keeper) Tick(ctx context.Context) Outcome {
	start := time.Now()
	if k.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.cfg.TickTimeout)
		defer cancel()
	}

	outcome := k.tick(ctx)

	if k.metrics != nil {
		k.metrics.KeeperChecks.WithLabelValues(string(outcome)).Inc()
		k.metrics.KeeperDuration.Observe(time.Since(start).Seconds())
	}
	return outcome
}

func (k *Keeper) tick(ctx context.Context) Outcome {
	now := k.now()

	k.watch(ctx, now)

	status, err := k.target.CheckUpkeep(ctx, now)
	if err != nil {
		k.logger.Error().Err(err).Msg("check upkeep")
		return OutcomeFailed
	}
	if !status.Needed {
		k.logger.Debug().
			Int64("balance", status.Balance).
			Int64("players", status.Players).
			Str("state", status.State.String()).
			Dur("elapsed", status.Elapsed).
			Msg("upkeep not needed")
		return OutcomeNotNeeded
	}

	requestID, err := k.target.PerformUpkeep(ctx, core.UpkeepCommand{
		UpkeepID:  uuid.NewString(),
		Timestamp: now,
	})
	switch {
	case err == nil:
		k.logger.Info().
			Str("request_id", requestID).
			Int64("players", status.Players).
			Int64("balance", status.Balance).
			Msg("upkeep performed")
		return OutcomePerformed
	case errors.Is(err, core.ErrUpkeepNotNeeded):
		k.logger.Debug().Err(err).Msg("upkeep no longer needed")
		return OutcomeRejected
	default:
		k.logger.Error().Err(err).Msg("perform upkeep")
		return OutcomeFailed
	}
}

// watch exports the age of the outstanding randomness request and warns
// once it exceeds RequestTimeout. Cancelling is left to the operator.
func (k *Keeper) watch(ctx context.Context, now time.Time) {
	view, err := k.target.View(ctx)
	if err != nil {
		k.logger.Warn().Err(err).Msg("watchdog view")
		return
	}

	var age time.Duration
	if view.Pending != nil {
		age = now.Sub(view.Pending.RequestedAt)
	}
	if k.metrics != nil {
		k.metrics.PendingRequestAge.Set(age.Seconds())
	}

	if view.Pending != nil && k.cfg.RequestTimeout > 0 && age > k.cfg.RequestTimeout {
		k.logger.Warn().
			Int64("round", view.RoundID).
			Str("request_id", view.Pending.RequestID).
			Dur("age", age).
			Msg("randomness request overdue; operator may cancel it")
	}
}
