// Package autosave persists the store on an adaptive cadence: ten times the
// last persist duration, never faster than ten times the floor. Slow
// snapshots therefore back off on their own.
package autosave

import (
	"context"
	"errors"
	"time"

	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/store"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	DefaultFloor           = 100 * time.Millisecond
	DefaultMultiplier      = 10
	DefaultShutdownTimeout = 30 * time.Second
)

// Persister is the part of *store.Store the scheduler drives.
type Persister interface {
	Persist(ctx context.Context) (store.PersistResult, error)
	LastPersistDuration() time.Duration
}

// Config wires a Scheduler. Zero durations take the defaults.
type Config struct {
	Store           Persister
	Logger          pslog.Logger
	Clock           clock.Clock
	Floor           time.Duration
	Multiplier      int
	ShutdownTimeout time.Duration
}

// Scheduler runs the autosave loop.
type Scheduler struct {
	store           Persister
	logger          pslog.Logger
	clock           clock.Clock
	floor           time.Duration
	multiplier      int
	shutdownTimeout time.Duration
}

// New validates cfg and returns a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("autosave: store required")
	}
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultFloor
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Scheduler{
		store:           cfg.Store,
		logger:          svcfields.WithSubsystem(cfg.Logger, "store.autosave"),
		clock:           clock.OrReal(cfg.Clock),
		floor:           cfg.Floor,
		multiplier:      cfg.Multiplier,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Cadence returns the wait before the next persist.
func (s *Scheduler) Cadence() time.Duration {
	return max(s.store.LastPersistDuration(), s.floor) * time.Duration(s.multiplier)
}

// Run persists on every tick until ctx is cancelled, then persists once more
// under a fresh context bounded by the shutdown timeout. Only the error of
// that final persist is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("autosave.start", "floor", s.floor, "multiplier", s.multiplier)
	for {
		wait := s.Cadence()
		select {
		case <-ctx.Done():
			return s.final()
		case <-s.clock.After(wait):
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.store.Persist(ctx)
	if err != nil {
		s.logger.Error("autosave.persist.error", "error", err)
		return
	}
	if result.Skipped {
		s.logger.Trace("autosave.persist.skipped", "reason", result.Reason)
		return
	}
	s.logger.Debug("autosave.persist.ok", "alterations", result.Alterations, "elapsed", result.Elapsed)
}

func (s *Scheduler) final() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	result, err := s.store.Persist(ctx)
	if err != nil {
		s.logger.Error("autosave.final.error", "error", err)
		return err
	}
	s.logger.Info("autosave.final.complete", "skipped", result.Skipped, "alterations", result.Alterations)
	return nil
}
