package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RoundFunc is invoked once per refresh round with the round's start time.
type RoundFunc func(ctx context.Context, round time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately runs a first round right after the startup delay
	// instead of waiting for the first aligned boundary.
	RunImmediately bool
}

// Scheduler drives aligned refresh rounds.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking fn at each aligned interval until ctx is cancelled.
// A failing round is logged and does not stop the loop.
func (s *Scheduler) Run(ctx context.Context, fn RoundFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var rounds uint64
	if s.opts.RunImmediately {
		rounds++
		s.execute(ctx, fn, s.roundStart(s.now()), rounds)
	}

	next := s.nextRound(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextRound(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_round", next).Msg("waiting for next round")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		rounds++
		s.execute(ctx, fn, s.roundStart(next), rounds)
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, fn RoundFunc, round time.Time, n uint64) {
	s.logger.Info().Time("round", round).Uint64("n", n).Msg("executing refresh round")
	if err := fn(ctx, round); err != nil {
		s.logger.Error().Err(err).Time("round", round).Msg("refresh round failed")
	}
}

func (s *Scheduler) nextRound(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	round := now.Truncate(s.opts.Interval)
	if !round.After(now) {
		round = round.Add(s.opts.Interval)
	}
	return round
}

func (s *Scheduler) roundStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
