// Package refresh 驱动 tranche 公允价值刷新：读取价格源、调用 payoff 模块、提交新状态。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/alerting"
	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/metrics"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
	"github.com/vyper-protocol/vyper-core-sub000/internal/ratefeed"
	"github.com/vyper-protocol/vyper-core-sub000/internal/scheduler"
	"github.com/vyper-protocol/vyper-core-sub000/internal/storage"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// Phase names the step a refresh failed in.
type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseComputing  Phase = "computing"
	PhaseCommitting Phase = "committing"
)

// Ledger is the tranche state the orchestrator reads and commits to.
type Ledger interface {
	Get(ctx context.Context, id uuid.UUID) (*tranche.Config, error)
	List(ctx context.Context) ([]*tranche.Config, error)
	Mutate(ctx context.Context, id uuid.UUID, fn func(cfg *tranche.Config) error) (*tranche.Config, error)
}

// SupplyProvider reports the outstanding senior and junior token supply.
type SupplyProvider interface {
	Supply(ctx context.Context, id uuid.UUID) ([2]uint64, error)
}

// SourceResolver finds a price source by ID.
type SourceResolver interface {
	Resolve(id string) (ratefeed.Source, error)
}

// ModuleResolver finds a payoff module by ID.
type ModuleResolver interface {
	Resolve(id string) (payoff.Module, error)
}

// HistoryStore persists refresh attempts.
type HistoryStore interface {
	InsertRefreshRecord(ctx context.Context, rec storage.RefreshRecord) (storage.RefreshRecord, error)
}

// Pruner drops refresh history and alerts older than a cutoff.
type Pruner interface {
	DeleteRefreshRecordsBefore(ctx context.Context, olderThan time.Time) error
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// Deps are the collaborators of an Orchestrator. History, AlertStore,
// Locker, Pruner, Notifier, Metrics and Scheduler may be nil.
type Deps struct {
	Ledger     Ledger
	Supply     SupplyProvider
	Sources    SourceResolver
	Modules    ModuleResolver
	Clock      ratefeed.Clock
	History    HistoryStore
	AlertStore storage.AlertStore
	Locker     storage.AdvisoryLocker
	Pruner     Pruner
	Notifier   alerting.Notifier
	Metrics    *metrics.Metrics
	Scheduler  *scheduler.Scheduler
}

// Options tune scheduled refreshes and alerting.
type Options struct {
	// Caller is the identity used by scheduled refreshes.
	Caller          common.Address
	AdvisoryLockKey int64
	AlertCooldown   time.Duration
	Channels        []string
	// Retention bounds the age of pruned history; zero keeps everything.
	Retention time.Duration
}

// Orchestrator runs Idle → Validating → Computing → Committing → Idle for a tranche.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	alertMu    sync.Mutex
	lastAlerts map[string]time.Time
}

// New constructs the orchestrator.
func New(deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:       deps,
		opts:       opts,
		logger:     logger.With().Str("component", "refresh").Logger(),
		now:        time.Now,
		lastAlerts: make(map[string]time.Time),
	}
}

// attempt collects what a refresh saw, for history, metrics and alerts.
type attempt struct {
	cfg     *tranche.Config
	reading ratefeed.Reading
	result  payoff.Result
	phase   Phase
}

// RefreshTrancheFairValue reads the tranche's price source, evaluates its
// payoff module and commits the new quantities, fee and fair values. On any
// failure the stored tranche is untouched.
func (o *Orchestrator) RefreshTrancheFairValue(ctx context.Context, trancheID uuid.UUID, caller common.Address) (*tranche.Config, error) {
	start := o.now()
	at := attempt{phase: PhaseValidating}

	next, err := o.deps.Ledger.Mutate(ctx, trancheID, func(cfg *tranche.Config) error {
		at.cfg = cfg.Clone()
		at.phase = PhaseValidating
		reading, err := o.validate(ctx, cfg, caller)
		if err != nil {
			return err
		}
		at.reading = reading

		at.phase = PhaseComputing
		res, err := o.compute(ctx, cfg, reading)
		if err != nil {
			return err
		}
		at.result = res

		at.phase = PhaseCommitting
		return o.commit(ctx, cfg, reading, res)
	})
	if err == nil {
		at.cfg = next
	}

	o.observe(ctx, trancheID, at, err, o.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("refresh tranche %s (%s): %w", trancheID, at.phase, err)
	}

	o.logger.Info().
		Str("tranche", trancheID.String()).
		Uint64("tick", at.reading.Tick).
		Uints64("quantity", next.Data.DepositedQuantity[:]).
		Uint64("fee", at.result.FeeQuantity).
		Stringer("reserve_fair_value", next.Data.ReserveFairValue.Value).
		Msg("tranche fair value refreshed")
	return next, nil
}

// RefreshReserveFairValue only pulls the price source into the reserve fair value.
func (o *Orchestrator) RefreshReserveFairValue(ctx context.Context, trancheID uuid.UUID, caller common.Address) (*tranche.Config, error) {
	next, err := o.deps.Ledger.Mutate(ctx, trancheID, func(cfg *tranche.Config) error {
		reading, err := o.validate(ctx, cfg, caller)
		if err != nil {
			return err
		}
		cfg.Data.ReserveFairValue.Value = reading.FairValue
		cfg.Data.ReserveFairValue.Tracking.Update(reading.Tick)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh reserve fair value %s: %w", trancheID, err)
	}
	o.logger.Debug().
		Str("tranche", trancheID.String()).
		Stringer("reserve_fair_value", next.Data.ReserveFairValue.Value).
		Msg("reserve fair value refreshed")
	return next, nil
}

func (o *Orchestrator) validate(ctx context.Context, cfg *tranche.Config, caller common.Address) (ratefeed.Reading, error) {
	if err := cfg.CheckRefresh(caller); err != nil {
		return ratefeed.Reading{}, err
	}

	src, err := o.deps.Sources.Resolve(cfg.RateSource)
	if err != nil {
		return ratefeed.Reading{}, err
	}
	reading, err := src.Read(ctx)
	if err != nil {
		return ratefeed.Reading{}, fmt.Errorf("read rate source %s: %w", cfg.RateSource, err)
	}
	if reading.FairValue.HasNegative() {
		return ratefeed.Reading{}, fmt.Errorf("%w: rate source %s returned a negative fair value", errcode.ErrInvalidInput, cfg.RateSource)
	}

	now, err := o.deps.Clock.Tick(ctx)
	if err != nil {
		return ratefeed.Reading{}, fmt.Errorf("read clock: %w", err)
	}
	feed := tranche.Tracking{LastUpdate: reading.Tick, StaleThreshold: cfg.Data.ReserveFairValue.Tracking.StaleThreshold}
	stale, err := feed.IsStale(now)
	if err != nil {
		return ratefeed.Reading{}, err
	}
	if stale {
		return ratefeed.Reading{}, fmt.Errorf("rate source %s last updated at %d, now %d: %w", cfg.RateSource, reading.Tick, now, errcode.ErrStaleFairValue)
	}
	return reading, nil
}

func (o *Orchestrator) compute(ctx context.Context, cfg *tranche.Config, reading ratefeed.Reading) (payoff.Result, error) {
	module, err := o.deps.Modules.Resolve(cfg.PayoffModule)
	if err != nil {
		return payoff.Result{}, err
	}
	return payoff.Invoke(ctx, module, cfg.PayoffModule, payoff.Request{
		OldQuantity:         cfg.Data.DepositedQuantity,
		OldReserveFairValue: cfg.Data.ReserveFairValue.Value,
		NewReserveFairValue: reading.FairValue,
	})
}

func (o *Orchestrator) commit(ctx context.Context, cfg *tranche.Config, reading ratefeed.Reading, res payoff.Result) error {
	fee, err := addFee(cfg.Data.FeeToCollect, res.FeeQuantity)
	if err != nil {
		return err
	}
	supply, err := o.deps.Supply.Supply(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("read supply: %w", err)
	}

	fairValue := cfg.Data.TrancheFairValue.Value
	for i := range fairValue {
		if supply[i] == 0 {
			continue
		}
		v, err := fixedpoint.NewFromUint64(res.NewQuantity[i]).Div(fixedpoint.NewFromUint64(supply[i]))
		if err != nil {
			return err
		}
		fairValue[i] = v
	}

	cfg.Data.FeeToCollect = fee
	cfg.Data.DepositedQuantity = res.NewQuantity
	cfg.Data.TrancheFairValue.Value = fairValue
	cfg.Data.ReserveFairValue.Value = reading.FairValue
	cfg.Data.ReserveFairValue.Tracking.Update(reading.Tick)
	cfg.Data.TrancheFairValue.Tracking.Update(reading.Tick)
	return nil
}

func addFee(current, fee uint64) (uint64, error) {
	sum := current + fee
	if sum < current {
		return 0, fmt.Errorf("%w: fee to collect overflows", errcode.ErrMath)
	}
	return sum, nil
}

// Run refreshes every tranche on each scheduler tick until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return o.deps.Scheduler.Run(ctx, o.ProcessRound)
}

// ProcessRound 执行一轮刷新，多实例部署时由 advisory lock 保证只有一个实例执行。
func (o *Orchestrator) ProcessRound(ctx context.Context, round time.Time) error {
	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		o.logger.Debug().Time("round", round).Msg("skip round because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	tranches, err := o.deps.Ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("list tranches: %w", err)
	}

	var errs []error
	refreshed := 0
	for _, cfg := range tranches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := o.RefreshTrancheFairValue(ctx, cfg.ID, o.opts.Caller); err != nil {
			errs = append(errs, err)
			continue
		}
		refreshed++
	}

	o.logger.Info().Time("round", round).
		Int("tranches", len(tranches)).
		Int("refreshed", refreshed).
		Int("failed", len(errs)).
		Msg("refresh round complete")

	o.prune(ctx, round)
	return errors.Join(errs...)
}

// prune 删除早于 round-Retention 的刷新记录和告警，失败只记录日志。
func (o *Orchestrator) prune(ctx context.Context, round time.Time) {
	if o.deps.Pruner == nil || o.opts.Retention <= 0 {
		return
	}
	cutoff := round.Add(-o.opts.Retention)
	if err := o.deps.Pruner.DeleteRefreshRecordsBefore(ctx, cutoff); err != nil {
		o.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("prune refresh history failed")
	}
	if err := o.deps.Pruner.DeleteAlertsBefore(ctx, cutoff); err != nil {
		o.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("prune alerts failed")
	}
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.AdvisoryLockKey == 0 || o.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.deps.Locker.TryAdvisoryLock(ctx, o.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
