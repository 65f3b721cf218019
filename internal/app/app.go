package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vyper-protocol/vyper-core-sub000/internal/alerting"
	"github.com/vyper-protocol/vyper-core-sub000/internal/api"
	"github.com/vyper-protocol/vyper-core-sub000/internal/config"
	"github.com/vyper-protocol/vyper-core-sub000/internal/metrics"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
	"github.com/vyper-protocol/vyper-core-sub000/internal/ratefeed"
	"github.com/vyper-protocol/vyper-core-sub000/internal/refresh"
	"github.com/vyper-protocol/vyper-core-sub000/internal/scheduler"
	"github.com/vyper-protocol/vyper-core-sub000/internal/storage"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the components one command works with.
type runtime struct {
	store    *storage.Store
	chain    *ratefeed.Chain
	clock    ratefeed.Clock
	sources  *ratefeed.Registry
	modules  *payoff.Registry
	ledger   *tranche.Service
	metrics  *metrics.Metrics
	notifier alerting.Notifier
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newChain() *ratefeed.Chain {
	if a.Config.Chain.RPCURL == "" {
		return nil
	}
	return ratefeed.NewChain(ratefeed.ChainOptions{
		RPCURL:  a.Config.Chain.RPCURL,
		Timeout: a.Config.Chain.RequestTimeout,
	}, a.Logger)
}

// newClock returns the single clock every tick in the app is stamped from.
// Sources convert their observation times through it, so oracle and pool
// feeds work under either clock kind.
func (a *App) newClock(chain *ratefeed.Chain) ratefeed.Clock {
	if a.Config.Chain.Clock == config.ClockBlock && chain != nil {
		return ratefeed.ChainClock{Chain: chain, BlockTime: a.Config.Chain.BlockTime}
	}
	return ratefeed.WallClock{Resolution: a.Config.Chain.TickResolution}
}

// newSources builds feeds in declaration order so a TWAP can wrap any
// earlier feed.
func (a *App) newSources(ctx context.Context, chain *ratefeed.Chain, clock ratefeed.Clock, store *storage.Store) (*ratefeed.Registry, error) {
	var buffers ratefeed.BufferStore
	if store != nil {
		buffers = store
	}

	registry := ratefeed.NewRegistry()
	for _, f := range a.Config.Feeds {
		src, err := a.newSource(ctx, f, chain, clock, registry, buffers)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(src); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (a *App) newSource(ctx context.Context, f config.FeedConfig, chain *ratefeed.Chain, clock ratefeed.Clock, registry *ratefeed.Registry, buffers ratefeed.BufferStore) (ratefeed.Source, error) {
	switch f.Type {
	case config.FeedOracle:
		if chain == nil {
			return nil, fmt.Errorf("feed %s: chain.rpc_url not configured", f.ID)
		}
		return ratefeed.NewOracle(ratefeed.OracleOptions{
			ID:            f.ID,
			Aggregators:   addresses(f.Aggregators),
			TrustedOwners: addresses(f.TrustedOwners),
		}, chain, clock, a.Logger)
	case config.FeedPool:
		if chain == nil {
			return nil, fmt.Errorf("feed %s: chain.rpc_url not configured", f.ID)
		}
		return ratefeed.NewPool(ratefeed.PoolOptions{
			ID:         f.ID,
			Pool:       common.HexToAddress(f.Pool),
			BaseToken:  common.HexToAddress(f.BaseToken),
			QuoteToken: common.HexToAddress(f.QuoteToken),
			LPToken:    common.HexToAddress(f.LPToken),
		}, chain, clock, a.Logger), nil
	case config.FeedPyth:
		return ratefeed.NewPyth(ratefeed.PythOptions{
			ID:        f.ID,
			BaseURL:   f.BaseURL,
			FeedIDs:   f.FeedIDs,
			Timeout:   f.Timeout,
			UserAgent: f.UserAgent,
		}, clock, a.Logger)
	case config.FeedMock:
		return ratefeed.NewMock(f.ID, common.HexToAddress(f.Authority), clock), nil
	case config.FeedTWAP:
		upstream, err := registry.Resolve(f.Upstream)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.ID, err)
		}
		twap, err := ratefeed.NewTWAP(ratefeed.TWAPOptions{
			ID:           f.ID,
			MinTickDelta: f.MinTickDelta,
			SamplingSize: f.SamplingSize,
		}, upstream, buffers, a.Logger)
		if err != nil {
			return nil, err
		}
		if err := twap.Restore(ctx); err != nil {
			return nil, err
		}
		return twap, nil
	default:
		return nil, fmt.Errorf("feed %s: unsupported type %q", f.ID, f.Type)
	}
}

func (a *App) newModules() (*payoff.Registry, error) {
	registry, err := payoff.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, m := range a.Config.Payoff {
		var module payoff.Module
		if m.Remote() {
			module = payoff.NewHTTPModule(payoff.HTTPOptions{
				BaseURL:   m.RemoteURL,
				ModuleID:  m.ID,
				Timeout:   m.Timeout,
				UserAgent: a.Config.App.Name,
			}, a.Logger)
		} else {
			local, err := payoff.NewLocalModule(m.ID, m.Config)
			if err != nil {
				return nil, fmt.Errorf("payoff module %s: %w", m.ID, err)
			}
			module = local
		}
		if err := registry.Register(module); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

// build wires every component. Without a DSN the ledger lives in memory.
func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}
	rt.store = store

	rt.chain = a.newChain()
	if rt.chain != nil {
		rt.closers = append(rt.closers, rt.chain.Close)
	}
	rt.clock = a.newClock(rt.chain)

	if rt.sources, err = a.newSources(ctx, rt.chain, rt.clock, store); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.modules, err = a.newModules(); err != nil {
		rt.Close()
		return nil, err
	}

	var repo tranche.Repository = tranche.NewMemoryRepository()
	if store != nil {
		repo = store
	}
	rt.ledger = tranche.NewService(repo, a.Logger)
	rt.metrics = metrics.New(a.Config.App.Name)
	rt.notifier = a.newNotifier()
	return rt, nil
}

// buildPersistent is build for commands that only make sense against the database.
func (a *App) buildPersistent(ctx context.Context, what string) (*runtime, error) {
	if a.Config.Database.DSN == "" {
		return nil, fmt.Errorf("database not configured; cannot %s", what)
	}
	return a.build(ctx)
}

func (a *App) newOrchestrator(rt *runtime, sched *scheduler.Scheduler) *refresh.Orchestrator {
	deps := refresh.Deps{
		Ledger:    rt.ledger,
		Supply:    rt.ledger,
		Sources:   rt.sources,
		Modules:   rt.modules,
		Clock:     rt.clock,
		Notifier:  rt.notifier,
		Metrics:   rt.metrics,
		Scheduler: sched,
	}
	if rt.store != nil {
		deps.History = rt.store
		deps.AlertStore = rt.store
		deps.Locker = rt.store
		deps.Pruner = rt.store
	}
	return refresh.New(deps, refresh.Options{
		Caller:          a.Config.CallerAddress(),
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		AlertCooldown:   a.Config.Alerting.Cooldown,
		Channels:        a.Config.Alerting.Channels,
		Retention:       a.Config.Database.Retention,
	}, a.Logger)
}

// Run executes the long-running refresh service and the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; tranche state is kept in memory")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToStart,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)
	orch := a.newOrchestrator(rt, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	if a.Config.API.Enabled {
		router := api.NewRouter(api.Config{
			Ledger:    rt.ledger,
			Refresher: orch,
			Sources:   rt.sources,
			Modules:   rt.modules,
			Clock:     rt.clock,
			Payoff:    payoff.NewHandler(rt.modules, a.Logger),
			Metrics:   rt.metrics,
		}, a.Logger)
		server := api.NewServer(api.ServerOptions{
			ListenAddr:      a.Config.API.ListenAddr,
			ReadTimeout:     a.Config.API.ReadTimeout,
			WriteTimeout:    a.Config.API.WriteTimeout,
			ShutdownTimeout: a.Config.API.ShutdownTimeout,
		}, router, a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	a.Logger.Info().
		Strs("rate_sources", rt.sources.IDs()).
		Strs("payoff_modules", rt.modules.IDs()).
		Msg("starting tranche ledger")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("tranche ledger stopped")
	return nil
}

func addresses(raw []string) []common.Address {
	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		out = append(out, common.HexToAddress(s))
	}
	return out
}

// InitOptions configure init-tranche. Empty flag lists and zero thresholds
// fall back to the tranches section of the config.
type InitOptions struct {
	Name                  string
	Owner                 common.Address
	RateSource            string
	PayoffModule          string
	HaltFlags             []string
	OwnerRestrictedIxs    []string
	ReserveStaleThreshold uint64
	TrancheStaleThreshold uint64
}

// RefreshOptions configure a one-shot refresh.
type RefreshOptions struct {
	TrancheID   uuid.UUID
	Caller      common.Address
	ReserveOnly bool
}

// UpdateOptions configure update-tranche.
type UpdateOptions struct {
	TrancheID uuid.UUID
	Caller    common.Address
	Input     tranche.UpdateInput
}

// CloseOptions configure close-tranche.
type CloseOptions struct {
	TrancheID uuid.UUID
	Caller    common.Address
}

// ExportOptions hold parameters for exporting refresh history.
type ExportOptions struct {
	TrancheID uuid.UUID
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	TrancheID *uuid.UUID
	Limit     int
}

// SimulateOptions evaluate a payoff module offline.
type SimulateOptions struct {
	ModuleID    string
	OldQuantity payoff.Quantities
	OldFV       []string
	NewFV       []string
}
