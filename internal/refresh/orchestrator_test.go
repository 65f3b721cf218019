package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vyper-protocol/vyper-core-sub000/internal/alerting"
	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/metrics"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
	"github.com/vyper-protocol/vyper-core-sub000/internal/ratefeed"
	"github.com/vyper-protocol/vyper-core-sub000/internal/storage"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	keeper    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	authority = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type tickClock struct {
	mu   sync.Mutex
	tick uint64
}

func (c *tickClock) Tick(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick, nil
}

func (c *tickClock) TickAt(ctx context.Context, _ time.Time) (uint64, error) {
	return c.Tick(ctx)
}

func (c *tickClock) set(t uint64) {
	c.mu.Lock()
	c.tick = t
	c.mu.Unlock()
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

type memHistory struct {
	records []storage.RefreshRecord
}

func (h *memHistory) InsertRefreshRecord(_ context.Context, rec storage.RefreshRecord) (storage.RefreshRecord, error) {
	rec.ID = int64(len(h.records) + 1)
	h.records = append(h.records, rec)
	return rec, nil
}

type stubLocker struct {
	acquired bool
	calls    int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	l.calls++
	return func() {}, l.acquired, nil
}

// leakyModule 返回不守恒的结果。
type leakyModule struct{ id string }

func (m leakyModule) ID() string { return m.id }

func (m leakyModule) Call(context.Context, []byte) (payoff.ReturnData, error) {
	return payoff.ReturnData{ModuleID: m.id, Data: payoff.EncodeResponse(payoff.Result{NewQuantity: payoff.Quantities{1, 1}})}, nil
}

type fixture struct {
	ledger   *tranche.Service
	mock     *ratefeed.Mock
	clock    *tickClock
	history  *memHistory
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   tranche.NewService(tranche.NewMemoryRepository(), zerolog.Nop()),
		clock:    &tickClock{tick: 100},
		history:  &memHistory{},
		notifier: &recordingNotifier{},
		metrics:  metrics.New("test"),
	}
	f.mock = ratefeed.NewMock("mock", authority, f.clock)

	sources := ratefeed.NewRegistry()
	require.NoError(t, sources.Register(f.mock))

	fwd, err := payoff.NewLocalModule("fwd", payoff.Config{
		Kind:     payoff.KindForward,
		Owner:    owner,
		Strike:   fixedpoint.One,
		Notional: 100,
		IsLinear: true,
	})
	require.NoError(t, err)
	modules, err := payoff.NewRegistry(fwd, leakyModule{id: "leaky"})
	require.NoError(t, err)

	f.orch = New(Deps{
		Ledger:   f.ledger,
		Supply:   f.ledger,
		Sources:  sources,
		Modules:  modules,
		Clock:    f.clock,
		History:  f.history,
		Notifier: f.notifier,
		Metrics:  f.metrics,
	}, Options{Caller: keeper, AlertCooldown: time.Hour}, zerolog.Nop())
	return f
}

func (f *fixture) newTranche(t *testing.T, module string, deposit payoff.Quantities) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	cfg, err := f.ledger.Initialize(ctx, tranche.InitInput{
		Name:         "t-" + module,
		Owner:        owner,
		RateSource:   "mock",
		PayoffModule: module,
		Version:      "1.0.0",
	}, 100)
	require.NoError(t, err)
	if deposit[0] > 0 || deposit[1] > 0 {
		_, err := f.ledger.Deposit(ctx, cfg.ID, keeper, deposit, 100)
		require.NoError(t, err)
	}
	return cfg.ID
}

func (f *fixture) setPrice(t *testing.T, v string) {
	t.Helper()
	fv, err := fixedpoint.NewVector(fixedpoint.RequireFromString(v))
	require.NoError(t, err)
	require.NoError(t, f.mock.Set(authority, fv))
}

func TestRefreshCommitsPayoff(t *testing.T) {
	f := newFixture(t)
	id := f.newTranche(t, "fwd", payoff.Quantities{1000, 1000})
	f.setPrice(t, "1.5")
	f.clock.set(101)

	got, err := f.orch.RefreshTrancheFairValue(context.Background(), id, keeper)
	require.NoError(t, err)
	require.Equal(t, payoff.Quantities{1050, 950}, got.Data.DepositedQuantity)
	require.Equal(t, uint64(0), got.Data.FeeToCollect)
	require.Equal(t, "1.05", got.Data.TrancheFairValue.Value[0].String())
	require.Equal(t, "0.95", got.Data.TrancheFairValue.Value[1].String())
	require.Equal(t, "[1.5]", got.Data.ReserveFairValue.Value.String())
	require.Equal(t, uint64(101), got.Data.ReserveFairValue.Tracking.LastUpdate)
	require.Equal(t, uint64(101), got.Data.TrancheFairValue.Tracking.LastUpdate)

	stored, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, got.Data, stored.Data)

	require.Len(t, f.history.records, 1)
	require.Equal(t, metrics.OutcomeOK, f.history.records[0].Outcome)
	require.True(t, f.history.records[0].OK())
	require.Empty(t, f.notifier.notes)
}

func TestRefreshKeepsFairValueWithoutSupply(t *testing.T) {
	f := newFixture(t)
	id := f.newTranche(t, "fwd", payoff.Quantities{})
	f.setPrice(t, "2")

	got, err := f.orch.RefreshTrancheFairValue(context.Background(), id, keeper)
	require.NoError(t, err)
	require.True(t, got.Data.TrancheFairValue.Value[0].Equal(fixedpoint.One))
	require.True(t, got.Data.TrancheFairValue.Value[1].Equal(fixedpoint.One))
	require.Equal(t, "[2]", got.Data.ReserveFairValue.Value.String())
}

func TestRefreshRejectsStaleFeed(t *testing.T) {
	f := newFixture(t)
	id := f.newTranche(t, "fwd", payoff.Quantities{1000, 1000})
	before, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)

	stale := ratefeed.NewMock("stale", authority, &tickClock{tick: 100})
	sources := ratefeed.NewRegistry()
	require.NoError(t, sources.Register(stale))
	f.orch.deps.Sources = sources
	_, err = f.ledger.Mutate(context.Background(), id, func(cfg *tranche.Config) error {
		cfg.RateSource = "stale"
		return nil
	})
	require.NoError(t, err)
	f.clock.set(102)

	_, err = f.orch.RefreshTrancheFairValue(context.Background(), id, keeper)
	require.ErrorIs(t, err, errcode.ErrStaleFairValue)

	after, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, before.Data, after.Data)

	require.Len(t, f.history.records, 1)
	require.Equal(t, "stale_fair_value", f.history.records[0].Outcome)
	require.NotNil(t, f.history.records[0].Error)
	require.Len(t, f.notifier.notes, 1)
	require.Equal(t, "stale_fair_value", f.notifier.notes[0].Code)

	// 冷却期内同一错误不再告警
	_, err = f.orch.RefreshTrancheFairValue(context.Background(), id, keeper)
	require.ErrorIs(t, err, errcode.ErrStaleFairValue)
	require.Len(t, f.notifier.notes, 1)
	require.Len(t, f.history.records, 2)
}

func TestRefreshGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("halted", func(t *testing.T) {
		f := newFixture(t)
		id := f.newTranche(t, "fwd", payoff.Quantities{10, 10})
		_, err := f.ledger.Update(ctx, id, owner, tranche.UpdateInput{Mask: tranche.UpdateHaltFlags, HaltFlags: uint16(tranche.HaltRefreshes)})
		require.NoError(t, err)

		_, err = f.orch.RefreshTrancheFairValue(ctx, id, owner)
		require.ErrorIs(t, err, errcode.ErrHalt)
		_, err = f.orch.RefreshReserveFairValue(ctx, id, owner)
		require.ErrorIs(t, err, errcode.ErrHalt)
		require.Len(t, f.notifier.notes, 1)
	})

	t.Run("owner restricted", func(t *testing.T) {
		f := newFixture(t)
		id := f.newTranche(t, "fwd", payoff.Quantities{10, 10})
		_, err := f.ledger.Update(ctx, id, owner, tranche.UpdateInput{Mask: tranche.UpdateOwnerRestrictedIxs, OwnerRestrictedIxs: uint16(tranche.RestrictRefreshes)})
		require.NoError(t, err)

		_, err = f.orch.RefreshTrancheFairValue(ctx, id, keeper)
		require.ErrorIs(t, err, errcode.ErrOwnerRestrictedIx)
		_, err = f.orch.RefreshTrancheFairValue(ctx, id, owner)
		require.NoError(t, err)
	})

	t.Run("non conserving module", func(t *testing.T) {
		f := newFixture(t)
		id := f.newTranche(t, "leaky", payoff.Quantities{10, 10})
		before, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)

		_, err = f.orch.RefreshTrancheFairValue(ctx, id, keeper)
		require.ErrorIs(t, err, errcode.ErrPluginCall)

		after, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, before.Data, after.Data)
	})

	t.Run("unknown tranche", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.RefreshTrancheFairValue(ctx, uuid.New(), keeper)
		require.ErrorIs(t, err, errcode.ErrNotFound)
		require.Empty(t, f.history.records)
	})
}

func TestRefreshReserveOnly(t *testing.T) {
	f := newFixture(t)
	id := f.newTranche(t, "fwd", payoff.Quantities{1000, 1000})
	f.setPrice(t, "3")
	f.clock.set(101)

	got, err := f.orch.RefreshReserveFairValue(context.Background(), id, keeper)
	require.NoError(t, err)
	require.Equal(t, "[3]", got.Data.ReserveFairValue.Value.String())
	require.Equal(t, uint64(101), got.Data.ReserveFairValue.Tracking.LastUpdate)
	require.Equal(t, uint64(100), got.Data.TrancheFairValue.Tracking.LastUpdate)
	require.Equal(t, payoff.Quantities{1000, 1000}, got.Data.DepositedQuantity)
}

func TestProcessRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	good := f.newTranche(t, "fwd", payoff.Quantities{1000, 1000})
	halted := f.newTranche(t, "fwd", payoff.Quantities{1000, 1000})
	_, err := f.ledger.Update(ctx, halted, owner, tranche.UpdateInput{Mask: tranche.UpdateHaltFlags, HaltFlags: uint16(tranche.HaltAll)})
	require.NoError(t, err)
	f.setPrice(t, "1.5")

	err = f.orch.ProcessRound(ctx, time.Now())
	require.ErrorIs(t, err, errcode.ErrHalt)

	cfg, err := f.ledger.Get(ctx, good)
	require.NoError(t, err)
	require.Equal(t, payoff.Quantities{1050, 950}, cfg.Data.DepositedQuantity)
}

func TestProcessRoundSkipsWithoutLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.newTranche(t, "fwd", payoff.Quantities{1000, 1000})
	f.setPrice(t, "1.5")

	locker := &stubLocker{acquired: false}
	f.orch.deps.Locker = locker
	f.orch.opts.AdvisoryLockKey = 7

	require.NoError(t, f.orch.ProcessRound(ctx, time.Now()))
	require.Equal(t, 1, locker.calls)

	cfg, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payoff.Quantities{1000, 1000}, cfg.Data.DepositedQuantity)
	require.Empty(t, f.history.records)
}

type recordingPruner struct {
	history []time.Time
	alerts  []time.Time
	err     error
}

func (p *recordingPruner) DeleteRefreshRecordsBefore(_ context.Context, olderThan time.Time) error {
	p.history = append(p.history, olderThan)
	return p.err
}

func (p *recordingPruner) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	p.alerts = append(p.alerts, olderThan)
	return p.err
}

func TestProcessRoundPrunesHistory(t *testing.T) {
	ctx := context.Background()
	round := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	f := newFixture(t)
	f.newTranche(t, "fwd", payoff.Quantities{1000, 1000})
	pruner := &recordingPruner{}
	f.orch.deps.Pruner = pruner
	f.orch.opts.Retention = 48 * time.Hour

	require.NoError(t, f.orch.ProcessRound(ctx, round))
	require.Equal(t, []time.Time{round.Add(-48 * time.Hour)}, pruner.history)
	require.Equal(t, []time.Time{round.Add(-48 * time.Hour)}, pruner.alerts)

	pruner.err = errors.New("connection reset")
	require.NoError(t, f.orch.ProcessRound(ctx, round), "清理失败不影响本轮结果")
	require.Len(t, pruner.history, 2)

	f.orch.opts.Retention = 0
	require.NoError(t, f.orch.ProcessRound(ctx, round))
	require.Len(t, pruner.history, 2, "retention 为 0 时不清理")

	f.orch.opts.Retention = time.Hour
	f.orch.deps.Locker = &stubLocker{acquired: false}
	f.orch.opts.AdvisoryLockKey = 7
	require.NoError(t, f.orch.ProcessRound(ctx, round))
	require.Len(t, pruner.history, 2, "未拿到锁时不清理")
}

func TestShouldAlert(t *testing.T) {
	require.True(t, shouldAlert(errcode.ErrRedeemLogicNoReturn))
	require.False(t, shouldAlert(errcode.ErrMath))
	require.False(t, shouldAlert(errors.New("boom")))
}
