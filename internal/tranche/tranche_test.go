package tranche

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
)

var (
	owner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	stranger = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newTranche(t *testing.T, tick uint64) *Config {
	t.Helper()
	cfg, err := Initialize(InitInput{
		Owner:        owner,
		RateSource:   "mock",
		PayoffModule: "lending",
		Version:      "v0.3.1-dev",
	}, tick, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	return cfg
}

func TestTracking(t *testing.T) {
	tr := NewTracking(10)
	require.Equal(t, uint64(DefaultStaleThreshold), tr.StaleThreshold)

	stale, err := tr.IsStale(11)
	require.NoError(t, err)
	require.False(t, stale)

	stale, err = tr.IsStale(12)
	require.NoError(t, err)
	require.True(t, stale, "elapsed == threshold 即视为过期")

	_, err = tr.IsStale(9)
	require.ErrorIs(t, err, errcode.ErrMath)
}

func TestNewData(t *testing.T) {
	d := NewData(42)
	require.True(t, d.ReserveFairValue.Value.Equal(fixedpoint.FilledVector(fixedpoint.One)))
	require.True(t, d.TrancheFairValue.Value[0].Equal(fixedpoint.One))
	require.True(t, d.TrancheFairValue.Value[1].Equal(fixedpoint.One))
	require.Equal(t, uint64(42), d.ReserveFairValue.Tracking.LastUpdate)
	require.Equal(t, uint64(42), d.TrancheFairValue.Tracking.LastUpdate)
	require.Zero(t, d.FeeToCollect)
}

func TestDataBinaryLayout(t *testing.T) {
	d := NewData(7)
	d.DepositedQuantity = payoff.Quantities{96_000, 104_000}
	d.FeeToCollect = 3
	d.TrancheFairValue.Value[0] = fixedpoint.RequireFromString("0.96")
	d.HaltFlags = HaltRedeems
	d.OwnerRestricted = RestrictAll

	raw, err := d.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, DataLen)

	var back Data
	require.NoError(t, back.UnmarshalBinary(raw))
	require.Equal(t, d.DepositedQuantity, back.DepositedQuantity)
	require.Equal(t, d.FeeToCollect, back.FeeToCollect)
	require.True(t, back.TrancheFairValue.Value[0].Equal(d.TrancheFairValue.Value[0]))
	require.Equal(t, d.TrancheFairValue.Tracking, back.TrancheFairValue.Tracking)
	require.Equal(t, HaltRedeems, back.HaltFlags)
	require.Equal(t, RestrictAll, back.OwnerRestricted)

	raw[248] = 0xFF
	require.ErrorIs(t, back.UnmarshalBinary(raw), errcode.ErrInvalidTrancheHaltFlags)
}

func TestFlagsRejectUnknownBits(t *testing.T) {
	_, err := ParseHaltFlags(8)
	require.ErrorIs(t, err, errcode.ErrInvalidTrancheHaltFlags)
	_, err = ParseOwnerRestrictedIxFlags(16)
	require.ErrorIs(t, err, errcode.ErrInvalidOwnerRestrictedIxFlags)

	f, err := ParseHaltFlags(7)
	require.NoError(t, err)
	require.Equal(t, HaltAll, f)
	require.Equal(t, "deposits|refreshes|redeems", f.String())
}

func TestParseFlagNames(t *testing.T) {
	bits, err := ParseFlagNames([]string{"deposits, redeems"})
	require.NoError(t, err)
	require.Equal(t, uint16(HaltDeposits|HaltRedeems), bits)

	bits, err = ParseFlagNames([]string{"none", "Refreshes"})
	require.NoError(t, err)
	require.Equal(t, uint16(RestrictRefreshes), bits)

	bits, err = ParseFlagNames([]string{"all"})
	require.NoError(t, err)
	require.Equal(t, uint16(HaltAll), bits)

	_, err = ParseFlagNames([]string{"withdrawals"})
	require.ErrorIs(t, err, errcode.ErrInvalidInput)
}

func TestDepositAndRedeem(t *testing.T) {
	cfg := newTranche(t, 100)

	minted, err := cfg.Deposit(stranger, payoff.Quantities{1_000, 500}, 101)
	require.NoError(t, err)
	require.Equal(t, [2]uint64{1_000, 500}, minted)
	require.Equal(t, payoff.Quantities{1_000, 500}, cfg.Data.DepositedQuantity)

	cfg.Data.TrancheFairValue.Value[1] = fixedpoint.RequireFromString("1.5")
	burned, err := cfg.Redeem(stranger, payoff.Quantities{0, 300}, 101)
	require.NoError(t, err)
	require.Equal(t, [2]uint64{0, 200}, burned)
	require.Equal(t, payoff.Quantities{1_000, 200}, cfg.Data.DepositedQuantity)
	require.Equal(t, [2]uint64{1_000, 300}, cfg.Supply)

	_, err = cfg.Redeem(stranger, payoff.Quantities{0, 201}, 101)
	require.ErrorIs(t, err, errcode.ErrMath)
	require.Equal(t, payoff.Quantities{1_000, 200}, cfg.Data.DepositedQuantity, "失败时状态不变")

	_, err = cfg.Deposit(stranger, payoff.Quantities{}, 101)
	require.ErrorIs(t, err, errcode.ErrInvalidInput)
}

func TestDepositGuards(t *testing.T) {
	cfg := newTranche(t, 100)

	_, err := cfg.Deposit(stranger, payoff.Quantities{1, 1}, 102)
	require.ErrorIs(t, err, errcode.ErrStaleFairValue)

	cfg.Data.HaltFlags = HaltDeposits
	_, err = cfg.Deposit(owner, payoff.Quantities{1, 1}, 100)
	require.ErrorIs(t, err, errcode.ErrHalt)

	cfg.Data.HaltFlags = 0
	cfg.Data.OwnerRestricted = RestrictDeposits
	_, err = cfg.Deposit(stranger, payoff.Quantities{1, 1}, 100)
	require.ErrorIs(t, err, errcode.ErrOwnerRestrictedIx)
	_, err = cfg.Deposit(owner, payoff.Quantities{1, 1}, 100)
	require.NoError(t, err)

	cfg.Data.HaltFlags = HaltRedeems
	_, err = cfg.Redeem(owner, payoff.Quantities{1, 1}, 100)
	require.ErrorIs(t, err, errcode.ErrHalt)
}

func TestCollectFeeAndClose(t *testing.T) {
	cfg := newTranche(t, 0)
	cfg.Data.FeeToCollect = 9

	_, err := cfg.CollectFee(stranger)
	require.ErrorIs(t, err, errcode.ErrOwnerRestrictedIx)

	fee, err := cfg.CollectFee(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(9), fee)
	require.Zero(t, cfg.Data.FeeToCollect)

	cfg.Supply = [2]uint64{0, 1}
	require.ErrorIs(t, cfg.CanClose(owner), errcode.ErrInvalidInput)
	cfg.Supply = [2]uint64{}
	require.ErrorIs(t, cfg.CanClose(stranger), errcode.ErrOwnerRestrictedIx)
	require.NoError(t, cfg.CanClose(owner))
}

func TestUpdateBitmask(t *testing.T) {
	cfg := newTranche(t, 0)

	err := cfg.Update(stranger, UpdateInput{Mask: UpdateHaltFlags, HaltFlags: 1})
	require.ErrorIs(t, err, errcode.ErrOwnerRestrictedIx)

	err = cfg.Update(owner, UpdateInput{Mask: UpdateHaltFlags | UpdateReserveStaleThreshold, HaltFlags: 9, ReserveStaleThreshold: 50})
	require.ErrorIs(t, err, errcode.ErrInvalidTrancheHaltFlags)
	require.Equal(t, uint64(DefaultStaleThreshold), cfg.Data.ReserveFairValue.Tracking.StaleThreshold, "部分失败不应写入")

	err = cfg.Update(owner, UpdateInput{
		Mask:                  UpdateOwnerRestrictedIxs | UpdateTrancheStaleThreshold,
		HaltFlags:             7,
		OwnerRestrictedIxs:    2,
		TrancheStaleThreshold: 30,
	})
	require.NoError(t, err)
	require.Equal(t, HaltFlags(0), cfg.Data.HaltFlags, "未选中的字段保持不变")
	require.Equal(t, RestrictRefreshes, cfg.Data.OwnerRestricted)
	require.Equal(t, uint64(30), cfg.Data.TrancheFairValue.Tracking.StaleThreshold)

	require.ErrorIs(t, cfg.Update(owner, UpdateInput{Mask: 1 << 7}), errcode.ErrInvalidInput)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("v1.2.3-rc1")
	require.NoError(t, err)
	require.Equal(t, [3]uint8{1, 2, 3}, v)

	v, err = ParseVersion("dev")
	require.NoError(t, err)
	require.Equal(t, [3]uint8{}, v)

	_, err = ParseVersion("1.2")
	require.ErrorIs(t, err, errcode.ErrInvalidInput)
	_, err = ParseVersion("1.2.300")
	require.ErrorIs(t, err, errcode.ErrInvalidInput)
}

func TestServiceMutateKeepsStateOnFailure(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc := NewService(repo, zerolog.Nop())

	cfg, err := svc.Initialize(ctx, InitInput{Owner: owner, RateSource: "mock", PayoffModule: "fwd"}, 5)
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, cfg.ID, owner, payoff.Quantities{10, 20}, 5)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, cfg.ID, owner, payoff.Quantities{11, 0}, 5)
	require.ErrorIs(t, err, errcode.ErrMath)

	stored, err := svc.Get(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, payoff.Quantities{10, 20}, stored.Data.DepositedQuantity)

	supply, err := svc.Supply(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, [2]uint64{10, 20}, supply)

	require.ErrorIs(t, svc.Close(ctx, cfg.ID, owner), errcode.ErrInvalidInput)
	_, err = svc.Redeem(ctx, cfg.ID, owner, payoff.Quantities{10, 20}, 6)
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, cfg.ID, owner))

	_, err = svc.Get(ctx, cfg.ID)
	require.ErrorIs(t, err, errcode.ErrNotFound)
}
