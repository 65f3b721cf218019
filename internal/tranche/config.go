package tranche

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
)

// Config identifies a tranche, its collaborators and its accounting state.
type Config struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Owner        common.Address `json:"owner"`
	RateSource   string         `json:"rate_source"`
	PayoffModule string         `json:"payoff_module"`
	Version      [3]uint8       `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`

	// Supply counts the outstanding senior and junior tranche tokens.
	Supply [2]uint64 `json:"supply"`
	Data   Data      `json:"data"`
}

// InitInput configures a new tranche.
type InitInput struct {
	Name                  string
	Owner                 common.Address
	RateSource            string
	PayoffModule          string
	HaltFlags             uint16
	OwnerRestrictedIxs    uint16
	ReserveStaleThreshold uint64
	TrancheStaleThreshold uint64
	Version               string
}

// Initialize builds a tranche at tick. Zero thresholds keep the default.
func Initialize(in InitInput, tick uint64, now time.Time) (*Config, error) {
	if in.RateSource == "" || in.PayoffModule == "" {
		return nil, fmt.Errorf("%w: rate source and payoff module required", errcode.ErrInvalidInput)
	}
	version, err := ParseVersion(in.Version)
	if err != nil {
		return nil, err
	}

	data := NewData(tick)
	if err := data.SetHaltFlags(in.HaltFlags); err != nil {
		return nil, err
	}
	if err := data.SetOwnerRestricted(in.OwnerRestrictedIxs); err != nil {
		return nil, err
	}
	if in.ReserveStaleThreshold > 0 {
		data.ReserveFairValue.Tracking.StaleThreshold = in.ReserveStaleThreshold
	}
	if in.TrancheStaleThreshold > 0 {
		data.TrancheFairValue.Tracking.StaleThreshold = in.TrancheStaleThreshold
	}

	return &Config{
		ID:           uuid.New(),
		Name:         in.Name,
		Owner:        in.Owner,
		RateSource:   in.RateSource,
		PayoffModule: in.PayoffModule,
		Version:      version,
		CreatedAt:    now.UTC(),
		Data:         data,
	}, nil
}

// ParseVersion turns "1.2.3" (optionally prefixed with v) into a triple.
// Anything after the patch number, such as "-dev", is ignored.
func ParseVersion(s string) ([3]uint8, error) {
	var out [3]uint8
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" || s == "dev" {
		return out, nil
	}
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("%w: version %q is not major.minor.patch", errcode.ErrInvalidInput, s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return out, fmt.Errorf("%w: version %q: %v", errcode.ErrInvalidInput, s, err)
		}
		out[i] = uint8(n)
	}
	return out, nil
}

// VersionString renders the version triple.
func (c *Config) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", c.Version[0], c.Version[1], c.Version[2])
}

// Clone returns an independent copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func (c *Config) checkAccess(caller common.Address, halt HaltFlags, restricted OwnerRestrictedIxFlags) error {
	if c.Data.HaltFlags.Contains(halt) {
		return fmt.Errorf("%s: %w", halt, errcode.ErrHalt)
	}
	if c.Data.OwnerRestricted.Contains(restricted) && caller != c.Owner {
		return fmt.Errorf("%s: %w", restricted, errcode.ErrOwnerRestrictedIx)
	}
	return nil
}

// CheckRefresh applies the halt and owner rules of a fair value refresh.
func (c *Config) CheckRefresh(caller common.Address) error {
	return c.checkAccess(caller, HaltRefreshes, RestrictRefreshes)
}

func (c *Config) checkTrancheFresh(now uint64) error {
	stale, err := c.Data.TrancheFairValue.Tracking.IsStale(now)
	if err != nil {
		return err
	}
	if stale {
		return fmt.Errorf("tranche fair value last updated at %d: %w", c.Data.TrancheFairValue.Tracking.LastUpdate, errcode.ErrStaleFairValue)
	}
	return nil
}

// Deposit adds reserve quantity to each leg and returns the tranche tokens
// minted, floor(quantity / tranche fair value).
func (c *Config) Deposit(caller common.Address, qty payoff.Quantities, now uint64) ([2]uint64, error) {
	var minted [2]uint64
	if err := c.checkAccess(caller, HaltDeposits, RestrictDeposits); err != nil {
		return minted, err
	}
	if err := c.checkTrancheFresh(now); err != nil {
		return minted, err
	}
	if err := positive(qty); err != nil {
		return minted, err
	}

	next := c.Data.DepositedQuantity
	supply := c.Supply
	for i := range qty {
		sum, err := checkedAdd(next[i], qty[i])
		if err != nil {
			return minted, err
		}
		next[i] = sum
		if minted[i], err = tokenCount(qty[i], c.Data.TrancheFairValue.Value[i]); err != nil {
			return minted, err
		}
		if supply[i], err = checkedAdd(supply[i], minted[i]); err != nil {
			return minted, err
		}
	}
	c.Data.DepositedQuantity = next
	c.Supply = supply
	return minted, nil
}

// Redeem withdraws reserve quantity from each leg and returns the tranche
// tokens burned.
func (c *Config) Redeem(caller common.Address, qty payoff.Quantities, now uint64) ([2]uint64, error) {
	var burned [2]uint64
	if err := c.checkAccess(caller, HaltRedeems, RestrictRedeems); err != nil {
		return burned, err
	}
	if err := c.checkTrancheFresh(now); err != nil {
		return burned, err
	}
	if err := positive(qty); err != nil {
		return burned, err
	}

	next := c.Data.DepositedQuantity
	supply := c.Supply
	for i := range qty {
		diff, err := checkedSub(next[i], qty[i])
		if err != nil {
			return burned, err
		}
		next[i] = diff
		if burned[i], err = tokenCount(qty[i], c.Data.TrancheFairValue.Value[i]); err != nil {
			return burned, err
		}
		if supply[i], err = checkedSub(supply[i], burned[i]); err != nil {
			return burned, err
		}
	}
	c.Data.DepositedQuantity = next
	c.Supply = supply
	return burned, nil
}

// CollectFee hands the accrued fee to the owner and resets it.
func (c *Config) CollectFee(caller common.Address) (uint64, error) {
	if caller != c.Owner {
		return 0, fmt.Errorf("collect fee: %w", errcode.ErrOwnerRestrictedIx)
	}
	fee := c.Data.FeeToCollect
	c.Data.FeeToCollect = 0
	return fee, nil
}

// CanClose checks that only the owner closes a tranche with no tokens outstanding.
func (c *Config) CanClose(caller common.Address) error {
	if caller != c.Owner {
		return fmt.Errorf("close tranche: %w", errcode.ErrOwnerRestrictedIx)
	}
	if c.Supply[0] != 0 || c.Supply[1] != 0 {
		return fmt.Errorf("%w: tranche supply %v must be zero to close", errcode.ErrInvalidInput, c.Supply)
	}
	return nil
}

// UpdateInput changes the fields selected by Mask.
type UpdateInput struct {
	Mask                  UpdateMask `json:"mask"`
	HaltFlags             uint16     `json:"halt_flags"`
	OwnerRestrictedIxs    uint16     `json:"owner_restricted_ixs"`
	ReserveStaleThreshold uint64     `json:"reserve_stale_threshold"`
	TrancheStaleThreshold uint64     `json:"tranche_stale_threshold"`
}

// Update applies in. Nothing changes when any selected field is invalid.
func (c *Config) Update(caller common.Address, in UpdateInput) error {
	if caller != c.Owner {
		return fmt.Errorf("update tranche: %w", errcode.ErrOwnerRestrictedIx)
	}
	if in.Mask&^updateMaskAll != 0 {
		return fmt.Errorf("%w: unknown update mask bits %#x", errcode.ErrInvalidInput, uint16(in.Mask))
	}

	data := c.Data
	if in.Mask.Contains(UpdateHaltFlags) {
		if err := data.SetHaltFlags(in.HaltFlags); err != nil {
			return err
		}
	}
	if in.Mask.Contains(UpdateOwnerRestrictedIxs) {
		if err := data.SetOwnerRestricted(in.OwnerRestrictedIxs); err != nil {
			return err
		}
	}
	if in.Mask.Contains(UpdateReserveStaleThreshold) {
		data.ReserveFairValue.Tracking.StaleThreshold = in.ReserveStaleThreshold
	}
	if in.Mask.Contains(UpdateTrancheStaleThreshold) {
		data.TrancheFairValue.Tracking.StaleThreshold = in.TrancheStaleThreshold
	}
	c.Data = data
	return nil
}

func positive(qty payoff.Quantities) error {
	total, err := qty.Total()
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("%w: quantity must be positive", errcode.ErrInvalidInput)
	}
	return nil
}

func tokenCount(qty uint64, fairValue fixedpoint.Decimal) (uint64, error) {
	n, err := fixedpoint.NewFromUint64(qty).Div(fairValue)
	if err != nil {
		return 0, err
	}
	return n.FloorUint64()
}

func checkedAdd(a, b uint64) (uint64, error) {
	if a > ^uint64(0)-b {
		return 0, fmt.Errorf("%w: %d + %d overflows u64", errcode.ErrMath, a, b)
	}
	return a + b, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %d - %d underflows u64", errcode.ErrMath, a, b)
	}
	return a - b, nil
}
