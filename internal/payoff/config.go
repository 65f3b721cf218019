package payoff

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

// Kind 标识 payoff 变体。
type Kind string

const (
	KindForward        Kind = "forward"
	KindSettledForward Kind = "settled_forward"
	KindVanillaOption  Kind = "vanilla_option"
	KindDigital        Kind = "digital"
	KindLending        Kind = "lending"
	KindLendingFee     Kind = "lending_fee"
	KindFarming        Kind = "farming"
	KindFila           Kind = "fila"
)

// Kinds lists every supported variant in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindForward,
		KindSettledForward,
		KindVanillaOption,
		KindDigital,
		KindLending,
		KindLendingFee,
		KindFarming,
		KindFila,
	}
}

// Valid reports whether k names a known variant.
func (k Kind) Valid() bool {
	_, ok := variants[k]
	return ok
}

// ParseKind accepts the snake_case variant name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		names := make([]string, 0, len(variants))
		for _, known := range Kinds() {
			names = append(names, string(known))
		}
		return "", fmt.Errorf("%w: unknown payoff kind %q (want one of %s)", errcode.ErrInvalidInput, s, strings.Join(names, ", "))
	}
	return k, nil
}

// Config 是某个 tranche 的 payoff 参数。只有 Kind 对应的字段会被读取。
type Config struct {
	Kind  Kind           `json:"kind" mapstructure:"kind"`
	Owner common.Address `json:"owner" mapstructure:"owner"`

	Strike   fixedpoint.Decimal `json:"strike" mapstructure:"strike"`
	Notional uint64             `json:"notional" mapstructure:"notional"`
	IsCall   bool               `json:"is_call" mapstructure:"is_call"`
	IsLinear bool               `json:"is_linear" mapstructure:"is_linear"`

	InterestSplitBps   uint32 `json:"interest_split_bps" mapstructure:"interest_split_bps"`
	MgmtFeeBps         uint32 `json:"mgmt_fee_bps" mapstructure:"mgmt_fee_bps"`
	PerfFeeBps         uint32 `json:"perf_fee_bps" mapstructure:"perf_fee_bps"`
	FixedFeePerTranche uint64 `json:"fixed_fee_per_tranche" mapstructure:"fixed_fee_per_tranche"`
}

// Validate checks the variant and the ranges of its parameters.
func (c Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Strike.IsNegative() {
		return fmt.Errorf("%w: strike must be non-negative, got %s", errcode.ErrInvalidInput, c.Strike)
	}
	for name, bps := range map[string]uint32{
		"interest_split_bps": c.InterestSplitBps,
		"mgmt_fee_bps":       c.MgmtFeeBps,
		"perf_fee_bps":       c.PerfFeeBps,
	} {
		if _, err := fixedpoint.NewBpsRange(bps); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c Config) interestSplit() fixedpoint.Decimal { return fixedpoint.FromBps(c.InterestSplitBps) }
func (c Config) mgmtFee() fixedpoint.Decimal       { return fixedpoint.FromBps(c.MgmtFeeBps) }
func (c Config) perfFee() fixedpoint.Decimal       { return fixedpoint.FromBps(c.PerfFeeBps) }

// Update replaces the parameters of c with next. Only the current owner may
// do so, the variant cannot change, and next must validate.
func (c *Config) Update(caller common.Address, next Config) error {
	if caller != c.Owner {
		return fmt.Errorf("update payoff config: %w", errcode.ErrOwnerRestrictedIx)
	}
	if next.Kind == "" {
		next.Kind = c.Kind
	}
	if next.Kind != c.Kind {
		return fmt.Errorf("%w: payoff kind is fixed at %q", errcode.ErrInvalidInput, c.Kind)
	}
	if next.Owner == (common.Address{}) {
		next.Owner = c.Owner
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("update payoff config: %w", err)
	}
	*c = next
	return nil
}
