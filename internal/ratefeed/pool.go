package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

const erc20ABIJSON = `[
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI = mustParseABI("erc20", erc20ABIJSON)

// wadDecimals is the fixed scale pool prices are computed at.
const wadDecimals = 18

var (
	two = uint256.NewInt(2)
	wad = pow10(wadDecimals)
)

// PoolOptions locate a two-token pool and its LP token.
type PoolOptions struct {
	ID         string
	Pool       common.Address
	BaseToken  common.Address
	QuoteToken common.Address
	LPToken    common.Address
}

// Supply is a raw token amount with its decimals.
type Supply struct {
	Amount   *uint256.Int
	Decimals uint8
}

// Wad rescales the amount to 18 decimals, truncating extra precision.
func (s Supply) Wad() (*uint256.Int, error) {
	if s.Amount == nil {
		return new(uint256.Int), nil
	}
	if s.Decimals > wadDecimals {
		return new(uint256.Int).Div(s.Amount, pow10(s.Decimals-wadDecimals)), nil
	}
	scaled, overflow := new(uint256.Int).MulOverflow(s.Amount, pow10(wadDecimals-s.Decimals))
	if overflow {
		return nil, fmt.Errorf("%w: amount %s with %d decimals overflows at 18 decimals", errcode.ErrMath, s.Amount.Dec(), s.Decimals)
	}
	return scaled, nil
}

// PoolPrices quotes the LP token and the base token in the quote token:
// lp = 2*quote/lp_supply, base = quote/base. Prices are truncated to 18
// decimals.
func PoolPrices(base, quote, lpSupply Supply) (fixedpoint.Vector, error) {
	b, err := base.Wad()
	if err != nil {
		return fixedpoint.Vector{}, err
	}
	q, err := quote.Wad()
	if err != nil {
		return fixedpoint.Vector{}, err
	}
	lp, err := lpSupply.Wad()
	if err != nil {
		return fixedpoint.Vector{}, err
	}

	doubled, overflow := new(uint256.Int).MulOverflow(q, two)
	if overflow {
		return fixedpoint.Vector{}, fmt.Errorf("%w: doubled quote balance overflows", errcode.ErrMath)
	}
	lpPrice, err := wadRatio(doubled, lp)
	if err != nil {
		return fixedpoint.Vector{}, fmt.Errorf("lp price: %w", err)
	}
	basePrice, err := wadRatio(q, b)
	if err != nil {
		return fixedpoint.Vector{}, fmt.Errorf("base price: %w", err)
	}
	return fixedpoint.NewVector(lpPrice, basePrice)
}

// wadRatio returns num/den as a decimal with 18 fractional digits.
func wadRatio(num, den *uint256.Int) (fixedpoint.Decimal, error) {
	if den.IsZero() {
		return fixedpoint.Decimal{}, fmt.Errorf("%w: division by zero", errcode.ErrMath)
	}
	ratio, overflow := new(uint256.Int).MulDivOverflow(num, wad, den)
	if overflow {
		return fixedpoint.Decimal{}, fmt.Errorf("%w: ratio overflows uint256", errcode.ErrMath)
	}
	return fixedpoint.NewFromBigInt(ratio.ToBig(), -wadDecimals)
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// Pool prices an LP position from on-chain balances.
type Pool struct {
	opts   PoolOptions
	chain  ChainReader
	clock  Clock
	logger zerolog.Logger
}

// NewPool builds a pool source.
func NewPool(opts PoolOptions, chain ChainReader, clock Clock, logger zerolog.Logger) *Pool {
	return &Pool{
		opts:   opts,
		chain:  chain,
		clock:  clock,
		logger: logger.With().Str("component", "pool_feed").Str("source", opts.ID).Logger(),
	}
}

// ID implements Source.
func (p *Pool) ID() string { return p.opts.ID }

// Read implements Source. Balances are read at the latest block and the
// tick is that block's timestamp, so a lagging node yields a stale reading.
func (p *Pool) Read(ctx context.Context) (Reading, error) {
	head, err := p.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("read latest header: %w", err)
	}
	block := head.Number

	base, err := p.balance(ctx, block, p.opts.BaseToken)
	if err != nil {
		return Reading{}, err
	}
	quote, err := p.balance(ctx, block, p.opts.QuoteToken)
	if err != nil {
		return Reading{}, err
	}
	lpSupply, err := p.totalSupply(ctx, block, p.opts.LPToken)
	if err != nil {
		return Reading{}, err
	}

	fv, err := PoolPrices(base, quote, lpSupply)
	if err != nil {
		return Reading{}, err
	}
	tick, err := p.clock.TickAt(ctx, time.Unix(int64(head.Time), 0))
	if err != nil {
		return Reading{}, fmt.Errorf("pool %s: %w", p.opts.ID, err)
	}
	return Reading{FairValue: fv, Tick: tick}, nil
}

func (p *Pool) balance(ctx context.Context, block *big.Int, token common.Address) (Supply, error) {
	outputs, err := callAt(ctx, p.chain, block, erc20ABI, token, "balanceOf", p.opts.Pool)
	if err != nil {
		return Supply{}, err
	}
	amount, err := toUint256(outputs)
	if err != nil {
		return Supply{}, err
	}
	decimals, err := p.decimals(ctx, block, token)
	if err != nil {
		return Supply{}, err
	}
	return Supply{Amount: amount, Decimals: decimals}, nil
}

func (p *Pool) totalSupply(ctx context.Context, block *big.Int, token common.Address) (Supply, error) {
	outputs, err := callAt(ctx, p.chain, block, erc20ABI, token, "totalSupply")
	if err != nil {
		return Supply{}, err
	}
	amount, err := toUint256(outputs)
	if err != nil {
		return Supply{}, err
	}
	decimals, err := p.decimals(ctx, block, token)
	if err != nil {
		return Supply{}, err
	}
	return Supply{Amount: amount, Decimals: decimals}, nil
}

func (p *Pool) decimals(ctx context.Context, block *big.Int, token common.Address) (uint8, error) {
	outputs, err := callAt(ctx, p.chain, block, erc20ABI, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	return d, nil
}

func toUint256(outputs []any) (*uint256.Int, error) {
	if len(outputs) != 1 {
		return nil, errors.New("unexpected uint256 response")
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode uint256 output")
	}
	amount, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%w: token amount %s overflows uint256", errcode.ErrMath, raw)
	}
	return amount, nil
}

var _ Source = (*Pool)(nil)
