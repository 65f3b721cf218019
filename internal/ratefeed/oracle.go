package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI = mustParseABI("aggregator", aggregatorABIJSON)

// OracleOptions parameterise an aggregator-backed source. Component i of
// the fair value is the answer of Aggregators[i].
type OracleOptions struct {
	ID            string
	Aggregators   []common.Address
	TrustedOwners []common.Address
}

// Oracle reads price aggregators on chain.
type Oracle struct {
	opts    OracleOptions
	chain   ChainReader
	clock   Clock
	trusted map[common.Address]struct{}
	logger  zerolog.Logger
}

// NewOracle validates the aggregator set.
func NewOracle(opts OracleOptions, chain ChainReader, clock Clock, logger zerolog.Logger) (*Oracle, error) {
	if err := checkFeedCount(len(opts.Aggregators)); err != nil {
		return nil, fmt.Errorf("oracle %s: %w", opts.ID, err)
	}
	if len(opts.TrustedOwners) == 0 {
		return nil, fmt.Errorf("oracle %s: %w: no trusted owners configured", opts.ID, errcode.ErrInvalidAggregatorOwner)
	}
	trusted := make(map[common.Address]struct{}, len(opts.TrustedOwners))
	for _, addr := range opts.TrustedOwners {
		trusted[addr] = struct{}{}
	}
	return &Oracle{
		opts:    opts,
		chain:   chain,
		clock:   clock,
		trusted: trusted,
		logger:  logger.With().Str("component", "oracle_feed").Str("source", opts.ID).Logger(),
	}, nil
}

// ID implements Source.
func (o *Oracle) ID() string { return o.opts.ID }

// Read implements Source. The tick is the oldest round update across the
// aggregators, so one frozen aggregator makes the whole reading stale.
func (o *Oracle) Read(ctx context.Context) (Reading, error) {
	var (
		out    Reading
		oldest time.Time
	)
	for i, agg := range o.opts.Aggregators {
		if err := o.checkOwner(ctx, agg); err != nil {
			return Reading{}, err
		}
		r, err := o.latestRound(ctx, agg)
		if err != nil {
			return Reading{}, err
		}
		out.FairValue[i] = r.answer
		if i == 0 || r.updatedAt.Before(oldest) {
			oldest = r.updatedAt
		}
	}

	tick, err := o.clock.TickAt(ctx, oldest)
	if err != nil {
		return Reading{}, fmt.Errorf("oracle %s: %w", o.opts.ID, err)
	}
	out.Tick = tick
	o.logger.Debug().
		Stringer("fair_value", out.FairValue).
		Time("updated_at", oldest).
		Uint64("tick", tick).
		Msg("oracle read")
	return out, nil
}

func (o *Oracle) checkOwner(ctx context.Context, agg common.Address) error {
	outputs, err := call(ctx, o.chain, aggregatorABI, agg, "owner")
	if err != nil {
		return err
	}
	owner, ok := outputs[0].(common.Address)
	if !ok {
		return errors.New("failed to decode owner output")
	}
	if _, ok := o.trusted[owner]; !ok {
		return fmt.Errorf("aggregator %s owned by %s: %w", agg.Hex(), owner.Hex(), errcode.ErrInvalidAggregatorOwner)
	}
	return nil
}

type round struct {
	answer    fixedpoint.Decimal
	updatedAt time.Time
}

func (o *Oracle) latestRound(ctx context.Context, agg common.Address) (round, error) {
	outputs, err := call(ctx, o.chain, aggregatorABI, agg, "decimals")
	if err != nil {
		return round{}, err
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return round{}, errors.New("failed to decode decimals output")
	}

	outputs, err = call(ctx, o.chain, aggregatorABI, agg, "latestRoundData")
	if err != nil {
		return round{}, err
	}
	if len(outputs) != 5 {
		return round{}, errors.New("unexpected latestRoundData response")
	}
	var fields [5]*big.Int
	for i, v := range outputs {
		n, ok := v.(*big.Int)
		if !ok {
			return round{}, fmt.Errorf("failed to decode latestRoundData output %d", i)
		}
		fields[i] = n
	}
	roundID, answer, updatedAt, answeredInRound := fields[0], fields[1], fields[3], fields[4]

	// updatedAt 为 0 表示该轮尚未完成；answeredInRound 落后说明答案沿用自旧轮次。
	if updatedAt.Sign() == 0 {
		return round{}, fmt.Errorf("aggregator %s round %s incomplete: %w", agg.Hex(), roundID, errcode.ErrStaleFairValue)
	}
	if answeredInRound.Cmp(roundID) < 0 {
		return round{}, fmt.Errorf("aggregator %s answered in round %s, latest %s: %w", agg.Hex(), answeredInRound, roundID, errcode.ErrStaleFairValue)
	}
	if !updatedAt.IsInt64() {
		return round{}, fmt.Errorf("%w: aggregator %s updatedAt %s out of range", errcode.ErrMath, agg.Hex(), updatedAt)
	}
	if answer.Sign() < 0 {
		return round{}, fmt.Errorf("%w: aggregator %s answered %s", errcode.ErrInvalidInput, agg.Hex(), answer)
	}

	value, err := fixedpoint.NewFromBigInt(answer, -int32(decimals))
	if err != nil {
		return round{}, err
	}
	return round{answer: value, updatedAt: time.Unix(updatedAt.Int64(), 0)}, nil
}

var _ Source = (*Oracle)(nil)
