package ratefeed

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

type fixedClock uint64

func (c fixedClock) Tick(context.Context) (uint64, error) { return uint64(c), nil }

func (c fixedClock) TickAt(context.Context, time.Time) (uint64, error) { return uint64(c), nil }

// secondClock ticks once per second and reads now as unix second 1_700_000_060.
var secondClock = WallClock{Resolution: time.Second, Now: func() time.Time { return time.Unix(1_700_000_060, 0) }}

// fakeChain answers eth_calls from canned outputs keyed by contract and method.
type fakeChain struct {
	contract abi.ABI
	block    uint64
	headTime uint64
	answers  map[common.Address]map[string][]any
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := f.contract.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	outs, ok := f.answers[*msg.To][method.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return method.Outputs.Pack(outs...)
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.block), Time: f.headTime}, nil
}

var (
	aggA    = common.HexToAddress("0x000000000000000000000000000000000000a001")
	aggB    = common.HexToAddress("0x000000000000000000000000000000000000a002")
	trusted = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func aggregatorAnswers(owner common.Address, answer int64, decimals uint8, updatedAt int64) map[string][]any {
	return roundAnswers(owner, answer, decimals, 7, updatedAt, 7)
}

func roundAnswers(owner common.Address, answer int64, decimals uint8, roundID, updatedAt, answeredInRound int64) map[string][]any {
	return map[string][]any{
		"owner":    {owner},
		"decimals": {decimals},
		"latestRoundData": {
			big.NewInt(roundID), big.NewInt(answer), big.NewInt(1_699_999_990), big.NewInt(updatedAt), big.NewInt(answeredInRound),
		},
	}
}

func TestOracleRead(t *testing.T) {
	chain := &fakeChain{
		contract: aggregatorABI,
		block:    12_345,
		answers: map[common.Address]map[string][]any{
			aggA: aggregatorAnswers(trusted, 102_500_000, 8, 1_700_000_010),
			aggB: aggregatorAnswers(trusted, 5, 1, 1_700_000_040),
		},
	}
	o, err := NewOracle(OracleOptions{ID: "eth-usd", Aggregators: []common.Address{aggA, aggB}, TrustedOwners: []common.Address{trusted}}, chain, secondClock, noopLogger())
	require.NoError(t, err)

	r, err := o.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_010), r.Tick, "tick follows the oldest updatedAt, not the block")
	require.Equal(t, "[1.025 0.5]", r.FairValue.String())
}

func TestOracleTickUnderChainClock(t *testing.T) {
	chain := &fakeChain{
		contract: aggregatorABI,
		block:    1_000,
		headTime: 1_700_000_120,
		answers: map[common.Address]map[string][]any{
			aggA: aggregatorAnswers(trusted, 1, 0, 1_700_000_000),
		},
	}
	clock := ChainClock{Chain: chain, BlockTime: 12 * time.Second}
	o, err := NewOracle(OracleOptions{ID: "x", Aggregators: []common.Address{aggA}, TrustedOwners: []common.Address{trusted}}, chain, clock, noopLogger())
	require.NoError(t, err)

	r, err := o.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(990), r.Tick, "120s behind the head is ten blocks back")
}

func TestOracleRejectsStaleRounds(t *testing.T) {
	cases := map[string]map[string][]any{
		"incomplete round":        roundAnswers(trusted, 1, 0, 7, 0, 7),
		"answer from older round": roundAnswers(trusted, 1, 0, 9, 1_700_000_000, 8),
	}
	for name, answers := range cases {
		t.Run(name, func(t *testing.T) {
			chain := &fakeChain{contract: aggregatorABI, answers: map[common.Address]map[string][]any{aggA: answers}}
			o, err := NewOracle(OracleOptions{ID: "x", Aggregators: []common.Address{aggA}, TrustedOwners: []common.Address{trusted}}, chain, secondClock, noopLogger())
			require.NoError(t, err)

			_, err = o.Read(context.Background())
			require.ErrorIs(t, err, errcode.ErrStaleFairValue)
		})
	}
}

func TestOracleRejectsNegativeAnswer(t *testing.T) {
	chain := &fakeChain{
		contract: aggregatorABI,
		answers:  map[common.Address]map[string][]any{aggA: aggregatorAnswers(trusted, -1, 0, 1_700_000_000)},
	}
	o, err := NewOracle(OracleOptions{ID: "x", Aggregators: []common.Address{aggA}, TrustedOwners: []common.Address{trusted}}, chain, secondClock, noopLogger())
	require.NoError(t, err)

	_, err = o.Read(context.Background())
	require.ErrorIs(t, err, errcode.ErrInvalidInput)
}

func TestOracleRejectsUntrustedOwner(t *testing.T) {
	chain := &fakeChain{
		contract: aggregatorABI,
		answers: map[common.Address]map[string][]any{
			aggA: aggregatorAnswers(common.HexToAddress("0xbad"), 1, 0, 1_700_000_000),
		},
	}
	o, err := NewOracle(OracleOptions{ID: "x", Aggregators: []common.Address{aggA}, TrustedOwners: []common.Address{trusted}}, chain, secondClock, noopLogger())
	require.NoError(t, err)

	_, err = o.Read(context.Background())
	require.ErrorIs(t, err, errcode.ErrInvalidAggregatorOwner)
}

func TestFeedCountLimits(t *testing.T) {
	_, err := NewOracle(OracleOptions{ID: "none", TrustedOwners: []common.Address{trusted}}, &fakeChain{}, secondClock, noopLogger())
	require.ErrorIs(t, err, errcode.ErrInvalidAggregatorsNumber)

	ids := make([]string, MaxFeeds+1)
	_, err = NewPyth(PythOptions{ID: "many", FeedIDs: ids}, fixedClock(0), noopLogger())
	require.ErrorIs(t, err, errcode.ErrInvalidAggregatorsNumber)
}

func TestPoolPrices(t *testing.T) {
	supply := func(n uint64) Supply { return Supply{Amount: uint256.NewInt(n)} }
	fv, err := PoolPrices(supply(100), supply(10), supply(1_000))
	require.NoError(t, err)
	require.Equal(t, "[0.02 0.1]", fv.String())

	_, err = PoolPrices(supply(0), supply(10), supply(1_000))
	require.ErrorIs(t, err, errcode.ErrMath)
}

func TestSupplyWad(t *testing.T) {
	got, err := Supply{Amount: uint256.NewInt(1_234_567), Decimals: 6}.Wad()
	require.NoError(t, err)
	require.Equal(t, "1234567000000000000", got.Dec())

	got, err = Supply{Amount: uint256.NewInt(1_999), Decimals: 21}.Wad()
	require.NoError(t, err)
	require.Equal(t, "1", got.Dec(), "extra precision is truncated")

	got, err = Supply{}.Wad()
	require.NoError(t, err)
	require.True(t, got.IsZero())

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	_, err = Supply{Amount: huge, Decimals: 0}.Wad()
	require.ErrorIs(t, err, errcode.ErrMath)
}

func TestPoolPricesKeepPrecision(t *testing.T) {
	fv, err := PoolPrices(
		Supply{Amount: uint256.NewInt(3), Decimals: 0},
		Supply{Amount: uint256.NewInt(1), Decimals: 0},
		Supply{Amount: uint256.NewInt(3), Decimals: 0},
	)
	require.NoError(t, err)
	require.Equal(t, "[0.666666666666666666 0.333333333333333333]", fv.String())
}

func TestPoolRead(t *testing.T) {
	pool := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	baseTok := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	quoteTok := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	lpTok := common.HexToAddress("0x00000000000000000000000000000000000000b3")

	wei := func(units int64, decimals int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
	}
	chain := &fakeChain{
		contract: erc20ABI,
		block:    99,
		headTime: 1_700_000_030,
		answers: map[common.Address]map[string][]any{
			baseTok:  {"balanceOf": {wei(100, 18)}, "decimals": {uint8(18)}},
			quoteTok: {"balanceOf": {wei(10, 6)}, "decimals": {uint8(6)}},
			lpTok:    {"totalSupply": {wei(1_000, 9)}, "decimals": {uint8(9)}},
		},
	}

	p := NewPool(PoolOptions{ID: "lp", Pool: pool, BaseToken: baseTok, QuoteToken: quoteTok, LPToken: lpTok}, chain, secondClock, noopLogger())
	r, err := p.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_030), r.Tick, "tick follows the head block timestamp")
	require.Equal(t, "[0.02 0.1]", r.FairValue.String())
}

func TestPythRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pythLatestPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{
				{"id": "bb", "price": map[string]any{"price": "5", "expo": -1, "conf": "1", "publish_time": 1_700_000_020}},
				{"id": "aa", "price": map[string]any{"price": "6140993501000", "expo": -8, "conf": "1", "publish_time": 1_700_000_050}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewPyth(PythOptions{ID: "pyth", BaseURL: srv.URL, FeedIDs: []string{"0xAA", "bb"}, Timeout: time.Second}, secondClock, noopLogger())
	require.NoError(t, err)

	r, err := p.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_020), r.Tick, "tick follows the oldest publish_time")
	require.Equal(t, "[61409.93501 0.5]", r.FairValue.String())
}

func TestPythRejectsMissingPublishTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parsed": []map[string]any{
				{"id": "aa", "price": map[string]any{"price": "1", "expo": 0, "conf": "1"}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewPyth(PythOptions{ID: "pyth", BaseURL: srv.URL, FeedIDs: []string{"aa"}}, secondClock, noopLogger())
	require.NoError(t, err)
	_, err = p.Read(context.Background())
	require.ErrorIs(t, err, errcode.ErrStaleFairValue)
}

func TestPythHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewPyth(PythOptions{ID: "pyth", BaseURL: srv.URL, FeedIDs: []string{"aa"}}, fixedClock(0), noopLogger())
	require.NoError(t, err)
	if _, err := p.Read(context.Background()); err == nil {
		t.Fatal("HTTP 502 应返回错误")
	}
}

func TestMock(t *testing.T) {
	authority := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	m := NewMock("mock", authority, fixedClock(5))

	r, err := m.Read(context.Background())
	require.NoError(t, err)
	require.True(t, r.FairValue.Equal(fixedpoint.FilledVector(fixedpoint.One)))
	require.Equal(t, uint64(5), r.Tick)

	next, err := fixedpoint.NewVector(fixedpoint.RequireFromString("0.75"))
	require.NoError(t, err)
	require.ErrorIs(t, m.Set(common.HexToAddress("0xdead"), next), errcode.ErrOwnerRestrictedIx)
	require.NoError(t, m.Set(authority, next))

	r, err = m.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, "[0.75]", r.FairValue.String())
}

type stepSource struct {
	values []string
	ticks  []uint64
	i      int
}

func (s *stepSource) ID() string { return "step" }

func (s *stepSource) Read(context.Context) (Reading, error) {
	v, err := fixedpoint.NewVector(fixedpoint.RequireFromString(s.values[s.i]))
	if err != nil {
		return Reading{}, err
	}
	r := Reading{FairValue: v, Tick: s.ticks[s.i]}
	s.i++
	return r, nil
}

type memBufferStore map[string][]byte

func (m memBufferStore) LoadSamplingBuffer(_ context.Context, id string) ([]byte, error) {
	raw, ok := m[id]
	if !ok {
		return nil, errcode.ErrNotFound
	}
	return raw, nil
}

func (m memBufferStore) SaveSamplingBuffer(_ context.Context, id string, data []byte) error {
	m[id] = data
	return nil
}

func TestTWAPSkipsTooRecentSamples(t *testing.T) {
	up := &stepSource{values: []string{"1", "2", "100", "3"}, ticks: []uint64{10, 20, 21, 30}}
	store := memBufferStore{}
	tw, err := NewTWAP(TWAPOptions{ID: "twap", MinTickDelta: 5, SamplingSize: 2}, up, store, noopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	r, err := tw.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "[1]", r.FairValue.String())

	r, err = tw.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "[1.5]", r.FairValue.String())
	require.Equal(t, uint64(20), r.Tick)

	r, err = tw.Read(ctx)
	require.NoError(t, err, "too recent sample is skipped, not fatal")
	require.Equal(t, "[1.5]", r.FairValue.String())
	require.Equal(t, uint64(20), r.Tick)

	r, err = tw.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "[2.5]", r.FairValue.String(), "window of two evicts the first sample")
	require.Equal(t, uint64(30), r.Tick)

	restored, err := NewTWAP(TWAPOptions{ID: "twap", MinTickDelta: 5, SamplingSize: 2}, up, store, noopLogger())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))
	samples := restored.Samples()
	require.Len(t, samples, 2)
	require.Equal(t, []uint64{20, 30}, []uint64{samples[0].Tick, samples[1].Tick})
}

type failingBufferStore struct{ memBufferStore }

func (failingBufferStore) SaveSamplingBuffer(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestTWAPKeepsWindowWhenSaveFails(t *testing.T) {
	up := &stepSource{values: []string{"1", "2"}, ticks: []uint64{10, 20}}
	tw, err := NewTWAP(TWAPOptions{ID: "twap", MinTickDelta: 5, SamplingSize: 4}, up, memBufferStore{}, noopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = tw.Read(ctx)
	require.NoError(t, err)

	tw.store = failingBufferStore{memBufferStore{}}
	_, err = tw.Read(ctx)
	require.Error(t, err)
	samples := tw.Samples()
	require.Len(t, samples, 1, "failed save must not commit the new sample")
	require.Equal(t, uint64(10), samples[0].Tick)
}

func TestTWAPRestoreWithoutStoredBuffer(t *testing.T) {
	tw, err := NewTWAP(TWAPOptions{ID: "fresh", SamplingSize: 4}, &stepSource{}, memBufferStore{}, noopLogger())
	require.NoError(t, err)
	require.NoError(t, tw.Restore(context.Background()))
	require.Empty(t, tw.Samples())

	_, err = NewTWAP(TWAPOptions{ID: "zero"}, &stepSource{}, nil, noopLogger())
	require.ErrorIs(t, err, errcode.ErrInvalidInput)
}

func TestWallClock(t *testing.T) {
	c := WallClock{Resolution: time.Minute, Now: func() time.Time { return time.Unix(600, 0) }}
	ctx := context.Background()
	tick, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), tick)

	tick, err = c.TickAt(ctx, time.Unix(185, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(3), tick)

	tick, err = c.TickAt(ctx, time.Unix(6_000, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(10), tick, "future times clamp to now")

	_, err = c.TickAt(ctx, time.Unix(-1, 0))
	require.ErrorIs(t, err, errcode.ErrMath)
}

func TestBlockAt(t *testing.T) {
	head := time.Unix(1_000, 0)
	require.Equal(t, uint64(100), blockAt(100, head, head.Add(time.Hour), 12*time.Second))
	require.Equal(t, uint64(100), blockAt(100, head, head, 12*time.Second))
	require.Equal(t, uint64(99), blockAt(100, head, head.Add(-time.Second), 12*time.Second), "partial blocks round back")
	require.Equal(t, uint64(95), blockAt(100, head, head.Add(-time.Minute), 12*time.Second))
	require.Equal(t, uint64(95), blockAt(100, head, head.Add(-time.Minute), 0), "zero block time uses the default")
	require.Equal(t, uint64(0), blockAt(10, head, time.Unix(0, 0), 12*time.Second))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewMock("m", common.Address{}, fixedClock(0))
	require.NoError(t, reg.Register(m))
	require.ErrorIs(t, reg.Register(m), errcode.ErrInvalidInput)

	got, err := reg.Resolve("m")
	require.NoError(t, err)
	require.Equal(t, "m", got.ID())

	_, err = reg.Resolve("nope")
	require.ErrorIs(t, err, errcode.ErrNotFound)
	require.Equal(t, []string{"m"}, reg.IDs())
}
