package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ChainReader is the subset of an Ethereum client the feeds need.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainOptions parameterise the RPC connection.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// Chain dials the RPC endpoint lazily and shares the client between feeds.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds a lazily connected client.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	return &Chain{opts: opts, logger: logger.With().Str("component", "chain").Logger()}
}

// CallContract implements ChainReader.
func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, blockNumber)
}

// BlockNumber implements ChainReader.
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// HeaderByNumber implements ChainReader. A nil number is the latest block.
func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.HeaderByNumber(ctx, number)
}

// Close drops the connection, if any.
func (c *Chain) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Chain) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Msg("rpc client connected")
	c.client = client
	return client, nil
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// call packs method, runs an eth_call against to at the latest block and
// unpacks the outputs.
func call(ctx context.Context, chain ChainReader, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	return callAt(ctx, chain, nil, contract, to, method, args...)
}

// callAt is call pinned to block. A nil block is the latest one.
func callAt(ctx context.Context, chain ChainReader, block *big.Int, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s from %s: %w", method, to.Hex(), err)
	}
	return outputs, nil
}

var _ ChainReader = (*Chain)(nil)
