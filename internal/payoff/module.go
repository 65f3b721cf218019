package payoff

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// ReturnData is what a payoff module answers, tagged with the responder's ID.
type ReturnData struct {
	ModuleID string
	Data     []byte
}

// Module is an isolated payoff evaluator. Callers only trust its answer
// after Invoke has checked who answered and what.
type Module interface {
	ID() string
	Call(ctx context.Context, payload []byte) (ReturnData, error)
}

// LocalModule evaluates a Config in process.
type LocalModule struct {
	id string

	mu  sync.RWMutex
	cfg Config
}

// NewLocalModule validates cfg and binds it to id.
func NewLocalModule(id string, cfg Config) (*LocalModule, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: payoff module id required", errcode.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("payoff module %s: %w", id, err)
	}
	return &LocalModule{id: id, cfg: cfg}, nil
}

// ID returns the module identifier.
func (m *LocalModule) ID() string { return m.id }

// Config returns a copy of the current parameters.
func (m *LocalModule) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig applies an owner-gated parameter change.
func (m *LocalModule) UpdateConfig(caller common.Address, next Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Update(caller, next)
}

// Call decodes the request, runs the variant and encodes the result.
func (m *LocalModule) Call(_ context.Context, payload []byte) (ReturnData, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return ReturnData{}, err
	}
	res, err := Execute(req.OldQuantity, req.OldReserveFairValue, req.NewReserveFairValue, m.Config())
	if err != nil {
		return ReturnData{}, err
	}
	return ReturnData{ModuleID: m.id, Data: EncodeResponse(res)}, nil
}

// Invoke calls module and accepts the answer only when it comes from
// expectedID, has the response layout and conserves the deposited total.
func Invoke(ctx context.Context, module Module, expectedID string, req Request) (Result, error) {
	total, err := req.OldQuantity.Total()
	if err != nil {
		return Result{}, err
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		return Result{}, err
	}

	ret, err := module.Call(ctx, payload)
	if err != nil {
		return Result{}, fmt.Errorf("call payoff module %s: %w", expectedID, err)
	}
	if ret.ModuleID != expectedID {
		return Result{}, fmt.Errorf("%w: answer from %q, expected %q", errcode.ErrPluginCall, ret.ModuleID, expectedID)
	}
	if len(ret.Data) == 0 {
		return Result{}, fmt.Errorf("payoff module %s: %w", expectedID, errcode.ErrRedeemLogicNoReturn)
	}
	res, err := DecodeResponse(ret.Data)
	if err != nil {
		return Result{}, fmt.Errorf("payoff module %s: %w", expectedID, err)
	}
	if !res.Conserves(total) {
		return Result{}, fmt.Errorf("%w: module %s returned %v+%d for total %d", errcode.ErrPluginCall, expectedID, res.NewQuantity, res.FeeQuantity, total)
	}
	return res, nil
}

// Registry resolves payoff modules by ID.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry returns a registry holding modules.
func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{modules: make(map[string]Module, len(modules))}
	for _, m := range modules {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m. IDs are unique.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.ID()]; ok {
		return fmt.Errorf("%w: payoff module %q already registered", errcode.ErrInvalidInput, m.ID())
	}
	r.modules[m.ID()] = m
	return nil
}

// Resolve looks up id.
func (r *Registry) Resolve(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payoff module %q", errcode.ErrPluginCall, id)
	}
	return m, nil
}

// IDs lists the registered module IDs in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Module = (*LocalModule)(nil)
