// Package api exposes the tranche ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/metrics"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
	"github.com/vyper-protocol/vyper-core-sub000/internal/ratefeed"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// CallerHeader carries the address the request acts as.
const CallerHeader = "X-Caller"

const requestLimit = 64 << 10

// Ledger is the tranche state served by the API.
type Ledger interface {
	Initialize(ctx context.Context, in tranche.InitInput, tick uint64) (*tranche.Config, error)
	Get(ctx context.Context, id uuid.UUID) (*tranche.Config, error)
	List(ctx context.Context) ([]*tranche.Config, error)
	Deposit(ctx context.Context, id uuid.UUID, caller common.Address, qty payoff.Quantities, now uint64) ([2]uint64, error)
	Redeem(ctx context.Context, id uuid.UUID, caller common.Address, qty payoff.Quantities, now uint64) ([2]uint64, error)
	CollectFee(ctx context.Context, id uuid.UUID, caller common.Address) (uint64, error)
	Update(ctx context.Context, id uuid.UUID, caller common.Address, in tranche.UpdateInput) (*tranche.Config, error)
	Close(ctx context.Context, id uuid.UUID, caller common.Address) error
}

// Refresher triggers fair value refreshes.
type Refresher interface {
	RefreshTrancheFairValue(ctx context.Context, id uuid.UUID, caller common.Address) (*tranche.Config, error)
	RefreshReserveFairValue(ctx context.Context, id uuid.UUID, caller common.Address) (*tranche.Config, error)
}

// SourceResolver finds price sources by ID.
type SourceResolver interface {
	Resolve(id string) (ratefeed.Source, error)
}

// ModuleResolver finds payoff modules by ID.
type ModuleResolver interface {
	Resolve(id string) (payoff.Module, error)
}

// configurable is implemented by modules whose parameters live in this process.
type configurable interface {
	Config() payoff.Config
	UpdateConfig(caller common.Address, next payoff.Config) error
}

// settable is implemented by sources whose value an authority pushes.
type settable interface {
	Set(caller common.Address, fv fixedpoint.Vector) error
}

// Config wires the router. Sources, Modules, Payoff and Metrics may be nil.
type Config struct {
	Ledger    Ledger
	Refresher Refresher
	Sources   SourceResolver
	Modules   ModuleResolver
	Clock     ratefeed.Clock
	Payoff    http.Handler
	Metrics   *metrics.Metrics
}

type handlers struct {
	cfg    Config
	logger zerolog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(cfg Config, logger zerolog.Logger) http.Handler {
	h := &handlers{cfg: cfg, logger: logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/tranches", func(sr chi.Router) {
		sr.Use(cfg.Metrics.Middleware("tranches"))
		sr.Get("/", h.listTranches)
		sr.Post("/", h.createTranche)
		sr.Route("/{id}", func(tr chi.Router) {
			tr.Get("/", h.getTranche)
			tr.Patch("/", h.updateTranche)
			tr.Delete("/", h.closeTranche)
			tr.Post("/refresh", h.refresh)
			tr.Post("/refresh-reserve", h.refreshReserve)
			tr.Post("/deposit", h.deposit)
			tr.Post("/redeem", h.redeem)
			tr.Post("/collect-fee", h.collectFee)
		})
	})

	if cfg.Sources != nil {
		r.Route("/sources/{source}", func(sr chi.Router) {
			sr.Use(cfg.Metrics.Middleware("sources"))
			sr.Get("/", h.readSource)
			sr.Put("/fair-value", h.setSource)
		})
	}
	if cfg.Payoff != nil || cfg.Modules != nil {
		r.Route("/payoff/{"+payoff.ModuleIDParam+"}", func(pr chi.Router) {
			pr.Use(cfg.Metrics.Middleware("payoff"))
			if cfg.Payoff != nil {
				pr.Post("/", cfg.Payoff.ServeHTTP)
			}
			if cfg.Modules != nil {
				pr.Get("/config", h.getPayoffConfig)
				pr.Put("/config", h.updatePayoffConfig)
			}
		})
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	return r
}

func (h *handlers) listTranches(w http.ResponseWriter, r *http.Request) {
	list, err := h.cfg.Ledger.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createRequest struct {
	Name                  string   `json:"name"`
	RateSource            string   `json:"rate_source"`
	PayoffModule          string   `json:"payoff_module"`
	HaltFlags             []string `json:"halt_flags"`
	OwnerRestrictedIxs    []string `json:"owner_restricted_ixs"`
	ReserveStaleThreshold uint64   `json:"reserve_stale_threshold"`
	TrancheStaleThreshold uint64   `json:"tranche_stale_threshold"`
	Version               string   `json:"version"`
}

// createTranche 以 caller 作为 owner 初始化 tranche。
func (h *handlers) createTranche(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	halt, err := tranche.ParseFlagNames(req.HaltFlags)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	restricted, err := tranche.ParseFlagNames(req.OwnerRestrictedIxs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.cfg.Sources != nil {
		if _, err := h.cfg.Sources.Resolve(req.RateSource); err != nil {
			h.fail(w, r, fmt.Errorf("%w: %v", errcode.ErrInvalidInput, err))
			return
		}
	}
	if h.cfg.Modules != nil {
		if _, err := h.cfg.Modules.Resolve(req.PayoffModule); err != nil {
			h.fail(w, r, fmt.Errorf("%w: %v", errcode.ErrInvalidInput, err))
			return
		}
	}
	now, err := h.cfg.Clock.Tick(r.Context())
	if err != nil {
		h.fail(w, r, fmt.Errorf("read clock: %w", err))
		return
	}
	cfg, err := h.cfg.Ledger.Initialize(r.Context(), tranche.InitInput{
		Name:                  req.Name,
		Owner:                 caller,
		RateSource:            req.RateSource,
		PayoffModule:          req.PayoffModule,
		HaltFlags:             halt,
		OwnerRestrictedIxs:    restricted,
		ReserveStaleThreshold: req.ReserveStaleThreshold,
		TrancheStaleThreshold: req.TrancheStaleThreshold,
		Version:               req.Version,
	}, now)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *handlers) getTranche(w http.ResponseWriter, r *http.Request) {
	id, err := trancheID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cfg, err := h.cfg.Ledger.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) updateTranche(w http.ResponseWriter, r *http.Request) {
	id, caller, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in tranche.UpdateInput
	if err := decodeBody(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	cfg, err := h.cfg.Ledger.Update(r.Context(), id, caller, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) closeTranche(w http.ResponseWriter, r *http.Request) {
	id, caller, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.cfg.Ledger.Close(r.Context(), id, caller); err != nil {
		h.fail(w, r, err)
		return
	}
	h.cfg.Metrics.Forget(id.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	h.runRefresh(w, r, h.cfg.Refresher.RefreshTrancheFairValue)
}

func (h *handlers) refreshReserve(w http.ResponseWriter, r *http.Request) {
	h.runRefresh(w, r, h.cfg.Refresher.RefreshReserveFairValue)
}

func (h *handlers) runRefresh(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, common.Address) (*tranche.Config, error)) {
	id, caller, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cfg, err := fn(r.Context(), id, caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type quantityRequest struct {
	Quantity payoff.Quantities `json:"quantity"`
}

type tokensResponse struct {
	Tokens [2]uint64 `json:"tokens"`
}

func (h *handlers) deposit(w http.ResponseWriter, r *http.Request) {
	h.moveQuantity(w, r, h.cfg.Ledger.Deposit)
}

func (h *handlers) redeem(w http.ResponseWriter, r *http.Request) {
	h.moveQuantity(w, r, h.cfg.Ledger.Redeem)
}

func (h *handlers) moveQuantity(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, common.Address, payoff.Quantities, uint64) ([2]uint64, error)) {
	id, caller, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req quantityRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	now, err := h.cfg.Clock.Tick(r.Context())
	if err != nil {
		h.fail(w, r, fmt.Errorf("read clock: %w", err))
		return
	}
	tokens, err := fn(r.Context(), id, caller, req.Quantity, now)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokensResponse{Tokens: tokens})
}

func (h *handlers) collectFee(w http.ResponseWriter, r *http.Request) {
	id, caller, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	fee, err := h.cfg.Ledger.CollectFee(r.Context(), id, caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"fee": fee})
}

func (h *handlers) readSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.cfg.Sources.Resolve(chi.URLParam(r, "source"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reading, err := src.Read(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

type fairValueRequest struct {
	FairValue fixedpoint.Vector `json:"fair_value"`
}

func (h *handlers) setSource(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "source")
	src, err := h.cfg.Sources.Resolve(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	target, ok := src.(settable)
	if !ok {
		h.fail(w, r, fmt.Errorf("%w: rate source %q does not accept pushed values", errcode.ErrInvalidInput, id))
		return
	}
	var req fairValueRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := target.Set(caller, req.FairValue); err != nil {
		h.fail(w, r, err)
		return
	}
	h.readSource(w, r)
}

func (h *handlers) localModule(r *http.Request) (configurable, error) {
	id := chi.URLParam(r, payoff.ModuleIDParam)
	module, err := h.cfg.Modules.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.ErrNotFound, err)
	}
	local, ok := module.(configurable)
	if !ok {
		return nil, fmt.Errorf("%w: payoff module %q is configured by its remote host", errcode.ErrInvalidInput, id)
	}
	return local, nil
}

func (h *handlers) getPayoffConfig(w http.ResponseWriter, r *http.Request) {
	local, err := h.localModule(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, local.Config())
}

// updatePayoffConfig 在当前参数上合并请求体，仅模块 owner 可以修改。
func (h *handlers) updatePayoffConfig(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	local, err := h.localModule(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	next := local.Config()
	if err := decodeBody(r, &next); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := local.UpdateConfig(caller, next); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().
		Str("module", chi.URLParam(r, payoff.ModuleIDParam)).
		Str("caller", caller.Hex()).
		Msg("payoff config updated")
	writeJSON(w, http.StatusOK, local.Config())
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}
	writeJSON(w, status, errorResponse{Code: errcode.Code(err), Error: err.Error()})
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errcode.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errcode.ErrOwnerRestrictedIx):
		return http.StatusForbidden
	case errors.Is(err, errcode.ErrHalt), errors.Is(err, errcode.ErrStaleFairValue):
		return http.StatusConflict
	case errors.Is(err, errcode.ErrInvalidInput),
		errors.Is(err, errcode.ErrInvalidTrancheHaltFlags),
		errors.Is(err, errcode.ErrInvalidOwnerRestrictedIxFlags):
		return http.StatusBadRequest
	case errors.Is(err, errcode.ErrMath):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errcode.ErrPluginCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func trancheID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: tranche id: %v", errcode.ErrInvalidInput, err)
	}
	return id, nil
}

func target(r *http.Request) (uuid.UUID, common.Address, error) {
	id, err := trancheID(r)
	if err != nil {
		return uuid.Nil, common.Address{}, err
	}
	caller, err := callerOf(r)
	if err != nil {
		return uuid.Nil, common.Address{}, err
	}
	return id, caller, nil
}

func callerOf(r *http.Request) (common.Address, error) {
	raw := r.Header.Get(CallerHeader)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s header must be an address", errcode.ErrInvalidInput, CallerHeader)
	}
	return common.HexToAddress(raw), nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errcode.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
