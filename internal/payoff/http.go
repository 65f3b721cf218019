package payoff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

const (
	// ModuleHeader carries the ID of the answering module.
	ModuleHeader = "X-Payoff-Module"
	// ModuleIDParam is the chi URL parameter the Handler reads.
	ModuleIDParam = "moduleID"

	binaryContentType = "application/octet-stream"
	maxResponseBytes  = 4 << 10
)

// HTTPOptions parameterise a remote payoff module.
type HTTPOptions struct {
	BaseURL   string
	ModuleID  string
	Timeout   time.Duration
	UserAgent string
}

// HTTPModule calls a payoff module served by another process.
type HTTPModule struct {
	opts     HTTPOptions
	logger   zerolog.Logger
	client   *http.Client
	endpoint string
}

// NewHTTPModule constructs a remote module client.
func NewHTTPModule(opts HTTPOptions, logger zerolog.Logger) *HTTPModule {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	return &HTTPModule{
		opts:     opts,
		logger:   logger.With().Str("component", "payoff_http").Str("module", opts.ModuleID).Logger(),
		client:   &http.Client{Timeout: timeout},
		endpoint: base + "/payoff/" + url.PathEscape(opts.ModuleID),
	}
}

// ID returns the configured module ID.
func (m *HTTPModule) ID() string { return m.opts.ModuleID }

// Call POSTs the encoded request and returns the raw answer.
func (m *HTTPModule) Call(ctx context.Context, payload []byte) (ReturnData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ReturnData{}, err
	}
	req.Header.Set("Content-Type", binaryContentType)
	req.Header.Set("Accept", binaryContentType)
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "trancheledger/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return ReturnData{}, fmt.Errorf("%w: %v", errcode.ErrPluginCall, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ReturnData{}, fmt.Errorf("%w: read response: %v", errcode.ErrPluginCall, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ReturnData{}, parseHTTPError(resp.StatusCode, body)
	}

	m.logger.Debug().Int("bytes", len(body)).Msg("payoff module answered")
	return ReturnData{ModuleID: resp.Header.Get(ModuleHeader), Data: body}, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("%w: payoff module error (%d, %s): %s", errcode.ErrPluginCall, status, apiErr.Error, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: payoff module error (%d): %s", errcode.ErrPluginCall, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: payoff module error (%d)", errcode.ErrPluginCall, status)
}

// Handler serves registered modules over HTTP. Mount it on a chi route
// carrying the {moduleID} parameter.
type Handler struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewHandler constructs the server side of HTTPModule.
func NewHandler(registry *Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger.With().Str("component", "payoff_handler").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, ModuleIDParam)
	module, err := h.registry.Resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, RequestLen+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ret, err := module.Call(r.Context(), payload)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, errcode.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		h.logger.Warn().Err(err).Str("module", id).Msg("payoff call failed")
		writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", binaryContentType)
	w.Header().Set(ModuleHeader, ret.ModuleID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ret.Data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errcode.Code(err), Message: err.Error()})
}

var _ Module = (*HTTPModule)(nil)
