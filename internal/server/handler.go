package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cnpjgate/cnpjgate/internal/cnpj"
	"github.com/cnpjgate/cnpjgate/internal/gateway"
	"github.com/cnpjgate/cnpjgate/internal/observability"
)

// upstreamFailureMessage is the only detail clients get for provider-side
// failures. Specific causes are logged with the masked identifier.
const upstreamFailureMessage = "registry lookup failed, try again"

// lookupResponse is the success envelope for GET /cnpj/{id}.
type lookupResponse struct {
	Success bool         `json:"success"`
	Cached  bool         `json:"cached"`
	Data    *cnpj.Record `json:"data"`
}

// errorResponse is the failure envelope for GET /cnpj/{id}.
type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Handler serves the lookup API.
type Handler struct {
	gw      *gateway.Gateway
	logger  *slog.Logger
	metrics *observability.Metrics

	requestTimeoutNs atomic.Int64
}

// NewHandler creates the lookup API handler. requestTimeout caps the whole
// lookup including time spent queued at the throttle gate.
func NewHandler(gw *gateway.Gateway, logger *slog.Logger, metrics *observability.Metrics, requestTimeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		gw:      gw,
		logger:  logger,
		metrics: metrics,
	}
	h.SetRequestTimeout(requestTimeout)
	return h
}

// SetRequestTimeout updates the per-request deadline, used on config reload.
func (h *Handler) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		d = 60 * time.Second
	}
	h.requestTimeoutNs.Store(int64(d))
}

func (h *Handler) requestTimeout() time.Duration {
	return time.Duration(h.requestTimeoutNs.Load())
}

// Routes returns the lookup API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cnpj/{id}", h.handleLookup)
	return mux
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout())
	defer cancel()

	rec, cached, err := h.gw.Lookup(ctx, r.PathValue("id"))
	if err != nil {
		var ierr *cnpj.InvalidError
		if errors.As(err, &ierr) {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Message: ierr.Error()})
			return
		}
		// Provider failures and lookups that timed out or were abandoned at
		// the gate all collapse to one generic upstream failure.
		h.writeJSON(w, http.StatusBadGateway, errorResponse{Message: upstreamFailureMessage})
		return
	}

	h.writeJSON(w, http.StatusOK, lookupResponse{Success: true, Cached: cached, Data: rec})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	if h.metrics != nil {
		h.metrics.IncResponse(strconv.Itoa(status))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("writing response failed", "error", err)
	}
}
