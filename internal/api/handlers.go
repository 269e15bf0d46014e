package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"aqua-agent/internal/config"
	"aqua-agent/internal/ledger"
	"aqua-agent/internal/pipeline"
	"aqua-agent/pkg/types"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	pipeline *pipeline.Pipeline
	ledger   *ledger.Ledger
	pricing  pricingSource
	cfg      config.Config
	hub      *Hub
	metrics  *Metrics
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	started  time.Time
	logger   *slog.Logger
}

// pricingSource is satisfied by *pricing.Client; nil means no engine is
// configured and every bundle must carry its own snapshot.
type pricingSource interface {
	Snapshot(ctx context.Context, req *types.QuoteRequest) (*types.PricingSnapshot, error)
}

// NewHandlers creates a new handlers instance
func NewHandlers(
	pl *pipeline.Pipeline,
	ldg *ledger.Ledger,
	pricing pricingSource,
	cfg config.Config,
	hub *Hub,
	metrics *Metrics,
	logger *slog.Logger,
) *Handlers {
	h := &Handlers{
		pipeline: pl,
		ledger:   ldg,
		pricing:  pricing,
		cfg:      cfg,
		hub:      hub,
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst),
		started:  time.Now(),
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits non-browser clients (no Origin header) and browser
// origins listed in server.allowed_origins. "*" admits every origin.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleHealth returns the service status and supported chains
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		SupportedChains: h.cfg.Quoting.SupportedChains,
		UptimeSeconds:   int64(time.Since(h.started).Seconds()),
	})
}

// HandleQuote decides one quote request. Malformed bundles get a 400;
// business rejections come back as 200 with a rejected intent; only
// provider contract violations surface as 500.
func (h *Handlers) HandleQuote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveDuration("/v1/quote", time.Since(start).Seconds()) }()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var body quoteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Request == nil || body.Policy == nil || body.Chain == nil {
		writeError(w, http.StatusBadRequest, "request, policy, and chain sections are required")
		return
	}
	if err := body.Request.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid quote request: %v", err))
		return
	}
	if err := body.Policy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid maker policy: %v", err))
		return
	}

	if body.Pricing == nil {
		if h.pricing == nil {
			writeError(w, http.StatusBadRequest, "pricing section is required when no price engine is configured")
			return
		}
		snap, err := h.pricing.Snapshot(r.Context(), body.Request)
		if err != nil {
			h.logger.Warn("price engine fetch failed", "error", err)
			writeError(w, http.StatusBadGateway, "pricing unavailable")
			return
		}
		body.Pricing = snap
	}

	result, err := h.pipeline.Quote(r.Context(), pipeline.Bundle{
		Request: body.Request,
		Policy:  body.Policy,
		Pricing: body.Pricing,
		Chain:   body.Chain,
	})
	if err != nil {
		h.logger.Error("quote pipeline failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.recordDecision(result)
	h.hub.BroadcastDecision(decisionEvent{
		Type:           "decision",
		Intent:         result.Intent,
		Explainability: result.Explain,
	})

	writeJSON(w, http.StatusOK, quoteResponseBody{
		Intent:         result.Intent,
		Explainability: result.Explain,
	})
}

func (h *Handlers) recordDecision(result *pipeline.Result) {
	switch {
	case result.Intent.Rejected:
		h.metrics.RecordRejected(string(result.Intent.RejectionReason))
	case result.Explain.PricingSource == types.PricingSourceCached:
		h.metrics.RecordCached()
	default:
		h.metrics.RecordAccepted()
	}
}

// HandleFills records a fill (POST) or lists settlement history (GET)
func (h *Handlers) HandleFills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.recordSettlement(w, r, ledger.EventFill)
	case http.MethodGet:
		h.listSettlements(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleReverts records a revert
func (h *Handlers) HandleReverts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.recordSettlement(w, r, ledger.EventRevert)
}

func (h *Handlers) recordSettlement(w http.ResponseWriter, r *http.Request, kind ledger.EventKind) {
	var body settlementBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Maker == "" || body.Nonce < 0 {
		writeError(w, http.StatusBadRequest, "maker and non-negative nonce are required")
		return
	}

	ev := ledger.Event{
		Maker:     body.Maker,
		Nonce:     body.Nonce,
		TokenIn:   body.TokenIn,
		TokenOut:  body.TokenOut,
		AmountIn:  body.AmountIn,
		AmountOut: body.AmountOut,
		TxHash:    body.TxHash,
		Reason:    body.Reason,
	}

	var err error
	if kind == ledger.EventFill {
		err = h.ledger.RecordFill(r.Context(), ev)
	} else {
		err = h.ledger.RecordRevert(r.Context(), ev)
	}
	if err != nil {
		if kind == ledger.EventRevert && body.Reason == "" {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to record settlement", "kind", string(kind), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) listSettlements(w http.ResponseWriter, r *http.Request) {
	maker := r.URL.Query().Get("maker")
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.ledger.Events(r.Context(), maker, limit)
	if err != nil {
		h.logger.Error("failed to list settlements", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, settlementListResponse{Events: events})
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
