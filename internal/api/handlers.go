package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/exchange"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/metrics"
	"github.com/xtrntr/offerbook/internal/models"
	"github.com/xtrntr/offerbook/internal/validation"
)

const namedLogger = "api"

// UserHeader carries the id of the caller, set by the gateway in front of
// this service once it has authenticated the request.
const UserHeader = "X-User-ID"

const defaultLimit = 100

type ctxKey struct{}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine  *exchange.Engine
	Conn    *connector.Connector
	Metrics *metrics.Metrics
	// SettlementToken authenticates the settlement service's callbacks.
	SettlementToken string
	log             *logging.Logger
}

// NewHandler creates a new handler
func NewHandler(engine *exchange.Engine, conn *connector.Connector, m *metrics.Metrics, settlementToken string, log *logging.Logger) *Handler {
	return &Handler{Engine: engine, Conn: conn, Metrics: m, SettlementToken: settlementToken, log: log.Named(namedLogger)}
}

// Routes mounts every endpoint. Metrics are served from gatherer.
func (h *Handler) Routes(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/orderbook/*", h.GetOrderBook)
	r.Get("/trades/*", h.GetSymbolTrades)
	r.Get("/volume/*", h.GetVolume)

	// Protected endpoints (require an authenticated caller)
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/offers", h.SubmitOffer)
		r.Patch("/offers/{id}", h.ReduceOffer)
		r.Delete("/offers/{id}", h.CancelOffer)
		r.Get("/me/offers", h.GetUserOffers)
		r.Get("/me/trades", h.GetUserTrades)
	})

	// Trade status is set by the settlement service only, never by a user.
	r.Group(func(r chi.Router) {
		r.Use(RequireService(h.SettlementToken))
		r.Post("/settlements/{id}", h.ApplySettlement)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// RequireUser rejects requests without a caller id and stores it in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: UserHeader + " header required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

// RequireService admits only callers presenting token as a bearer
// credential. An empty token admits nobody.
func RequireService(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if (!ok || got == "") && r.Header.Get(UserHeader) == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "service credential required"})
				return
			}
			// users, trade parties included, are known but never allowed
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "permission", Message: "caller may not report settlements"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type errorBody struct {
	Error      string      `json:"error"`
	Message    string      `json:"message,omitempty"`
	Violations []violation `json:"violations,omitempty"`
}

type violation struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.Permission:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Duplicate, errs.Conflict:
		return http.StatusConflict
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.Connection:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status from its kind. Accumulated violations
// are listed one by one.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := statusOf(kind)
	body := errorBody{Error: kind.String(), Message: err.Error()}
	if kind == errs.Validation || kind == errs.Permission {
		for _, e := range validation.Errors(err) {
			body.Violations = append(body.Violations, violation{
				Kind: e.Kind.String(), Code: e.Code, Field: e.Field, Message: e.Message,
			})
		}
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path), zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		body.Message = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

// symbolParam reads the symbol from the wildcard so BTC/EUR needs no
// escaping.
func symbolParam(r *http.Request) (string, bool) {
	s, err := url.PathUnescape(chi.URLParam(r, "*"))
	return s, err == nil && s != ""
}

func limitParam(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil && n > 0
}

// Health reports the connector health check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.Conn.Health(r.Context())
	h.Metrics.ObserveHealth(health)
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// GetOrderBook returns the aggregated book of a symbol.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(r)
	if !ok {
		badRequest(w, "symbol required")
		return
	}
	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "depth must be a positive integer")
			return
		}
		depth = n
	}
	book, err := h.Engine.BuildOrderBook(r.Context(), symbol, depth)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetSymbolTrades lists trades of a symbol, oldest first.
func (h *Handler) GetSymbolTrades(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(r)
	if !ok {
		badRequest(w, "symbol required")
		return
	}
	limit, ok := limitParam(r)
	if !ok {
		badRequest(w, "limit must be a positive integer")
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			badRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	trades, err := h.Engine.SymbolTrades(r.Context(), symbol, since, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// GetVolume aggregates the trades of a symbol over a trailing window,
// 24h unless given.
func (h *Handler) GetVolume(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(r)
	if !ok {
		badRequest(w, "symbol required")
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			badRequest(w, "window must be a positive duration")
			return
		}
		window = d
	}
	vol, err := h.Engine.Volume(r.Context(), symbol, window)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

// SubmitOffer admits an offer and matches it. The caller is recorded as
// the submitting user; the owner defaults to the caller. Naming another
// owner needs a consent and the caller's own permission on that account.
func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req models.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	req.CreatedBy = userFrom(r.Context())
	if req.UserID == "" {
		req.UserID = req.CreatedBy
	}

	res, err := h.Engine.SubmitOffer(r.Context(), req)
	if err != nil && res.Offer.ID == "" {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		// admitted, but matching stopped early; the offer stands
		h.log.Warn("matching after submit failed", zap.String("offer_id", res.Offer.ID), zap.Error(err))
	}
	res.Trades = nonNil(res.Trades)
	writeJSON(w, http.StatusCreated, res)
}

// ReduceOffer lowers the remaining quantity of an open offer.
func (h *Handler) ReduceOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	offer, err := h.Engine.ReduceOffer(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), req.RemainingQuantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// CancelOffer cancels an open offer
func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.Engine.CancelOffer(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// GetUserOffers retrieves the caller's offers
func (h *Handler) GetUserOffers(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		badRequest(w, "limit must be a positive integer")
		return
	}
	offers, err := h.Engine.UserOffers(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(offers))
}

// GetUserTrades retrieves the caller's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		badRequest(w, "limit must be a positive integer")
		return
	}
	trades, err := h.Engine.UserTrades(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// ApplySettlement records the settlement outcome of a pending trade.
func (h *Handler) ApplySettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Settled bool   `json:"settled"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	trade, err := h.Engine.ApplySettlement(r.Context(), chi.URLParam(r, "id"), req.Settled, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
