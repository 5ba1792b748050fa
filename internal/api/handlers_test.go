package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/connector/connectortest"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/exchange"
	"github.com/xtrntr/offerbook/internal/idgen"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/memstore"
	"github.com/xtrntr/offerbook/internal/metrics"
	"github.com/xtrntr/offerbook/internal/models"
)

const settlementToken = "settle-token"

type downStore struct{ *memstore.Store }

func (downStore) Ping(context.Context) error {
	return errs.New(errs.Connection, "unreachable", "connection refused")
}

func newRouter(t *testing.T, store connector.Store) chi.Router {
	ctx := context.Background()
	conn := connector.New(connector.KindMemory, store)
	require.NoError(t, conn.LoadProjections(ctx, connectortest.Projections()))

	ids, err := idgen.New(1)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg := exchange.NewDefaultConfig()
	cfg.Symbols = []models.SymbolSpec{{Symbol: "BTC/EUR", BaseAsset: "BTC", QuoteCurrency: "EUR"}}
	engine := exchange.NewEngine(cfg, conn, ids, logging.NewTestLogger(), exchange.WithMetrics(m))
	return NewHandler(engine, conn, m, settlementToken, logging.NewTestLogger()).Routes(reg)
}

func do(t *testing.T, r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	return doWith(t, r, method, path, body, func(req *http.Request) {
		if user != "" {
			req.Header.Set(UserHeader, user)
		}
	})
}

func doWith(t *testing.T, r http.Handler, method, path string, body any, prepare func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	prepare(req)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func offerBody(user, side, price, qty string) map[string]any {
	return map[string]any{
		"consent_id": "consent-" + user,
		"account_id": "acc-" + user,
		"bank_id":    "bank-1",
		"symbol":     "BTC/EUR",
		"side":       side,
		"price":      price,
		"quantity":   qty,
		"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
}

func TestHandler_Health(t *testing.T) {
	tests := []struct {
		name    string
		store   connector.Store
		status  int
		healthy bool
	}{
		{"Healthy", memstore.New(), http.StatusOK, true},
		{"Down", downStore{memstore.New()}, http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, tt.store)
			rr := do(t, r, http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, tt.status, rr.Code)
			h := decode[models.Health](t, rr)
			assert.Equal(t, tt.healthy, h.Healthy)
			assert.Equal(t, "memory", h.Kind)

			rr = do(t, r, http.MethodGet, "/metrics", "", nil)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), `offerbook_connector_healthy{kind="memory"}`)
		})
	}
}

func TestHandler_SubmitAndRead(t *testing.T) {
	r := newRouter(t, memstore.New())

	rr := do(t, r, http.MethodPost, "/offers", "bob", offerBody("bob", "sell", "100", "1"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sell := decode[exchange.SubmitResult](t, rr)
	assert.Equal(t, "bob", sell.Offer.UserID)
	assert.Equal(t, "bob", sell.Offer.CreatedBy)
	assert.Empty(t, sell.Trades)

	rr = do(t, r, http.MethodPost, "/offers", "alice", offerBody("alice", "buy", "101", "0.4"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	buy := decode[exchange.SubmitResult](t, rr)
	require.Len(t, buy.Trades, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(buy.Trades[0].Price))
	assert.Equal(t, models.OfferFilled, buy.Offer.Status)

	rr = do(t, r, http.MethodGet, "/orderbook/BTC/EUR", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	book := decode[models.OrderBook](t, rr)
	assert.Empty(t, book.Bids)
	require.Len(t, book.Asks, 1)
	assert.True(t, decimal.RequireFromString("0.6").Equal(book.Asks[0].Quantity))

	rr = do(t, r, http.MethodGet, "/orderbook/BTC%2FEUR?depth=1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "BTC/EUR", decode[models.OrderBook](t, rr).Symbol)

	rr = do(t, r, http.MethodGet, "/trades/BTC/EUR", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.Trade](t, rr), 1)

	rr = do(t, r, http.MethodGet, "/me/trades", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.Trade](t, rr), 1)

	rr = do(t, r, http.MethodGet, "/me/offers", "bob", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	mine := decode[[]models.Offer](t, rr)
	require.Len(t, mine, 1)
	assert.Equal(t, models.OfferPartiallyFilled, mine[0].Status)

	rr = do(t, r, http.MethodGet, "/volume/BTC/EUR?window=1h", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	vol := decode[models.Volume](t, rr)
	assert.Equal(t, int64(1), vol.Count)
	assert.True(t, decimal.NewFromInt(40).Equal(vol.Amount))

	rr = do(t, r, http.MethodGet, "/trades/ETH/EUR", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestHandler_SubmitRejects(t *testing.T) {
	r := newRouter(t, memstore.New())
	zeroPrice := offerBody("alice", "buy", "0", "1")
	foreignAccount := offerBody("alice", "buy", "100", "1")
	foreignAccount["account_id"] = "acc-bob"
	onBehalf := offerBody("bob", "sell", "100", "1")
	onBehalf["user_id"] = "bob"

	tests := []struct {
		name   string
		user   string
		body   any
		status int
		code   string
	}{
		{"NoCaller", "", offerBody("alice", "buy", "100", "1"), http.StatusUnauthorized, ""},
		{"BadBody", "alice", "not an offer", http.StatusBadRequest, ""},
		{"ZeroPrice", "alice", zeroPrice, http.StatusBadRequest, "price_not_positive"},
		{"ForeignAccount", "alice", foreignAccount, http.StatusForbidden, "account_not_owned"},
		{"OnBehalfWithoutGrant", "alice", onBehalf, http.StatusForbidden, "delegation_not_permitted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, http.MethodPost, "/offers", tt.user, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			if tt.code == "" {
				return
			}
			body := decode[errorBody](t, rr)
			var codes []string
			for _, v := range body.Violations {
				codes = append(codes, v.Code)
			}
			assert.Contains(t, codes, tt.code)
		})
	}

	rr := do(t, r, http.MethodGet, "/me/offers", "alice", nil)
	assert.Equal(t, "[]\n", rr.Body.String(), "rejected offers are not stored")
	rr = do(t, r, http.MethodGet, "/me/offers", "bob", nil)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestHandler_CancelAndReduce(t *testing.T) {
	r := newRouter(t, memstore.New())
	rr := do(t, r, http.MethodPost, "/offers", "bob", offerBody("bob", "sell", "100", "2"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decode[exchange.SubmitResult](t, rr).Offer.ID

	rr = do(t, r, http.MethodPatch, "/offers/"+id, "bob", map[string]string{"remaining_quantity": "1.5"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	reduced := decode[models.Offer](t, rr)
	assert.True(t, decimal.RequireFromString("1.5").Equal(reduced.RemainingQuantity))

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
	}{
		{"ReduceNotOwner", http.MethodPatch, "/offers/" + id, "alice", map[string]string{"remaining_quantity": "1"}, http.StatusForbidden},
		{"ReduceToZero", http.MethodPatch, "/offers/" + id, "bob", map[string]string{"remaining_quantity": "0"}, http.StatusBadRequest},
		{"CancelNotOwner", http.MethodDelete, "/offers/" + id, "alice", nil, http.StatusForbidden},
		{"CancelUnknown", http.MethodDelete, "/offers/O404", "bob", nil, http.StatusNotFound},
		{"Cancel", http.MethodDelete, "/offers/" + id, "bob", nil, http.StatusOK},
		{"CancelTwice", http.MethodDelete, "/offers/" + id, "bob", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestHandler_ApplySettlement(t *testing.T) {
	r := newRouter(t, memstore.New())
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/offers", "bob", offerBody("bob", "sell", "100", "1")).Code)
	rr := do(t, r, http.MethodPost, "/offers", "alice", offerBody("alice", "buy", "100", "1"))
	require.Equal(t, http.StatusCreated, rr.Code)
	trades := decode[exchange.SubmitResult](t, rr).Trades
	require.Len(t, trades, 1)

	path := "/settlements/" + trades[0].ID
	bearer := func(token string) func(*http.Request) {
		return func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
	}
	denied := []struct {
		name    string
		prepare func(*http.Request)
		status  int
	}{
		{"Anonymous", func(*http.Request) {}, http.StatusUnauthorized},
		{"Buyer", func(req *http.Request) { req.Header.Set(UserHeader, "alice") }, http.StatusForbidden},
		{"Seller", func(req *http.Request) { req.Header.Set(UserHeader, "bob") }, http.StatusForbidden},
		{"WrongToken", bearer("guess"), http.StatusForbidden},
	}
	for _, tt := range denied {
		t.Run(tt.name, func(t *testing.T) {
			rr := doWith(t, r, http.MethodPost, path, map[string]any{"settled": true}, tt.prepare)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
	rr = do(t, r, http.MethodGet, "/me/trades", "alice", nil)
	mine := decode[[]models.Trade](t, rr)
	require.Len(t, mine, 1)
	assert.Equal(t, models.TradePending, mine[0].Status, "denied callbacks leave the trade pending")

	rr = doWith(t, r, http.MethodPost, path, map[string]any{"settled": true}, bearer(settlementToken))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	trade := decode[models.Trade](t, rr)
	assert.Equal(t, models.TradeSettled, trade.Status)
	assert.NotNil(t, trade.SettledAt)

	rr = doWith(t, r, http.MethodPost, "/settlements/T404", map[string]any{"settled": false, "reason": "rejected"}, bearer(settlementToken))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_SettlementDisabledWithoutToken(t *testing.T) {
	h := NewHandler(nil, nil, nil, "", logging.NewTestLogger())
	r := h.Routes(prometheus.NewRegistry())
	rr := doWith(t, r, http.MethodPost, "/settlements/T1", map[string]any{"settled": true}, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer ")
		req.Header.Set(UserHeader, "alice")
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandler_BadParams(t *testing.T) {
	r := newRouter(t, memstore.New())
	tests := []struct {
		name string
		path string
	}{
		{"Depth", "/orderbook/BTC/EUR?depth=abc"},
		{"NegativeDepth", "/orderbook/BTC/EUR?depth=-1"},
		{"Limit", "/trades/BTC/EUR?limit=0"},
		{"Since", "/trades/BTC/EUR?since=yesterday"},
		{"Window", "/volume/BTC/EUR?window=forever"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, http.MethodGet, tt.path, "", nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "bad_request", decode[errorBody](t, rr).Error)
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind   errs.Kind
		status int
	}{
		{errs.Validation, http.StatusBadRequest},
		{errs.Permission, http.StatusForbidden},
		{errs.NotFound, http.StatusNotFound},
		{errs.Duplicate, http.StatusConflict},
		{errs.Conflict, http.StatusConflict},
		{errs.Timeout, http.StatusGatewayTimeout},
		{errs.Connection, http.StatusServiceUnavailable},
		{errs.Configuration, http.StatusInternalServerError},
		{errs.Unknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusOf(tt.kind))
		})
	}
}
