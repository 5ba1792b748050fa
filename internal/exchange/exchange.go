package exchange

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/metrics"
	"github.com/xtrntr/offerbook/internal/models"
	"github.com/xtrntr/offerbook/internal/settlement"
	"github.com/xtrntr/offerbook/internal/validation"
)

const namedLogger = "exchange"

// PriceRule picks the execution price of a match. The two rules disagree
// when the buy rests first: a 45000 bid resting against an incoming 44900
// ask trades at 45000 under PriceResting and at 44900 under PriceAsk.
// Choose PriceAsk where trades must always clear at the seller's price.
type PriceRule string

const (
	// PriceResting trades at the price of the offer that entered the book
	// first.
	PriceResting PriceRule = "resting"
	// PriceAsk always trades at the sell offer's price.
	PriceAsk PriceRule = "ask"
)

// Valid reports whether r is a known rule.
func (r PriceRule) Valid() bool { return r == PriceResting || r == PriceAsk }

// Config bounds the engine's work per call.
type Config struct {
	BookDepth          int                 `mapstructure:"book_depth"`
	MaxMatchesPerCall  int                 `mapstructure:"max_matches_per_call"`
	MaxConflictRetries int                 `mapstructure:"max_conflict_retries"`
	PriceRule          PriceRule           `mapstructure:"price_rule"`
	Limits             validation.Limits   `mapstructure:"limits"`
	Symbols            []models.SymbolSpec `mapstructure:"symbols"`
}

func NewDefaultConfig() Config {
	return Config{
		BookDepth:          50,
		MaxMatchesPerCall:  100,
		MaxConflictRetries: 3,
		PriceRule:          PriceResting,
	}
}

// IDGenerator issues offer and trade ids.
type IDGenerator interface {
	NextOfferID() string
	NextTradeID() string
}

// Engine admits offers and matches them against the book held by one
// connector. It keeps no state of its own between calls.
type Engine struct {
	cfg      Config
	symbols  map[string]models.SymbolSpec
	conn     *connector.Connector
	ids      IDGenerator
	notifier settlement.Notifier
	metrics  *metrics.Metrics
	clock    func() time.Time
	log      *logging.Logger
}

type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithNotifier(n settlement.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine creates an engine over conn. Without options it notifies
// nobody and records metrics into a private registry.
func NewEngine(cfg Config, conn *connector.Connector, ids IDGenerator, log *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		symbols:  make(map[string]models.SymbolSpec, len(cfg.Symbols)),
		conn:     conn,
		ids:      ids,
		notifier: settlement.Noop{},
		clock:    time.Now,
		log:      log.Named(namedLogger),
	}
	for _, s := range cfg.Symbols {
		e.symbols[s.Symbol] = s
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(prometheus.NewRegistry())
	}
	return e
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// Symbol returns the configured spec for symbol, or one parsed from its
// name. ok is false if neither exists.
func (e *Engine) Symbol(symbol string) (models.SymbolSpec, bool) {
	if s, ok := e.symbols[symbol]; ok {
		return s, true
	}
	return models.ParseSymbol(symbol)
}

// owns reports whether userID may act on o: its owner or the user that
// submitted it on the owner's behalf, which admission has already checked.
func owns(o models.Offer, userID string) bool {
	return userID != "" && (o.UserID == userID || o.CreatedBy == userID)
}

func notOwner(userID string, o models.Offer) error {
	return &errs.Error{
		Kind: errs.Permission, Code: "not_offer_owner", Field: "user_id",
		Message: "user " + userID + " does not own offer " + o.ID,
	}
}

// CancelOffer cancels an open offer on behalf of userID.
func (e *Engine) CancelOffer(ctx context.Context, userID, offerID string) (models.Offer, error) {
	o, err := e.conn.Offers.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, err
	}
	if !owns(o, userID) {
		return models.Offer{}, notOwner(userID, o)
	}
	cancelled, err := e.conn.Offers.CancelOffer(ctx, offerID, e.now())
	if err != nil {
		return models.Offer{}, err
	}
	e.log.Info("offer cancelled", zap.String("offer_id", offerID), zap.String("user_id", userID))
	return cancelled, nil
}

// ReduceOffer shrinks an open offer's remaining quantity to remaining. The
// withdrawn part is added to the reduced quantity; the original quantity
// keeps what the offer was created with.
func (e *Engine) ReduceOffer(ctx context.Context, userID, offerID string, remaining decimal.Decimal) (models.Offer, error) {
	if !remaining.IsPositive() {
		return models.Offer{}, errs.Field("remaining_quantity", "quantity_not_positive",
			"remaining quantity must be positive, got %s; cancel the offer instead", remaining)
	}
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxConflictRetries; attempt++ {
		o, err := e.conn.Offers.GetOffer(ctx, offerID)
		if err != nil {
			return models.Offer{}, err
		}
		if !owns(o, userID) {
			return models.Offer{}, notOwner(userID, o)
		}
		if !o.IsOpen() {
			return models.Offer{}, errs.Newf(errs.Validation, "offer_not_open", "offer %s is %s", o.ID, o.Status)
		}
		next := o.Clone()
		next.ReducedQuantity = o.ReducedQuantity.Add(o.RemainingQuantity.Sub(remaining))
		next.RemainingQuantity = remaining
		next.UpdatedAt = e.now()
		if err := validation.ValidateOfferUpdate(o, next); err != nil {
			return models.Offer{}, err
		}
		updated, err := e.conn.Offers.UpdateOffer(ctx, next)
		if errs.KindOf(err) == errs.Conflict {
			lastErr = err
			continue
		}
		return updated, err
	}
	return models.Offer{}, lastErr
}

// ApplySettlement records the settlement collaborator's verdict on a
// pending trade and passes it on.
func (e *Engine) ApplySettlement(ctx context.Context, tradeID string, settled bool, reason string) (models.Trade, error) {
	status := models.TradeFailed
	if settled {
		status = models.TradeSettled
	}
	t, err := e.conn.Trades.SetTradeStatus(ctx, tradeID, status, e.now(), reason)
	if err != nil {
		return models.Trade{}, err
	}
	notify := e.notifier.TradeFailed
	if settled {
		notify = e.notifier.TradeSettled
	}
	if err := notify(ctx, t); err != nil {
		e.log.Warn("settlement notification failed",
			zap.String("trade_id", t.ID), zap.String("status", string(status)), zap.Error(err))
	}
	return t, nil
}

// UserOffers lists the offers owned by userID, most recent first.
func (e *Engine) UserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error) {
	return e.conn.Offers.ListUserOffers(ctx, userID, limit)
}

// UserTrades lists the trades userID took part in, most recent first.
func (e *Engine) UserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	return e.conn.Trades.ListUserTrades(ctx, userID, limit)
}

// SymbolTrades lists the trades of symbol executed at or after since,
// oldest first.
func (e *Engine) SymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error) {
	return e.conn.Trades.ListSymbolTrades(ctx, symbol, since, limit)
}

// Volume aggregates the trades of symbol over the window ending now.
func (e *Engine) Volume(ctx context.Context, symbol string, window time.Duration) (models.Volume, error) {
	to := e.now()
	return e.conn.Trades.TradeVolume(ctx, symbol, to.Add(-window), to)
}
