// Package connector defines the storage capabilities the engine depends on
// and the plumbing to build, health-check and harden a backend chosen at
// runtime.
package connector

import (
	"context"
	"io"
	"time"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

// OfferStore persists offers. Every mutation is a check-and-set on
// Offer.Version; a stale version fails with errs.Conflict.
type OfferStore interface {
	// CreateOffer stores a new offer with Version 1 and returns it.
	CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error)
	// UpdateOffer writes offer if the stored version equals offer.Version and
	// returns the stored result with the version bumped.
	UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	// ListActiveOffers returns open offers best first. limit <= 0 means all.
	ListActiveOffers(ctx context.Context, symbol string, side models.Side, limit int) ([]models.Offer, error)
	// ListUserOffers returns a user's offers, most recent first.
	ListUserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error)
	CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error)
	// ExpireOffers moves up to limit open offers whose expiry is before
	// cutoff to Expired and returns how many it moved.
	ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// TradeStore persists trades. Trades are append-only apart from their
// settlement status.
type TradeStore interface {
	RecordTrade(ctx context.Context, trade models.Trade) error
	GetTrade(ctx context.Context, id string) (models.Trade, error)
	// ListUserTrades returns trades where the user is either party, most
	// recent first.
	ListUserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error)
	// ListSymbolTrades returns trades executed at or after since, oldest first.
	ListSymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error)
	// TradeVolume aggregates trades executed in [from, to).
	TradeVolume(ctx context.Context, symbol string, from, to time.Time) (models.Volume, error)
	SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error)
}

// UserStore serves the read-only projections used by validation.
type UserStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	GetAccount(ctx context.Context, id string) (models.TradingAccount, error)
	OwnsAccount(ctx context.Context, userID, accountID string) (bool, error)
	GetPermission(ctx context.Context, userID, accountID, symbol string) (models.TradingPermission, error)
}

// MatchCommitter applies one match atomically: the trade is recorded and
// both offers are written, or nothing is.
type MatchCommitter interface {
	CommitMatch(ctx context.Context, fill models.Fill) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ProjectionLoader is implemented by backends that keep their own copy of
// the user projections and can be seeded with them.
type ProjectionLoader interface {
	LoadProjections(ctx context.Context, p models.Projections) error
}

// Store is everything one backend provides.
type Store interface {
	OfferStore
	TradeStore
	UserStore
	MatchCommitter
	Pinger
	io.Closer
}

// Connector bundles the capabilities of one configured backend.
type Connector struct {
	Kind    Kind
	Offers  OfferStore
	Trades  TradeStore
	Users   UserStore
	Matches MatchCommitter

	store Store
}

// New exposes every capability of s under kind.
func New(kind Kind, s Store) *Connector {
	return &Connector{
		Kind:    kind,
		Offers:  s,
		Trades:  s,
		Users:   s,
		Matches: s,
		store:   s,
	}
}

// Store returns the backend behind the connector.
func (c *Connector) Store() Store { return c.store }

// Health pings the backend and times the round trip.
func (c *Connector) Health(ctx context.Context) models.Health {
	start := time.Now()
	err := c.store.Ping(ctx)
	h := models.Health{
		Kind:         string(c.Kind),
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
		CheckedAt:    start.UTC(),
	}
	if err != nil {
		h.Detail = err.Error()
	}
	return h
}

// LoadProjections seeds the backend's user projections if it keeps any.
func (c *Connector) LoadProjections(ctx context.Context, p models.Projections) error {
	loader, ok := c.store.(ProjectionLoader)
	if !ok {
		return errs.Newf(errs.Configuration, "projections_unsupported",
			"%s connector does not store user projections", c.Kind)
	}
	return loader.LoadProjections(ctx, p)
}

func (c *Connector) Close() error {
	return c.store.Close()
}
