// Package memstore is the in-process backend. It is the reference
// implementation of the connector rules and the read model the broker
// backends rebuild from their event logs.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

const degree = 16

type bookKey struct {
	symbol string
	side   models.Side
}

// ref orders records by a timestamp, then id.
type ref struct {
	at time.Time
	id string
}

func refLess(a, b ref) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// Store keeps every record in maps and the orderings the connector needs in
// btrees. Indexes only hold open offers.
type Store struct {
	mu sync.RWMutex

	offers     map[string]models.Offer
	books      map[bookKey]*btree.BTreeG[models.Offer]
	expiries   *btree.BTreeG[ref]
	userOffers map[string]*btree.BTreeG[ref]

	trades       map[string]models.Trade
	symbolTrades map[string]*btree.BTreeG[ref]
	userTrades   map[string]*btree.BTreeG[ref]

	users       map[string]models.User
	accounts    map[string]models.TradingAccount
	permissions map[string]models.TradingPermission
}

var (
	_ connector.Store            = (*Store)(nil)
	_ connector.ProjectionLoader = (*Store)(nil)
)

func New() *Store {
	return &Store{
		offers:       make(map[string]models.Offer),
		books:        make(map[bookKey]*btree.BTreeG[models.Offer]),
		expiries:     btree.NewG(degree, refLess),
		userOffers:   make(map[string]*btree.BTreeG[ref]),
		trades:       make(map[string]models.Trade),
		symbolTrades: make(map[string]*btree.BTreeG[ref]),
		userTrades:   make(map[string]*btree.BTreeG[ref]),
		users:        make(map[string]models.User),
		accounts:     make(map[string]models.TradingAccount),
		permissions:  make(map[string]models.TradingPermission),
	}
}

// Open builds a memory connector. It takes no properties.
func Open(_ context.Context, _ connector.Properties, log *logging.Logger) (*connector.Connector, error) {
	log.Debug("using in-memory store, state is lost on exit")
	return connector.New(connector.KindMemory, New()), nil
}

func (s *Store) book(symbol string, side models.Side) *btree.BTreeG[models.Offer] {
	k := bookKey{symbol, side}
	b, ok := s.books[k]
	if !ok {
		b = btree.NewG(degree, func(a, b models.Offer) bool { return models.Ahead(side, a, b) })
		s.books[k] = b
	}
	return b
}

func refTree(m map[string]*btree.BTreeG[ref], key string) *btree.BTreeG[ref] {
	t, ok := m[key]
	if !ok {
		t = btree.NewG(degree, refLess)
		m[key] = t
	}
	return t
}

// putOffer writes o and moves it between indexes. Callers hold mu.
func (s *Store) putOffer(o models.Offer) {
	if prev, ok := s.offers[o.ID]; ok && prev.IsOpen() {
		s.book(prev.Symbol, prev.Side).Delete(prev)
		s.expiries.Delete(ref{prev.ExpiresAt, prev.ID})
	}
	o = o.Clone()
	s.offers[o.ID] = o
	if o.IsOpen() {
		s.book(o.Symbol, o.Side).ReplaceOrInsert(o)
		s.expiries.ReplaceOrInsert(ref{o.ExpiresAt, o.ID})
	}
	refTree(s.userOffers, o.UserID).ReplaceOrInsert(ref{o.CreatedAt, o.ID})
}

// putTrade writes t and its indexes. Callers hold mu.
func (s *Store) putTrade(t models.Trade) {
	s.trades[t.ID] = t
	r := ref{t.ExecutedAt, t.ID}
	refTree(s.symbolTrades, t.Symbol).ReplaceOrInsert(r)
	refTree(s.userTrades, t.BuyerID).ReplaceOrInsert(r)
	refTree(s.userTrades, t.SellerID).ReplaceOrInsert(r)
}

// PutOffer upserts an offer without any checks. Used to replay a log.
func (s *Store) PutOffer(o models.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putOffer(o)
}

// PutTrade upserts a trade without any checks. Used to replay a log.
func (s *Store) PutTrade(t models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putTrade(t)
}

// PutFill applies a committed fill without any checks.
func (s *Store) PutFill(trade models.Trade, buy, sell models.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putTrade(trade)
	s.putOffer(buy)
	s.putOffer(sell)
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }
