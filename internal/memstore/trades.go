package memstore

import (
	"context"
	"time"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) RecordTrade(ctx context.Context, trade models.Trade) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[trade.ID]; ok {
		return connector.TradeExists(trade.ID)
	}
	s.putTrade(trade)
	return nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return models.Trade{}, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return models.Trade{}, connector.TradeNotFound(id)
	}
	return t, nil
}

func (s *Store) ListUserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.userTrades[userID]
	if !ok {
		return nil, nil
	}
	var out []models.Trade
	idx.Descend(func(r ref) bool {
		out = append(out, s.trades[r.id])
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) ListSymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.symbolTrades[symbol]
	if !ok {
		return nil, nil
	}
	var out []models.Trade
	idx.AscendGreaterOrEqual(ref{at: since}, func(r ref) bool {
		out = append(out, s.trades[r.id])
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) TradeVolume(ctx context.Context, symbol string, from, to time.Time) (models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return models.Volume{}, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var window []models.Trade
	if idx, ok := s.symbolTrades[symbol]; ok {
		idx.AscendRange(ref{at: from}, ref{at: to}, func(r ref) bool {
			window = append(window, s.trades[r.id])
			return true
		})
	}
	return connector.SumVolume(symbol, from, to, window), nil
}

func (s *Store) SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return models.Trade{}, errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.trades[id]
	if !ok {
		return models.Trade{}, connector.TradeNotFound(id)
	}
	next, err := connector.PrepareTradeStatus(stored, status, at, reason)
	if err != nil {
		return models.Trade{}, err
	}
	s.trades[id] = next
	return next, nil
}

func (s *Store) CommitMatch(ctx context.Context, fill models.Fill) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buy, sell, err := s.prepareFill(fill)
	if err != nil {
		return err
	}
	s.putTrade(fill.Trade)
	s.putOffer(buy)
	s.putOffer(sell)
	return nil
}

// PrepareFill runs the commit checks against the current state and returns
// the offers a commit would write. Nothing is changed.
func (s *Store) PrepareFill(fill models.Fill) (buy, sell models.Offer, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prepareFill(fill)
}

func (s *Store) prepareFill(fill models.Fill) (buy, sell models.Offer, err error) {
	if _, ok := s.trades[fill.Trade.ID]; ok {
		return buy, sell, connector.TradeExists(fill.Trade.ID)
	}
	storedBuy, ok := s.offers[fill.Buy.ID]
	if !ok {
		return buy, sell, connector.OfferNotFound(fill.Buy.ID)
	}
	storedSell, ok := s.offers[fill.Sell.ID]
	if !ok {
		return buy, sell, connector.OfferNotFound(fill.Sell.ID)
	}
	return connector.PrepareFill(fill, storedBuy, storedSell)
}
