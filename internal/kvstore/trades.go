package kvstore

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) getTrade(id string) (models.Trade, error) {
	t, found, err := get[models.Trade](s, tradeKey(id))
	if err != nil {
		return models.Trade{}, err
	}
	if !found {
		return models.Trade{}, connector.TradeNotFound(id)
	}
	return t, nil
}

func (s *Store) loadTrades(ids []string) ([]models.Trade, error) {
	out := make([]models.Trade, 0, len(ids))
	for _, id := range ids {
		t, err := s.getTrade(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) RecordTrade(ctx context.Context, trade models.Trade) error {
	unlock, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	found, err := s.exists(tradeKey(trade.ID))
	if err != nil {
		return err
	}
	if found {
		return connector.TradeExists(trade.ID)
	}
	return s.commit("record trade", func(b *pebble.Batch) error {
		return putTrade(b, trade, false)
	})
}

func (s *Store) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return models.Trade{}, err
	}
	defer unlock()
	return s.getTrade(id)
}

func (s *Store) ListUserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prefix := key(pUserTrade, userID, "")
	var ids []string
	err = s.scan(prefix, prefixEnd(prefix), true, func(id string) bool {
		ids = append(ids, id)
		return limit <= 0 || len(ids) < limit
	})
	if err != nil {
		return nil, err
	}
	return s.loadTrades(ids)
}

func (s *Store) ListSymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prefix := key(pSymTrade, symbol, "")
	var ids []string
	err = s.scan(key(pSymTrade, symbol, timeKey(since)), prefixEnd(prefix), false, func(id string) bool {
		ids = append(ids, id)
		return limit <= 0 || len(ids) < limit
	})
	if err != nil {
		return nil, err
	}
	return s.loadTrades(ids)
}

func (s *Store) TradeVolume(ctx context.Context, symbol string, from, to time.Time) (models.Volume, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return models.Volume{}, err
	}
	defer unlock()

	var ids []string
	err = s.scan(key(pSymTrade, symbol, timeKey(from)), key(pSymTrade, symbol, timeKey(to)), false, func(id string) bool {
		ids = append(ids, id)
		return true
	})
	if err != nil {
		return models.Volume{}, err
	}
	trades, err := s.loadTrades(ids)
	if err != nil {
		return models.Volume{}, err
	}
	return connector.SumVolume(symbol, from, to, trades), nil
}

func (s *Store) SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return models.Trade{}, err
	}
	defer unlock()

	stored, err := s.getTrade(id)
	if err != nil {
		return models.Trade{}, err
	}
	next, err := connector.PrepareTradeStatus(stored, status, at, reason)
	if err != nil {
		return models.Trade{}, err
	}
	err = s.commit("set trade status", func(b *pebble.Batch) error {
		return putTrade(b, next, true)
	})
	if err != nil {
		return models.Trade{}, err
	}
	return next, nil
}

func (s *Store) CommitMatch(ctx context.Context, fill models.Fill) error {
	unlock, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	found, err := s.exists(tradeKey(fill.Trade.ID))
	if err != nil {
		return err
	}
	if found {
		return connector.TradeExists(fill.Trade.ID)
	}
	storedBuy, err := s.getOffer(fill.Buy.ID)
	if err != nil {
		return err
	}
	storedSell, err := s.getOffer(fill.Sell.ID)
	if err != nil {
		return err
	}
	buy, sell, err := connector.PrepareFill(fill, storedBuy, storedSell)
	if err != nil {
		return err
	}
	return s.commit("commit match", func(b *pebble.Batch) error {
		if err := putTrade(b, fill.Trade, false); err != nil {
			return err
		}
		if err := putOffer(b, &storedBuy, buy); err != nil {
			return err
		}
		return putOffer(b, &storedSell, sell)
	})
}
