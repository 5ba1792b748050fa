package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) RecordTrade(ctx context.Context, trade models.Trade) error {
	key := s.tradeKey(trade.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return connector.TradeExists(trade.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeTrade(ctx, pipe, trade, false)
		})
		return err
	}, key)
	return wrapErr("record trade", err)
}

func (s *Store) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	return s.getTrade(ctx, s.client, id)
}

func (s *Store) loadTrades(ctx context.Context, ids []string) ([]models.Trade, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.tradeKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapErr("load trades", err)
	}
	out := make([]models.Trade, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decode[models.Trade]([]byte(str), "trade")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ListUserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.userTradesKey(userID), 0, stop).Result()
	if err != nil {
		return nil, wrapErr("list user trades", err)
	}
	return s.loadTrades(ctx, ids)
}

func (s *Store) ListSymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error) {
	by := &redis.ZRangeBy{
		Min: strconv.FormatFloat(timeScore(since), 'f', 0, 64),
		Max: "+inf",
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.symbolTradesKey(symbol), by).Result()
	if err != nil {
		return nil, wrapErr("list symbol trades", err)
	}
	return s.loadTrades(ctx, ids)
}

func (s *Store) TradeVolume(ctx context.Context, symbol string, from, to time.Time) (models.Volume, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.symbolTradesKey(symbol), &redis.ZRangeBy{
		Min: strconv.FormatFloat(timeScore(from), 'f', 0, 64),
		Max: "(" + strconv.FormatFloat(timeScore(to), 'f', 0, 64),
	}).Result()
	if err != nil {
		return models.Volume{}, wrapErr("trade volume", err)
	}
	trades, err := s.loadTrades(ctx, ids)
	if err != nil {
		return models.Volume{}, err
	}
	return connector.SumVolume(symbol, from, to, trades), nil
}

func (s *Store) SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	var out models.Trade
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.getTrade(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := connector.PrepareTradeStatus(stored, status, at, reason)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeTrade(ctx, pipe, next, true)
		})
		out = next
		return err
	}, s.tradeKey(id))
	if err != nil {
		return models.Trade{}, wrapErr("set trade status", err)
	}
	return out, nil
}

func (s *Store) CommitMatch(ctx context.Context, fill models.Fill) error {
	keys := []string{s.offerKey(fill.Buy.ID), s.offerKey(fill.Sell.ID), s.tradeKey(fill.Trade.ID)}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.tradeKey(fill.Trade.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return connector.TradeExists(fill.Trade.ID)
		}
		storedBuy, err := s.getOffer(ctx, tx, fill.Buy.ID)
		if err != nil {
			return err
		}
		storedSell, err := s.getOffer(ctx, tx, fill.Sell.ID)
		if err != nil {
			return err
		}
		buy, sell, err := connector.PrepareFill(fill, storedBuy, storedSell)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.writeTrade(ctx, pipe, fill.Trade, false); err != nil {
				return err
			}
			if err := s.writeOffer(ctx, pipe, &storedBuy, buy); err != nil {
				return err
			}
			return s.writeOffer(ctx, pipe, &storedSell, sell)
		})
		return err
	}, keys...)
	return wrapErr("commit match", err)
}
