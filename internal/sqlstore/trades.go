package sqlstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

func createTrade(tx *gorm.DB, t models.Trade) error {
	row := toTradeRow(t)
	err := tx.Create(&row).Error
	if isDuplicate(err) {
		return connector.TradeExists(t.ID)
	}
	return err
}

func (s *Store) RecordTrade(ctx context.Context, trade models.Trade) error {
	return wrapErr("record trade", createTrade(s.db.WithContext(ctx), trade))
}

func (s *Store) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	var row tradeRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Trade{}, connector.TradeNotFound(id)
	}
	if err != nil {
		return models.Trade{}, wrapErr("get trade", err)
	}
	return row.toModel()
}

func (s *Store) ListUserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("executed_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapErr("list user trades", err)
	}
	return rowsToModels(rows, tradeRow.toModel)
}

func (s *Store) ListSymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).
		Where("symbol = ? AND executed_at >= ?", symbol, since.UTC()).
		Order("executed_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapErr("list symbol trades", err)
	}
	return rowsToModels(rows, tradeRow.toModel)
}

// TradeVolume sums the window in the database.
func (s *Store) TradeVolume(ctx context.Context, symbol string, from, to time.Time) (models.Volume, error) {
	var agg struct {
		Quantity string
		Amount   string
		Count    int64
	}
	err := s.db.WithContext(ctx).Model(&tradeRow{}).
		Select("CAST(COALESCE(SUM(quantity), 0) AS CHAR) AS quantity, CAST(COALESCE(SUM(amount), 0) AS CHAR) AS amount, COUNT(*) AS count").
		Where("symbol = ? AND executed_at >= ? AND executed_at < ?", symbol, from.UTC(), to.UTC()).
		Scan(&agg).Error
	if err != nil {
		return models.Volume{}, wrapErr("trade volume", err)
	}
	v := models.Volume{Symbol: symbol, Count: agg.Count, From: from, To: to}
	if v.Quantity, err = parseDecimal(agg.Quantity, "quantity"); err != nil {
		return models.Volume{}, err
	}
	if v.Amount, err = parseDecimal(agg.Amount, "amount"); err != nil {
		return models.Volume{}, err
	}
	return v, nil
}

func (s *Store) SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	var out models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row tradeRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return connector.TradeNotFound(id)
		}
		if err != nil {
			return err
		}
		stored, err := row.toModel()
		if err != nil {
			return err
		}
		next, err := connector.PrepareTradeStatus(stored, status, at, reason)
		if err != nil {
			return err
		}
		updated := toTradeRow(next)
		out = next
		return tx.Model(&tradeRow{}).Where("id = ?", id).
			Select("status", "settled_at", "failure_reason").
			Updates(&updated).Error
	})
	if err != nil {
		return models.Trade{}, wrapErr("set trade status", err)
	}
	return out, nil
}

// CommitMatch locks both offers in id order, then writes the trade and both
// offers in one transaction.
func (s *Store) CommitMatch(ctx context.Context, fill models.Fill) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := []string{fill.Buy.ID, fill.Sell.ID}
		sort.Strings(ids)
		stored := make(map[string]models.Offer, 2)
		for _, id := range ids {
			o, err := lockOffer(tx, id)
			if err != nil {
				return err
			}
			stored[id] = o
		}
		storedBuy, storedSell := stored[fill.Buy.ID], stored[fill.Sell.ID]
		buy, sell, err := connector.PrepareFill(fill, storedBuy, storedSell)
		if err != nil {
			return err
		}
		if err := createTrade(tx, fill.Trade); err != nil {
			return err
		}
		if err := saveOffer(tx, buy, storedBuy.Version); err != nil {
			return err
		}
		return saveOffer(tx, sell, storedSell.Version)
	})
	return wrapErr("commit match", err)
}
