package db

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

const tradeColumns = `id, initiated_by, consent_id, symbol, buyer_id, seller_id,
	buyer_account_id, seller_account_id, buyer_bank_id, seller_bank_id,
	price::text, quantity::text, amount::text, buy_offer_id, sell_offer_id,
	status, executed_at, settled_at, failure_reason`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanTrade(row scanner) (models.Trade, error) {
	var (
		t                       models.Trade
		status                  string
		price, quantity, amount string
	)
	err := row.Scan(&t.ID, &t.InitiatedBy, &t.ConsentID, &t.Symbol, &t.BuyerID, &t.SellerID,
		&t.BuyerAccountID, &t.SellerAccountID, &t.BuyerBankID, &t.SellerBankID,
		&price, &quantity, &amount, &t.BuyOfferID, &t.SellOfferID,
		&status, &t.ExecutedAt, &t.SettledAt, &t.FailureReason)
	if err != nil {
		return models.Trade{}, err
	}
	t.Status = models.TradeStatus(status)
	t.ExecutedAt = t.ExecutedAt.UTC()
	if t.SettledAt != nil {
		settled := t.SettledAt.UTC()
		t.SettledAt = &settled
	}
	if t.Price, err = parseDecimal(price, "price"); err != nil {
		return models.Trade{}, err
	}
	if t.Quantity, err = parseDecimal(quantity, "quantity"); err != nil {
		return models.Trade{}, err
	}
	if t.Amount, err = parseDecimal(amount, "amount"); err != nil {
		return models.Trade{}, err
	}
	return t, nil
}

func insertTrade(ctx context.Context, q execer, t models.Trade) error {
	_, err := q.Exec(ctx, `
		INSERT INTO trades (id, initiated_by, consent_id, symbol, buyer_id, seller_id,
			buyer_account_id, seller_account_id, buyer_bank_id, seller_bank_id,
			price, quantity, amount, buy_offer_id, sell_offer_id,
			status, executed_at, settled_at, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.InitiatedBy, t.ConsentID, t.Symbol, t.BuyerID, t.SellerID,
		t.BuyerAccountID, t.SellerAccountID, t.BuyerBankID, t.SellerBankID,
		t.Price.String(), t.Quantity.String(), t.Amount.String(), t.BuyOfferID, t.SellOfferID,
		string(t.Status), t.ExecutedAt, t.SettledAt, t.FailureReason)
	if isUniqueViolation(err) {
		return connector.TradeExists(t.ID)
	}
	return err
}

func (db *DB) RecordTrade(ctx context.Context, trade models.Trade) error {
	return wrapErr("record trade", insertTrade(ctx, db.Pool, trade))
}

func (db *DB) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	t, err := scanTrade(db.Pool.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return models.Trade{}, connector.TradeNotFound(id)
	}
	if err != nil {
		return models.Trade{}, wrapErr("get trade", err)
	}
	return t, nil
}

func (db *DB) ListUserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2`,
		userID, limitArg(limit))
	if err != nil {
		return nil, wrapErr("list user trades", err)
	}
	trades, err := rowsTo(rows, scanTrade)
	return trades, wrapErr("list user trades", err)
}

func (db *DB) ListSymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE symbol = $1 AND executed_at >= $2
		ORDER BY executed_at ASC, id ASC
		LIMIT $3`,
		symbol, since, limitArg(limit))
	if err != nil {
		return nil, wrapErr("list symbol trades", err)
	}
	trades, err := rowsTo(rows, scanTrade)
	return trades, wrapErr("list symbol trades", err)
}

// TradeVolume sums the window in the database.
func (db *DB) TradeVolume(ctx context.Context, symbol string, from, to time.Time) (models.Volume, error) {
	var quantity, amount string
	var count int64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)::text, COALESCE(SUM(amount), 0)::text, COUNT(*)
		FROM trades
		WHERE symbol = $1 AND executed_at >= $2 AND executed_at < $3`,
		symbol, from, to).Scan(&quantity, &amount, &count)
	if err != nil {
		return models.Volume{}, wrapErr("trade volume", err)
	}
	v := models.Volume{Symbol: symbol, Count: count, From: from, To: to}
	if v.Quantity, err = parseDecimal(quantity, "quantity"); err != nil {
		return models.Volume{}, err
	}
	if v.Amount, err = parseDecimal(amount, "amount"); err != nil {
		return models.Volume{}, err
	}
	return v, nil
}

func (db *DB) SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	var out models.Trade
	err := db.inTx(ctx, "set trade status", func(tx pgx.Tx) error {
		stored, err := scanTrade(tx.QueryRow(ctx,
			"SELECT "+tradeColumns+" FROM trades WHERE id = $1 FOR UPDATE", id))
		if err == pgx.ErrNoRows {
			return connector.TradeNotFound(id)
		}
		if err != nil {
			return err
		}
		next, err := connector.PrepareTradeStatus(stored, status, at, reason)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			"UPDATE trades SET status = $2, settled_at = $3, failure_reason = $4 WHERE id = $1",
			id, string(next.Status), next.SettledAt, next.FailureReason)
		out = next
		return err
	})
	if err != nil {
		return models.Trade{}, err
	}
	return out, nil
}

// CommitMatch locks both offers in id order, so two commits touching the
// same pair cannot deadlock, then writes the trade and both offers in one
// transaction.
func (db *DB) CommitMatch(ctx context.Context, fill models.Fill) error {
	return db.inTx(ctx, "commit match", func(tx pgx.Tx) error {
		ids := []string{fill.Buy.ID, fill.Sell.ID}
		sort.Strings(ids)
		stored := make(map[string]models.Offer, 2)
		for _, id := range ids {
			o, err := selectOfferForUpdate(ctx, tx, id)
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
		if err := insertTrade(ctx, tx, fill.Trade); err != nil {
			return err
		}
		if err := writeOffer(ctx, tx, buy, storedBuy.Version); err != nil {
			return err
		}
		return writeOffer(ctx, tx, sell, storedSell.Version)
	})
}
