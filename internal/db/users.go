package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

func (db *DB) GetUser(ctx context.Context, id string) (models.User, error) {
	u := models.User{ID: id}
	err := db.Pool.QueryRow(ctx, "SELECT active FROM users WHERE id = $1", id).Scan(&u.Active)
	if err == pgx.ErrNoRows {
		return models.User{}, connector.ProjectionNotFound("user", id)
	}
	if err != nil {
		return models.User{}, wrapErr("get user", err)
	}
	return u, nil
}

func (db *DB) GetAccount(ctx context.Context, id string) (models.TradingAccount, error) {
	a := models.TradingAccount{ID: id}
	var balance string
	err := db.Pool.QueryRow(ctx,
		"SELECT owner_user_id, bank_id, currency, available_balance::text, active FROM accounts WHERE id = $1",
		id).Scan(&a.OwnerUserID, &a.BankID, &a.Currency, &balance, &a.Active)
	if err == pgx.ErrNoRows {
		return models.TradingAccount{}, connector.ProjectionNotFound("account", id)
	}
	if err != nil {
		return models.TradingAccount{}, wrapErr("get account", err)
	}
	if a.AvailableBalance, err = parseDecimal(balance, "available_balance"); err != nil {
		return models.TradingAccount{}, err
	}
	return a, nil
}

func (db *DB) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	var owns bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1 AND owner_user_id = $2)",
		accountID, userID).Scan(&owns)
	if err != nil {
		return false, wrapErr("check account owner", err)
	}
	return owns, nil
}

func (db *DB) GetPermission(ctx context.Context, userID, accountID, symbol string) (models.TradingPermission, error) {
	p := models.TradingPermission{UserID: userID, AccountID: accountID, Symbol: symbol}
	var maxOffer, daily *string
	err := db.Pool.QueryRow(ctx, `
		SELECT can_buy, can_sell, max_offer_amount::text, daily_limit::text
		FROM permissions
		WHERE user_id = $1 AND account_id = $2 AND symbol = $3`,
		userID, accountID, symbol).Scan(&p.CanBuy, &p.CanSell, &maxOffer, &daily)
	if err == pgx.ErrNoRows {
		return models.TradingPermission{}, connector.ProjectionNotFound("permission",
			connector.PermissionKey(userID, accountID, symbol))
	}
	if err != nil {
		return models.TradingPermission{}, wrapErr("get permission", err)
	}
	if p.MaxOfferAmount, err = parseOptionalDecimal(maxOffer, "max_offer_amount"); err != nil {
		return models.TradingPermission{}, err
	}
	if p.DailyLimit, err = parseOptionalDecimal(daily, "daily_limit"); err != nil {
		return models.TradingPermission{}, err
	}
	return p, nil
}

// LoadProjections upserts every record in p in one batch.
func (db *DB) LoadProjections(ctx context.Context, p models.Projections) error {
	return db.inTx(ctx, "load projections", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, u := range p.Users {
			batch.Queue(`
				INSERT INTO users (id, active) VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`,
				u.ID, u.Active)
		}
		for _, a := range p.Accounts {
			batch.Queue(`
				INSERT INTO accounts (id, owner_user_id, bank_id, currency, available_balance, active)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO UPDATE SET
					owner_user_id = EXCLUDED.owner_user_id, bank_id = EXCLUDED.bank_id,
					currency = EXCLUDED.currency, available_balance = EXCLUDED.available_balance,
					active = EXCLUDED.active`,
				a.ID, a.OwnerUserID, a.BankID, a.Currency, a.AvailableBalance.String(), a.Active)
		}
		for _, perm := range p.Permissions {
			batch.Queue(`
				INSERT INTO permissions (user_id, account_id, symbol, can_buy, can_sell, max_offer_amount, daily_limit)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (user_id, account_id, symbol) DO UPDATE SET
					can_buy = EXCLUDED.can_buy, can_sell = EXCLUDED.can_sell,
					max_offer_amount = EXCLUDED.max_offer_amount, daily_limit = EXCLUDED.daily_limit`,
				perm.UserID, perm.AccountID, perm.Symbol, perm.CanBuy, perm.CanSell,
				optionalDecimal(perm.MaxOfferAmount), optionalDecimal(perm.DailyLimit))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
