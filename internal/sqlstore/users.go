package sqlstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var row userRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, connector.ProjectionNotFound("user", id)
	}
	if err != nil {
		return models.User{}, wrapErr("get user", err)
	}
	return models.User{ID: row.ID, Active: row.Active}, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.TradingAccount, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TradingAccount{}, connector.ProjectionNotFound("account", id)
	}
	if err != nil {
		return models.TradingAccount{}, wrapErr("get account", err)
	}
	balance, err := parseDecimal(row.AvailableBalance, "available_balance")
	if err != nil {
		return models.TradingAccount{}, err
	}
	return models.TradingAccount{
		ID:               row.ID,
		OwnerUserID:      row.OwnerUserID,
		BankID:           row.BankID,
		Currency:         row.Currency,
		AvailableBalance: balance,
		Active:           row.Active,
	}, nil
}

func (s *Store) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&accountRow{}).
		Where("id = ? AND owner_user_id = ?", accountID, userID).
		Count(&n).Error
	if err != nil {
		return false, wrapErr("check account owner", err)
	}
	return n > 0, nil
}

func (s *Store) GetPermission(ctx context.Context, userID, accountID, symbol string) (models.TradingPermission, error) {
	var row permissionRow
	err := s.db.WithContext(ctx).
		First(&row, "user_id = ? AND account_id = ? AND symbol = ?", userID, accountID, symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TradingPermission{}, connector.ProjectionNotFound("permission",
			connector.PermissionKey(userID, accountID, symbol))
	}
	if err != nil {
		return models.TradingPermission{}, wrapErr("get permission", err)
	}
	p := models.TradingPermission{
		UserID:    row.UserID,
		AccountID: row.AccountID,
		Symbol:    row.Symbol,
		CanBuy:    row.CanBuy,
		CanSell:   row.CanSell,
	}
	if p.MaxOfferAmount, err = parseOptionalDecimal(row.MaxOfferAmount, "max_offer_amount"); err != nil {
		return models.TradingPermission{}, err
	}
	if p.DailyLimit, err = parseOptionalDecimal(row.DailyLimit, "daily_limit"); err != nil {
		return models.TradingPermission{}, err
	}
	return p, nil
}

// LoadProjections upserts every record in p in one transaction.
func (s *Store) LoadProjections(ctx context.Context, p models.Projections) error {
	upsert := clause.OnConflict{UpdateAll: true}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(p.Users) > 0 {
			rows := make([]userRow, 0, len(p.Users))
			for _, u := range p.Users {
				rows = append(rows, userRow{ID: u.ID, Active: u.Active})
			}
			if err := tx.Clauses(upsert).Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(p.Accounts) > 0 {
			rows := make([]accountRow, 0, len(p.Accounts))
			for _, a := range p.Accounts {
				rows = append(rows, accountRow{
					ID:               a.ID,
					OwnerUserID:      a.OwnerUserID,
					BankID:           a.BankID,
					Currency:         a.Currency,
					AvailableBalance: a.AvailableBalance.String(),
					Active:           a.Active,
				})
			}
			if err := tx.Clauses(upsert).Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(p.Permissions) > 0 {
			rows := make([]permissionRow, 0, len(p.Permissions))
			for _, perm := range p.Permissions {
				rows = append(rows, permissionRow{
					UserID:         perm.UserID,
					AccountID:      perm.AccountID,
					Symbol:         perm.Symbol,
					CanBuy:         perm.CanBuy,
					CanSell:        perm.CanSell,
					MaxOfferAmount: optionalString(perm.MaxOfferAmount),
					DailyLimit:     optionalString(perm.DailyLimit),
				})
			}
			if err := tx.Clauses(upsert).Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("load projections", err)
}
