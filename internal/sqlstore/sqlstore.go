// Package sqlstore is the MySQL backend built on GORM. Decimal columns are
// mapped to strings so values round-trip without float conversion.
package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

// Store implements connector.Store on a GORM handle.
type Store struct {
	db  *gorm.DB
	log *logging.Logger
}

var (
	_ connector.Store            = (*Store)(nil)
	_ connector.ProjectionLoader = (*Store)(nil)
)

// Open connects to props "dsn". Optional: "max_open_conns", "migrate"
// (default true) to create missing tables on start.
func Open(ctx context.Context, props connector.Properties, log *logging.Logger) (*connector.Connector, error) {
	if err := props.Require("dsn"); err != nil {
		return nil, err
	}
	maxOpen, err := props.Int("max_open_conns", 0)
	if err != nil {
		return nil, err
	}
	migrate, err := props.Bool("migrate", true)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(gormmysql.Open(withParseTime(props["dsn"])), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		return nil, wrapErr("open mysql", err)
	}
	if maxOpen > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, wrapErr("open mysql", err)
		}
		sqlDB.SetMaxOpenConns(maxOpen)
	}

	s := New(db, log)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	log.Info("connected to mysql", zap.Bool("migrated", migrate))
	return connector.New(connector.KindMySQL, s), nil
}

// New wraps an open handle.
func New(db *gorm.DB, log *logging.Logger) *Store {
	return &Store{db: db, log: log}
}

// withParseTime makes the driver return DATETIME columns as UTC times.
func withParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "parseTime=true&loc=UTC"
}

// Migrate creates or extends the tables.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&offerRow{}, &tradeRow{}, &userRow{}, &accountRow{}, &permissionRow{})
	return wrapErr("migrate", err)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapErr("ping mysql", err)
	}
	return wrapErr("ping mysql", sqlDB.PingContext(ctx))
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

const (
	erDupEntry        = 1062
	erLockWaitTimeout = 1205
	erLockDeadlock    = 1213
)

// wrapErr maps GORM and driver failures onto the error taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	var myErr *mysql.MySQLError
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, errs.FromContext(err))
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errs.Wrap(errs.NotFound, err, op)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errs.Wrap(errs.Duplicate, err, op)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn):
		return errs.Wrap(errs.Connection, err, op)
	case errors.As(err, &myErr):
		switch myErr.Number {
		case erDupEntry:
			return errs.Wrap(errs.Duplicate, err, op)
		case erLockDeadlock:
			return errs.Wrap(errs.Conflict, err, op)
		case erLockWaitTimeout:
			return errs.Wrap(errs.Timeout, err, op)
		}
		return errs.Wrap(errs.Unknown, err, op)
	case errors.Is(err, gorm.ErrInvalidDB), errors.Is(err, gorm.ErrInvalidData):
		return errs.Wrap(errs.Unknown, err, op)
	}
	return errs.Wrap(errs.Connection, err, op)
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &myErr) && myErr.Number == erDupEntry)
}

// offerRow is the offers table.
type offerRow struct {
	ID                string            `gorm:"primaryKey;type:varchar(64)"`
	UserID            string            `gorm:"type:varchar(64);not null;index:idx_offers_user,priority:1"`
	CreatedBy         string            `gorm:"type:varchar(64);not null"`
	ConsentID         string            `gorm:"type:varchar(64);not null"`
	AccountID         string            `gorm:"type:varchar(64);not null"`
	BankID            string            `gorm:"type:varchar(64);not null"`
	Symbol            string            `gorm:"type:varchar(32);not null;index:idx_offers_book,priority:1"`
	Side              string            `gorm:"type:varchar(4);not null;index:idx_offers_book,priority:2"`
	Price             string            `gorm:"type:decimal(36,18);not null;index:idx_offers_book,priority:4"`
	OriginalQuantity  string            `gorm:"type:decimal(36,18);not null"`
	RemainingQuantity string            `gorm:"type:decimal(36,18);not null"`
	ReducedQuantity   string            `gorm:"type:decimal(36,18);not null;default:0"`
	Status            string            `gorm:"type:varchar(20);not null;index:idx_offers_book,priority:3;index:idx_offers_expiry,priority:1"`
	Version           uint64            `gorm:"not null"`
	CreatedAt         time.Time         `gorm:"type:datetime(6);not null;autoCreateTime:false;index:idx_offers_user,priority:2"`
	UpdatedAt         time.Time         `gorm:"type:datetime(6);not null;autoUpdateTime:false"`
	ExpiresAt         time.Time         `gorm:"type:datetime(6);not null;index:idx_offers_expiry,priority:2"`
	Metadata          map[string]string `gorm:"type:json;serializer:json"`
}

func (offerRow) TableName() string { return "offers" }

func toOfferRow(o models.Offer) offerRow {
	return offerRow{
		ID:                o.ID,
		UserID:            o.UserID,
		CreatedBy:         o.CreatedBy,
		ConsentID:         o.ConsentID,
		AccountID:         o.AccountID,
		BankID:            o.BankID,
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		Price:             o.Price.String(),
		OriginalQuantity:  o.OriginalQuantity.String(),
		RemainingQuantity: o.RemainingQuantity.String(),
		ReducedQuantity:   o.ReducedQuantity.String(),
		Status:            string(o.Status),
		Version:           o.Version,
		CreatedAt:         o.CreatedAt.UTC(),
		UpdatedAt:         o.UpdatedAt.UTC(),
		ExpiresAt:         o.ExpiresAt.UTC(),
		Metadata:          o.Metadata,
	}
}

func (r offerRow) toModel() (models.Offer, error) {
	o := models.Offer{
		ID:        r.ID,
		UserID:    r.UserID,
		CreatedBy: r.CreatedBy,
		ConsentID: r.ConsentID,
		AccountID: r.AccountID,
		BankID:    r.BankID,
		Symbol:    r.Symbol,
		Side:      models.Side(r.Side),
		Status:    models.OfferStatus(r.Status),
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		o.Metadata = r.Metadata
	}
	var err error
	if o.Price, err = parseDecimal(r.Price, "price"); err != nil {
		return models.Offer{}, err
	}
	if o.OriginalQuantity, err = parseDecimal(r.OriginalQuantity, "original_quantity"); err != nil {
		return models.Offer{}, err
	}
	if o.RemainingQuantity, err = parseDecimal(r.RemainingQuantity, "remaining_quantity"); err != nil {
		return models.Offer{}, err
	}
	if o.ReducedQuantity, err = parseDecimal(r.ReducedQuantity, "reduced_quantity"); err != nil {
		return models.Offer{}, err
	}
	return o, nil
}

// tradeRow is the trades table.
type tradeRow struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)"`
	InitiatedBy     string     `gorm:"type:varchar(64);not null"`
	ConsentID       string     `gorm:"type:varchar(64);not null"`
	Symbol          string     `gorm:"type:varchar(32);not null;index:idx_trades_symbol,priority:1"`
	BuyerID         string     `gorm:"type:varchar(64);not null;index"`
	SellerID        string     `gorm:"type:varchar(64);not null;index"`
	BuyerAccountID  string     `gorm:"type:varchar(64);not null"`
	SellerAccountID string     `gorm:"type:varchar(64);not null"`
	BuyerBankID     string     `gorm:"type:varchar(64);not null"`
	SellerBankID    string     `gorm:"type:varchar(64);not null"`
	Price           string     `gorm:"type:decimal(36,18);not null"`
	Quantity        string     `gorm:"type:decimal(36,18);not null"`
	Amount          string     `gorm:"type:decimal(54,18);not null"`
	BuyOfferID      string     `gorm:"type:varchar(64);not null"`
	SellOfferID     string     `gorm:"type:varchar(64);not null"`
	Status          string     `gorm:"type:varchar(20);not null"`
	ExecutedAt      time.Time  `gorm:"type:datetime(6);not null;index:idx_trades_symbol,priority:2"`
	SettledAt       *time.Time `gorm:"type:datetime(6)"`
	FailureReason   string     `gorm:"type:varchar(255);not null"`
}

func (tradeRow) TableName() string { return "trades" }

func toTradeRow(t models.Trade) tradeRow {
	r := tradeRow{
		ID:              t.ID,
		InitiatedBy:     t.InitiatedBy,
		ConsentID:       t.ConsentID,
		Symbol:          t.Symbol,
		BuyerID:         t.BuyerID,
		SellerID:        t.SellerID,
		BuyerAccountID:  t.BuyerAccountID,
		SellerAccountID: t.SellerAccountID,
		BuyerBankID:     t.BuyerBankID,
		SellerBankID:    t.SellerBankID,
		Price:           t.Price.String(),
		Quantity:        t.Quantity.String(),
		Amount:          t.Amount.String(),
		BuyOfferID:      t.BuyOfferID,
		SellOfferID:     t.SellOfferID,
		Status:          string(t.Status),
		ExecutedAt:      t.ExecutedAt.UTC(),
		FailureReason:   t.FailureReason,
	}
	if t.SettledAt != nil {
		settled := t.SettledAt.UTC()
		r.SettledAt = &settled
	}
	return r
}

func (r tradeRow) toModel() (models.Trade, error) {
	t := models.Trade{
		ID:              r.ID,
		InitiatedBy:     r.InitiatedBy,
		ConsentID:       r.ConsentID,
		Symbol:          r.Symbol,
		BuyerID:         r.BuyerID,
		SellerID:        r.SellerID,
		BuyerAccountID:  r.BuyerAccountID,
		SellerAccountID: r.SellerAccountID,
		BuyerBankID:     r.BuyerBankID,
		SellerBankID:    r.SellerBankID,
		BuyOfferID:      r.BuyOfferID,
		SellOfferID:     r.SellOfferID,
		Status:          models.TradeStatus(r.Status),
		ExecutedAt:      r.ExecutedAt.UTC(),
		FailureReason:   r.FailureReason,
	}
	if r.SettledAt != nil {
		settled := r.SettledAt.UTC()
		t.SettledAt = &settled
	}
	var err error
	if t.Price, err = parseDecimal(r.Price, "price"); err != nil {
		return models.Trade{}, err
	}
	if t.Quantity, err = parseDecimal(r.Quantity, "quantity"); err != nil {
		return models.Trade{}, err
	}
	if t.Amount, err = parseDecimal(r.Amount, "amount"); err != nil {
		return models.Trade{}, err
	}
	return t, nil
}

type userRow struct {
	ID     string `gorm:"primaryKey;type:varchar(64)"`
	Active bool   `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

type accountRow struct {
	ID               string `gorm:"primaryKey;type:varchar(64)"`
	OwnerUserID      string `gorm:"type:varchar(64);not null;index"`
	BankID           string `gorm:"type:varchar(64);not null"`
	Currency         string `gorm:"type:varchar(8);not null"`
	AvailableBalance string `gorm:"type:decimal(36,18);not null"`
	Active           bool   `gorm:"not null"`
}

func (accountRow) TableName() string { return "accounts" }

type permissionRow struct {
	UserID         string  `gorm:"primaryKey;type:varchar(64)"`
	AccountID      string  `gorm:"primaryKey;type:varchar(64)"`
	Symbol         string  `gorm:"primaryKey;type:varchar(32)"`
	CanBuy         bool    `gorm:"not null"`
	CanSell        bool    `gorm:"not null"`
	MaxOfferAmount *string `gorm:"type:decimal(36,18)"`
	DailyLimit     *string `gorm:"type:decimal(36,18)"`
}

func (permissionRow) TableName() string { return "permissions" }

func parseDecimal(s, column string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errs.Wrap(errs.Unknown, err, "decode "+column)
	}
	return d, nil
}

func parseOptionalDecimal(s *string, column string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(*s, column)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func rowsToModels[R any, M any](rows []R, conv func(R) (M, error)) ([]M, error) {
	out := make([]M, 0, len(rows))
	for _, r := range rows {
		m, err := conv(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
