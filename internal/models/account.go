package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User is the external identity projection used for validation.
type User struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// TradingAccount is a read-only projection of a bank account owned by the
// external account collaborator.
type TradingAccount struct {
	ID               string          `json:"id"`
	OwnerUserID      string          `json:"owner_user_id"`
	BankID           string          `json:"bank_id"`
	Currency         string          `json:"currency"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Active           bool            `json:"active"`
}

// TradingPermission grants a user the right to trade a symbol from an
// account. Nil caps are unlimited.
type TradingPermission struct {
	UserID         string           `json:"user_id"`
	AccountID      string           `json:"account_id"`
	Symbol         string           `json:"symbol"`
	CanBuy         bool             `json:"can_buy"`
	CanSell        bool             `json:"can_sell"`
	MaxOfferAmount *decimal.Decimal `json:"max_offer_amount,omitempty"`
	DailyLimit     *decimal.Decimal `json:"daily_limit,omitempty"`
}

// Allows reports whether the permission covers side.
func (p TradingPermission) Allows(side Side) bool {
	switch side {
	case SideBuy:
		return p.CanBuy
	case SideSell:
		return p.CanSell
	}
	return false
}

// Projections is a bundle of user, account and permission records loaded
// into a store from the external collaborator.
type Projections struct {
	Users       []User              `json:"users"`
	Accounts    []TradingAccount    `json:"accounts"`
	Permissions []TradingPermission `json:"permissions"`
}

// SymbolSpec describes a tradable symbol and its quantity bounds. A zero
// bound is not enforced.
type SymbolSpec struct {
	Symbol        string          `json:"symbol" mapstructure:"symbol"`
	BaseAsset     string          `json:"base_asset" mapstructure:"base_asset"`
	QuoteCurrency string          `json:"quote_currency" mapstructure:"quote_currency"`
	MinQuantity   decimal.Decimal `json:"min_quantity" mapstructure:"min_quantity"`
	MaxQuantity   decimal.Decimal `json:"max_quantity" mapstructure:"max_quantity"`
}

// ParseSymbol derives a spec without bounds from a BASE/QUOTE or BASE-QUOTE
// symbol. ok is false if the symbol has neither separator.
func ParseSymbol(symbol string) (SymbolSpec, bool) {
	for _, sep := range []string{"/", "-"} {
		base, quote, found := strings.Cut(symbol, sep)
		if found && base != "" && quote != "" {
			return SymbolSpec{Symbol: symbol, BaseAsset: base, QuoteCurrency: quote}, true
		}
	}
	return SymbolSpec{Symbol: symbol}, false
}

// Health is a connector's readiness report.
type Health struct {
	Kind         string        `json:"kind"`
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	CheckedAt    time.Time     `json:"checked_at"`
	Detail       string        `json:"detail,omitempty"`
}
