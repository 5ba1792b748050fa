package validation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

// ValidateTradeCompatibility checks that buy and sell may trade with each
// other at now.
func ValidateTradeCompatibility(buy, sell models.Offer, now time.Time) error {
	var err error
	if buy.Symbol != sell.Symbol {
		err = multierr.Append(err, errs.Field("symbol", "symbol_mismatch",
			"buy offer is on %s but sell offer is on %s", buy.Symbol, sell.Symbol))
	}
	if buy.Side != models.SideBuy {
		err = multierr.Append(err, errs.Field("side", "not_a_buy", "offer %s is not a buy", buy.ID))
	}
	if sell.Side != models.SideSell {
		err = multierr.Append(err, errs.Field("side", "not_a_sell", "offer %s is not a sell", sell.ID))
	}
	for _, o := range []models.Offer{buy, sell} {
		if !o.IsOpen() {
			err = multierr.Append(err, errs.Field("status", "offer_not_open",
				"offer %s is %s", o.ID, o.Status))
		}
		if o.IsExpired(now) {
			err = multierr.Append(err, errs.Field("expires_at", "offer_expired",
				"offer %s expired at %s", o.ID, o.ExpiresAt.Format(time.RFC3339)))
		}
	}
	if buy.Price.LessThan(sell.Price) {
		err = multierr.Append(err, errs.Field("price", "prices_do_not_cross",
			"bid %s is below ask %s", buy.Price, sell.Price))
	}
	return err
}

// ValidateTradeQuantity checks 0 < qty <= min(buy.remaining, sell.remaining).
func ValidateTradeQuantity(buy, sell models.Offer, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return errs.Field("quantity", "quantity_not_positive", "trade quantity must be positive, got %s", qty)
	}
	available := decimal.Min(buy.RemainingQuantity, sell.RemainingQuantity)
	if qty.GreaterThan(available) {
		return errs.Field("quantity", "quantity_exceeds_remaining",
			"trade quantity %s exceeds available %s", qty, available)
	}
	return nil
}

// ValidateTradeAccounts checks that the parties are distinct and that amount
// is exactly price times qty.
func ValidateTradeAccounts(buy, sell models.Offer, price, qty, amount decimal.Decimal) error {
	var err error
	if buy.UserID == sell.UserID {
		err = multierr.Append(err, errs.Field("user_id", "self_trade",
			"buyer and seller are both %s", buy.UserID))
	}
	if buy.AccountID == sell.AccountID {
		err = multierr.Append(err, errs.Field("account_id", "same_account",
			"buyer and seller share account %s", buy.AccountID))
	}
	if want := models.Amount(price, qty); !amount.Equal(want) {
		err = multierr.Append(err, errs.Field("amount", "amount_mismatch",
			"amount %s is not %s x %s = %s", amount, price, qty, want))
	}
	return err
}

// ValidateTrade runs every trade-level check against a proposed trade.
func ValidateTrade(buy, sell models.Offer, trade models.Trade, now time.Time) error {
	return multierr.Combine(
		ValidateTradeCompatibility(buy, sell, now),
		ValidateTradeQuantity(buy, sell, trade.Quantity),
		ValidateTradeAccounts(buy, sell, trade.Price, trade.Quantity, trade.Amount),
	)
}

// Errors flattens err into its typed violations. Untyped errors are wrapped
// as Unknown so nothing is dropped.
func Errors(err error) []*errs.Error {
	if err == nil {
		return nil
	}
	var out []*errs.Error
	for _, e := range multierr.Errors(err) {
		var typed *errs.Error
		if errors.As(e, &typed) {
			out = append(out, typed)
			continue
		}
		out = append(out, errs.Wrap(errs.Unknown, e, "validation"))
	}
	return out
}

// Codes returns the code of every violation in err, in order.
func Codes(err error) []string {
	var codes []string
	for _, e := range Errors(err) {
		codes = append(codes, e.Code)
	}
	return codes
}
