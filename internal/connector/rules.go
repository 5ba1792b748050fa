package connector

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
	"github.com/xtrntr/offerbook/internal/validation"
)

// The helpers below hold the mutation rules shared by every backend. A
// backend loads the stored record, applies a rule and writes the result in
// one atomic step of its own.

// PrepareCreate checks a new offer and stamps its first version.
func PrepareCreate(o models.Offer) (models.Offer, error) {
	if o.ID == "" {
		return models.Offer{}, errs.Field("id", "required", "offer id is required")
	}
	if !o.Status.IsOpen() {
		return models.Offer{}, errs.Field("status", "invalid_status", "new offer must be open, got %s", o.Status)
	}
	if o.RemainingQuantity.GreaterThan(o.OriginalQuantity) {
		return models.Offer{}, errs.Field("remaining_quantity", "quantity_above_original",
			"remaining quantity %s exceeds original %s", o.RemainingQuantity, o.OriginalQuantity)
	}
	if !o.ReducedQuantity.IsZero() {
		return models.Offer{}, errs.Field("reduced_quantity", "invalid_quantity",
			"new offer cannot carry a reduction, got %s", o.ReducedQuantity)
	}
	next := o.Clone()
	next.Version = 1
	return next, nil
}

// PrepareUpdate checks next against the stored offer and returns it with the
// version bumped.
func PrepareUpdate(stored, next models.Offer) (models.Offer, error) {
	if stored.Version != next.Version {
		return models.Offer{}, StaleOffer(stored.ID, next.Version, stored.Version)
	}
	if err := validation.ValidateOfferUpdate(stored, next); err != nil {
		return models.Offer{}, err
	}
	out := next.Clone()
	out.Version = stored.Version + 1
	return out, nil
}

// PrepareCancel moves an open offer to Cancelled.
func PrepareCancel(stored models.Offer, at time.Time) (models.Offer, error) {
	if !stored.IsOpen() {
		return models.Offer{}, errs.Newf(errs.Validation, "offer_not_open",
			"offer %s is %s and cannot be cancelled", stored.ID, stored.Status)
	}
	next := stored.Clone()
	next.Status = models.OfferCancelled
	next.UpdatedAt = at
	next.Version++
	return next, nil
}

// PrepareExpire moves an open offer whose expiry is strictly before cutoff
// to Expired. ok is false when the offer is not eligible.
func PrepareExpire(stored models.Offer, cutoff time.Time) (next models.Offer, ok bool) {
	if !stored.IsOpen() || !stored.ExpiresAt.Before(cutoff) {
		return stored, false
	}
	next = stored.Clone()
	next.Status = models.OfferExpired
	next.UpdatedAt = cutoff
	next.Version++
	return next, true
}

// PrepareFill checks both sides of a fill against their stored versions and
// returns the offers to write.
func PrepareFill(fill models.Fill, storedBuy, storedSell models.Offer) (buy, sell models.Offer, err error) {
	if fill.Trade.BuyOfferID != fill.Buy.ID || fill.Trade.SellOfferID != fill.Sell.ID {
		return buy, sell, errs.Newf(errs.Validation, "fill_mismatch",
			"trade %s does not reference offers %s and %s", fill.Trade.ID, fill.Buy.ID, fill.Sell.ID)
	}
	if buy, err = PrepareUpdate(storedBuy, fill.Buy); err != nil {
		return buy, sell, err
	}
	if sell, err = PrepareUpdate(storedSell, fill.Sell); err != nil {
		return buy, sell, err
	}
	return buy, sell, nil
}

// PrepareTradeStatus applies a settlement transition.
func PrepareTradeStatus(stored models.Trade, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	if !stored.Status.CanTransition(status) {
		return models.Trade{}, errs.Newf(errs.Validation, "invalid_transition",
			"trade %s cannot move from %s to %s", stored.ID, stored.Status, status)
	}
	next := stored
	next.Status = status
	switch status {
	case models.TradeSettled:
		settled := at
		next.SettledAt = &settled
	case models.TradeFailed:
		next.FailureReason = reason
	}
	return next, nil
}

// SumVolume aggregates trades of symbol executed in [from, to).
func SumVolume(symbol string, from, to time.Time, trades []models.Trade) models.Volume {
	v := models.Volume{Symbol: symbol, Quantity: decimal.Zero, Amount: decimal.Zero, From: from, To: to}
	for _, t := range trades {
		if t.Symbol != symbol || t.ExecutedAt.Before(from) || !t.ExecutedAt.Before(to) {
			continue
		}
		v.Quantity = v.Quantity.Add(t.Quantity)
		v.Amount = v.Amount.Add(t.Amount)
		v.Count++
	}
	return v
}

// Truncate caps s at limit entries. limit <= 0 keeps everything.
func Truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func StaleOffer(id string, have, stored uint64) error {
	return errs.Newf(errs.Conflict, "stale_version",
		"offer %s is at version %d, caller had %d", id, stored, have)
}

func OfferNotFound(id string) error {
	return errs.Newf(errs.NotFound, "offer_not_found", "offer %s not found", id)
}

func TradeNotFound(id string) error {
	return errs.Newf(errs.NotFound, "trade_not_found", "trade %s not found", id)
}

func OfferExists(id string) error {
	return errs.Newf(errs.Duplicate, "offer_exists", "offer %s already exists", id)
}

func TradeExists(id string) error {
	return errs.Newf(errs.Duplicate, "trade_exists", "trade %s already exists", id)
}

// ProjectionNotFound reports a missing user, account or permission record.
func ProjectionNotFound(what, id string) error {
	return errs.Newf(errs.NotFound, what+"_not_found", "%s %s not found", what, id)
}

// PermissionKey identifies a permission record.
func PermissionKey(userID, accountID, symbol string) string {
	return userID + "|" + accountID + "|" + symbol
}
