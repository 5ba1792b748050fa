// Package validation holds the pure, error-accumulating checks applied
// before an offer is admitted, updated or matched. No check performs I/O;
// every input, including the current time, is passed in.
package validation

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

// Limits bounds a user's offer activity. Zero disables a limit.
type Limits struct {
	MaxOpenOffers          int `mapstructure:"max_open_offers"`
	MaxOpenOffersPerSymbol int `mapstructure:"max_open_offers_per_symbol"`
	MaxOffersPerMinute     int `mapstructure:"max_offers_per_minute"`
}

// Activity summarises a user's existing offers for limit checks.
type Activity struct {
	OpenOffers          int
	OpenOffersForSymbol int
	CreatedLastMinute   int
	// CommittedToday is the notional of offers created since UTC midnight,
	// rejected ones excluded.
	CommittedToday decimal.Decimal
}

// Summarize derives Activity from a user's offers as of now.
func Summarize(offers []models.Offer, symbol string, now time.Time) Activity {
	var a Activity
	minuteAgo := now.Add(-time.Minute)
	midnight := now.UTC().Truncate(24 * time.Hour)
	for _, o := range offers {
		if o.IsOpen() {
			a.OpenOffers++
			if o.Symbol == symbol {
				a.OpenOffersForSymbol++
			}
		}
		if o.CreatedAt.After(minuteAgo) && !o.CreatedAt.After(now) {
			a.CreatedLastMinute++
		}
		if !o.CreatedAt.Before(midnight) && o.Status != models.OfferRejected {
			a.CommittedToday = a.CommittedToday.Add(o.Amount())
		}
	}
	return a
}

// NewOfferInput gathers everything needed to decide whether an offer may be
// admitted. Nil projections mean the collaborator had no record.
type NewOfferInput struct {
	Request     models.OfferRequest
	Now         time.Time
	User        *models.User
	Account     *models.TradingAccount
	OwnsAccount bool
	Permission  *models.TradingPermission
	// Delegate is the submitter's own permission on the account, loaded
	// only when it acts on behalf of the owner.
	Delegate *models.TradingPermission
	Symbol   models.SymbolSpec
	Limits   Limits
	Activity Activity
}

// ValidateNewOffer runs every admission check and returns all violations.
func ValidateNewOffer(in NewOfferInput) error {
	req := in.Request
	err := multierr.Combine(
		checkRequestShape(req),
		checkPriceAndQuantity(req, in.Symbol),
		checkExpiry(req.ExpiresAt, in.Now),
		checkUser(in.User),
	)

	priced := req.Price.IsPositive() && req.Quantity.IsPositive()
	amount := req.Amount()

	err = multierr.Append(err, checkDelegation(req, in.Delegate))
	err = multierr.Append(err, checkAccount(req, in.Account, in.OwnsAccount, in.Symbol, amount, priced))
	err = multierr.Append(err, checkPermission(req, in.Permission, amount, in.Activity.CommittedToday, priced))
	err = multierr.Append(err, checkLimits(in.Limits, in.Activity))
	return err
}

func checkRequestShape(req models.OfferRequest) error {
	var err error
	required := []struct{ field, value string }{
		{"user_id", req.UserID},
		{"created_by", req.CreatedBy},
		{"account_id", req.AccountID},
		{"bank_id", req.BankID},
		{"symbol", req.Symbol},
	}
	for _, r := range required {
		if r.value == "" {
			err = multierr.Append(err, errs.Field(r.field, "required", "%s is required", r.field))
		}
	}
	if !req.Side.Valid() {
		err = multierr.Append(err, errs.Field("side", "invalid_side", "side must be buy or sell, got %q", req.Side))
	}
	return err
}

func checkPriceAndQuantity(req models.OfferRequest, spec models.SymbolSpec) error {
	var err error
	if !req.Price.IsPositive() {
		err = multierr.Append(err, errs.Field("price", "price_not_positive", "price must be positive, got %s", req.Price))
	}
	if !req.Quantity.IsPositive() {
		return multierr.Append(err, errs.Field("quantity", "quantity_not_positive", "quantity must be positive, got %s", req.Quantity))
	}
	if spec.MinQuantity.IsPositive() && req.Quantity.LessThan(spec.MinQuantity) {
		err = multierr.Append(err, errs.Field("quantity", "quantity_below_min",
			"quantity %s is below the %s minimum of %s", req.Quantity, spec.Symbol, spec.MinQuantity))
	}
	if spec.MaxQuantity.IsPositive() && req.Quantity.GreaterThan(spec.MaxQuantity) {
		err = multierr.Append(err, errs.Field("quantity", "quantity_above_max",
			"quantity %s exceeds the %s maximum of %s", req.Quantity, spec.Symbol, spec.MaxQuantity))
	}
	return err
}

func checkExpiry(expiresAt, now time.Time) error {
	if !expiresAt.After(now) {
		return errs.Field("expires_at", "expiry_not_in_future",
			"expiry %s must be after %s", expiresAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}

func checkUser(user *models.User) error {
	if user == nil {
		return errs.Field("user_id", "user_not_found", "user is not known to the account service")
	}
	if !user.Active {
		return errs.Field("user_id", "user_inactive", "user %s is not active", user.ID)
	}
	return nil
}

func checkAccount(req models.OfferRequest, acc *models.TradingAccount, owns bool, spec models.SymbolSpec, amount decimal.Decimal, priced bool) error {
	if acc == nil {
		return errs.Field("account_id", "account_not_found", "account %s not found", req.AccountID)
	}
	var err error
	if !acc.Active {
		err = multierr.Append(err, errs.Field("account_id", "account_inactive", "account %s is not active", acc.ID))
	}
	if !owns {
		err = multierr.Append(err, &errs.Error{
			Kind: errs.Permission, Code: "account_not_owned", Field: "account_id",
			Message: "account " + acc.ID + " is not owned by user " + req.UserID,
		})
	}
	if req.BankID != "" && acc.BankID != "" && acc.BankID != req.BankID {
		err = multierr.Append(err, errs.Field("bank_id", "bank_mismatch",
			"account %s is held at bank %s, not %s", acc.ID, acc.BankID, req.BankID))
	}
	if spec.QuoteCurrency != "" && acc.Currency != spec.QuoteCurrency {
		err = multierr.Append(err, errs.Field("account_id", "currency_mismatch",
			"account currency %s does not match %s quote currency %s", acc.Currency, spec.Symbol, spec.QuoteCurrency))
	}
	if priced && acc.AvailableBalance.LessThan(amount) {
		err = multierr.Append(err, errs.Field("account_id", "insufficient_funds",
			"available balance %s is below offer amount %s", acc.AvailableBalance, amount))
	}
	return err
}

// checkDelegation admits a submitter acting for another user only with a
// consent and a permission of its own on the account for the offer's side.
func checkDelegation(req models.OfferRequest, delegate *models.TradingPermission) error {
	if !req.OnBehalf() {
		return nil
	}
	var err error
	if req.ConsentID == "" {
		err = &errs.Error{
			Kind: errs.Permission, Code: "consent_missing", Field: "consent_id",
			Message: "acting for user " + req.UserID + " requires a consent",
		}
	}
	if delegate == nil || (req.Side.Valid() && !delegate.Allows(req.Side)) {
		err = multierr.Append(err, &errs.Error{
			Kind: errs.Permission, Code: "delegation_not_permitted", Field: "created_by",
			Message: "user " + req.CreatedBy + " may not trade account " + req.AccountID + " for user " + req.UserID,
		})
	}
	return err
}

func checkPermission(req models.OfferRequest, perm *models.TradingPermission, amount, committedToday decimal.Decimal, priced bool) error {
	if perm == nil {
		return &errs.Error{
			Kind: errs.Permission, Code: "permission_missing", Field: "symbol",
			Message: "no trading permission for " + req.Symbol,
		}
	}
	var err error
	if req.Side.Valid() && !perm.Allows(req.Side) {
		err = multierr.Append(err, &errs.Error{
			Kind: errs.Permission, Code: "side_not_permitted", Field: "side",
			Message: string(req.Side) + " offers are not permitted for " + req.Symbol,
		})
	}
	if !priced {
		return err
	}
	if perm.MaxOfferAmount != nil && amount.GreaterThan(*perm.MaxOfferAmount) {
		err = multierr.Append(err, errs.Field("quantity", "offer_amount_exceeds_cap",
			"offer amount %s exceeds the per-offer cap of %s", amount, *perm.MaxOfferAmount))
	}
	if perm.DailyLimit != nil {
		remaining := perm.DailyLimit.Sub(committedToday)
		if amount.GreaterThan(remaining) {
			err = multierr.Append(err, errs.Field("quantity", "daily_limit_exceeded",
				"offer amount %s exceeds the remaining daily limit of %s", amount, decimal.Max(remaining, decimal.Zero)))
		}
	}
	return err
}

func checkLimits(limits Limits, a Activity) error {
	var err error
	if limits.MaxOpenOffers > 0 && a.OpenOffers >= limits.MaxOpenOffers {
		err = multierr.Append(err, errs.Field("user_id", "too_many_open_offers",
			"user already has %d open offers (limit %d)", a.OpenOffers, limits.MaxOpenOffers))
	}
	if limits.MaxOpenOffersPerSymbol > 0 && a.OpenOffersForSymbol >= limits.MaxOpenOffersPerSymbol {
		err = multierr.Append(err, errs.Field("symbol", "too_many_open_offers_for_symbol",
			"user already has %d open offers on this symbol (limit %d)", a.OpenOffersForSymbol, limits.MaxOpenOffersPerSymbol))
	}
	if limits.MaxOffersPerMinute > 0 && a.CreatedLastMinute >= limits.MaxOffersPerMinute {
		err = multierr.Append(err, errs.Field("user_id", "rate_limited",
			"%d offers created in the last minute (limit %d)", a.CreatedLastMinute, limits.MaxOffersPerMinute))
	}
	return err
}

// ValidateOfferUpdate checks that next is a legal successor of prev.
func ValidateOfferUpdate(prev, next models.Offer) error {
	var err error
	immutable := []struct{ field, before, after string }{
		{"id", prev.ID, next.ID},
		{"user_id", prev.UserID, next.UserID},
		{"account_id", prev.AccountID, next.AccountID},
		{"bank_id", prev.BankID, next.BankID},
		{"symbol", prev.Symbol, next.Symbol},
		{"side", string(prev.Side), string(next.Side)},
	}
	for _, f := range immutable {
		if f.before != f.after {
			err = multierr.Append(err, errs.Field(f.field, "immutable_field",
				"%s cannot change from %q to %q", f.field, f.before, f.after))
		}
	}
	if !next.OriginalQuantity.Equal(prev.OriginalQuantity) {
		err = multierr.Append(err, errs.Field("original_quantity", "immutable_field",
			"original_quantity cannot change from %s to %s", prev.OriginalQuantity, next.OriginalQuantity))
	}
	if next.ReducedQuantity.LessThan(prev.ReducedQuantity) {
		err = multierr.Append(err, errs.Field("reduced_quantity", "quantity_decrease",
			"reduced quantity cannot decrease from %s to %s", prev.ReducedQuantity, next.ReducedQuantity))
	}
	if next.RemainingQuantity.IsNegative() {
		err = multierr.Append(err, errs.Field("remaining_quantity", "quantity_negative",
			"remaining quantity cannot be negative, got %s", next.RemainingQuantity))
	}
	if next.RemainingQuantity.GreaterThan(prev.RemainingQuantity) {
		err = multierr.Append(err, errs.Field("remaining_quantity", "quantity_increase",
			"remaining quantity cannot increase from %s to %s", prev.RemainingQuantity, next.RemainingQuantity))
	}
	if next.RemainingQuantity.Add(next.ReducedQuantity).GreaterThan(next.OriginalQuantity) {
		err = multierr.Append(err, errs.Field("remaining_quantity", "quantity_above_original",
			"remaining quantity %s plus reduced %s exceeds original quantity %s",
			next.RemainingQuantity, next.ReducedQuantity, next.OriginalQuantity))
	}
	if next.Status != prev.Status && !prev.Status.CanTransition(next.Status) {
		err = multierr.Append(err, errs.Field("status", "invalid_transition",
			"status cannot move from %s to %s", prev.Status, next.Status))
	}
	return err
}
