package models

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an offer.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the side an offer on s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferActive          OfferStatus = "active"
	OfferPartiallyFilled OfferStatus = "partially_filled"
	OfferFilled          OfferStatus = "filled"
	OfferCancelled       OfferStatus = "cancelled"
	OfferExpired         OfferStatus = "expired"
	OfferRejected        OfferStatus = "rejected"
)

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferActive:          {OfferPartiallyFilled, OfferFilled, OfferCancelled, OfferExpired, OfferRejected},
	OfferPartiallyFilled: {OfferFilled, OfferCancelled, OfferExpired},
}

// CanTransition reports whether the lifecycle allows moving from s to to.
func (s OfferStatus) CanTransition(to OfferStatus) bool {
	for _, next := range offerTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsOpen reports whether an offer in this status can still be matched.
func (s OfferStatus) IsOpen() bool {
	return s == OfferActive || s == OfferPartiallyFilled
}

func (s OfferStatus) IsTerminal() bool {
	return len(offerTransitions[s]) == 0
}

// Offer is a standing buy or sell intention at a fixed price.
type Offer struct {
	ID string `json:"id"`
	// UserID owns the offer; CreatedBy is the user that submitted it under
	// ConsentID. They differ for delegated trading.
	UserID            string            `json:"user_id"`
	CreatedBy         string            `json:"created_by"`
	ConsentID         string            `json:"consent_id"`
	AccountID         string            `json:"account_id"`
	BankID            string            `json:"bank_id"`
	Symbol            string            `json:"symbol"`
	Side              Side              `json:"side"`
	Price             decimal.Decimal   `json:"price"`
	OriginalQuantity  decimal.Decimal   `json:"original_quantity"`
	RemainingQuantity decimal.Decimal   `json:"remaining_quantity"`
	ReducedQuantity   decimal.Decimal   `json:"reduced_quantity"`
	Status            OfferStatus       `json:"status"`
	Version           uint64            `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// FilledQuantity is the part of the original quantity already traded. The
// part withdrawn by reductions is not counted.
func (o Offer) FilledQuantity() decimal.Decimal {
	return o.OriginalQuantity.Sub(o.RemainingQuantity).Sub(o.ReducedQuantity)
}

// FillPercentage returns the filled share of the offer in percent, rounded
// to two decimal places.
func (o Offer) FillPercentage() decimal.Decimal {
	if o.OriginalQuantity.IsZero() {
		return decimal.Zero
	}
	return o.FilledQuantity().Mul(decimal.NewFromInt(100)).DivRound(o.OriginalQuantity, 2)
}

// IsExpired reports whether the offer's expiry is at or before now.
func (o Offer) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

func (o Offer) IsOpen() bool { return o.Status.IsOpen() }

// Amount is the notional value of the full offer.
func (o Offer) Amount() decimal.Decimal {
	return Amount(o.Price, o.OriginalQuantity)
}

// Fill returns a copy of o with qty removed from the remaining quantity and
// the status advanced accordingly.
func (o Offer) Fill(qty decimal.Decimal, at time.Time) Offer {
	next := o.Clone()
	next.RemainingQuantity = o.RemainingQuantity.Sub(qty)
	if next.RemainingQuantity.IsZero() {
		next.Status = OfferFilled
	} else {
		next.Status = OfferPartiallyFilled
	}
	next.UpdatedAt = at
	return next
}

// Clone returns a deep copy of o.
func (o Offer) Clone() Offer {
	c := o
	if o.Metadata != nil {
		c.Metadata = maps.Clone(o.Metadata)
	}
	return c
}

// Equal compares offers field by field using exact decimal equality.
func (o Offer) Equal(p Offer) bool {
	return o.ID == p.ID &&
		o.UserID == p.UserID &&
		o.CreatedBy == p.CreatedBy &&
		o.ConsentID == p.ConsentID &&
		o.AccountID == p.AccountID &&
		o.BankID == p.BankID &&
		o.Symbol == p.Symbol &&
		o.Side == p.Side &&
		o.Price.Equal(p.Price) &&
		o.OriginalQuantity.Equal(p.OriginalQuantity) &&
		o.RemainingQuantity.Equal(p.RemainingQuantity) &&
		o.ReducedQuantity.Equal(p.ReducedQuantity) &&
		o.Status == p.Status &&
		o.Version == p.Version &&
		o.CreatedAt.Equal(p.CreatedAt) &&
		o.UpdatedAt.Equal(p.UpdatedAt) &&
		o.ExpiresAt.Equal(p.ExpiresAt) &&
		maps.Equal(o.Metadata, p.Metadata)
}

// TradeStatus is the settlement state of a trade.
type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeSettled TradeStatus = "settled"
	TradeFailed  TradeStatus = "failed"
)

// CanTransition reports whether settlement may move a trade from s to to.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	return s == TradePending && (to == TradeSettled || to == TradeFailed)
}

// Trade is the immutable record of one execution between a buy and a sell
// offer. Only its settlement fields change after creation.
type Trade struct {
	ID              string          `json:"id"`
	InitiatedBy     string          `json:"initiated_by"`
	ConsentID       string          `json:"consent_id"`
	Symbol          string          `json:"symbol"`
	BuyerID         string          `json:"buyer_id"`
	SellerID        string          `json:"seller_id"`
	BuyerAccountID  string          `json:"buyer_account_id"`
	SellerAccountID string          `json:"seller_account_id"`
	BuyerBankID     string          `json:"buyer_bank_id"`
	SellerBankID    string          `json:"seller_bank_id"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Amount          decimal.Decimal `json:"amount"`
	BuyOfferID      string          `json:"buy_offer_id"`
	SellOfferID     string          `json:"sell_offer_id"`
	Status          TradeStatus     `json:"status"`
	ExecutedAt      time.Time       `json:"executed_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
}

// Involves reports whether userID is the buyer or the seller.
func (t Trade) Involves(userID string) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// Equal compares trades field by field using exact decimal equality.
func (t Trade) Equal(u Trade) bool {
	settled := (t.SettledAt == nil) == (u.SettledAt == nil)
	if settled && t.SettledAt != nil {
		settled = t.SettledAt.Equal(*u.SettledAt)
	}
	return t.ID == u.ID &&
		t.InitiatedBy == u.InitiatedBy &&
		t.ConsentID == u.ConsentID &&
		t.Symbol == u.Symbol &&
		t.BuyerID == u.BuyerID &&
		t.SellerID == u.SellerID &&
		t.BuyerAccountID == u.BuyerAccountID &&
		t.SellerAccountID == u.SellerAccountID &&
		t.BuyerBankID == u.BuyerBankID &&
		t.SellerBankID == u.SellerBankID &&
		t.Price.Equal(u.Price) &&
		t.Quantity.Equal(u.Quantity) &&
		t.Amount.Equal(u.Amount) &&
		t.BuyOfferID == u.BuyOfferID &&
		t.SellOfferID == u.SellOfferID &&
		t.Status == u.Status &&
		t.ExecutedAt.Equal(u.ExecutedAt) &&
		settled &&
		t.FailureReason == u.FailureReason
}

// Fill is one match ready to be committed: the trade plus both offers in
// their post-trade state. Version on each offer is the version read before
// the match; stores reject the commit if either has moved on.
type Fill struct {
	Trade Trade `json:"trade"`
	Buy   Offer `json:"buy"`
	Sell  Offer `json:"sell"`
}

// Volume aggregates executed trades over a window.
type Volume struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int64           `json:"count"`
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
}

// Amount computes price × quantity exactly.
func Amount(price, quantity decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity)
}

// OfferRequest is a caller's request to place an offer.
type OfferRequest struct {
	UserID    string            `json:"user_id"`
	CreatedBy string            `json:"created_by"`
	ConsentID string            `json:"consent_id"`
	AccountID string            `json:"account_id"`
	BankID    string            `json:"bank_id"`
	Symbol    string            `json:"symbol"`
	Side      Side              `json:"side"`
	Price     decimal.Decimal   `json:"price"`
	Quantity  decimal.Decimal   `json:"quantity"`
	ExpiresAt time.Time         `json:"expires_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OnBehalf reports whether the submitter acts for another owner.
func (r OfferRequest) OnBehalf() bool {
	return r.CreatedBy != "" && r.CreatedBy != r.UserID
}

// Amount is the notional value of the request.
func (r OfferRequest) Amount() decimal.Decimal {
	return Amount(r.Price, r.Quantity)
}
