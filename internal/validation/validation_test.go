package validation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

var now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func validInput() NewOfferInput {
	return NewOfferInput{
		Request: models.OfferRequest{
			UserID:    "alice",
			CreatedBy: "alice",
			ConsentID: "consent-1",
			AccountID: "acc-alice",
			BankID:    "bank-1",
			Symbol:    "BTC/EUR",
			Side:      models.SideBuy,
			Price:     dec("45000"),
			Quantity:  dec("1.0"),
			ExpiresAt: now.Add(time.Hour),
		},
		Now:  now,
		User: &models.User{ID: "alice", Active: true},
		Account: &models.TradingAccount{
			ID: "acc-alice", OwnerUserID: "alice", BankID: "bank-1",
			Currency: "EUR", AvailableBalance: dec("100000"), Active: true,
		},
		OwnsAccount: true,
		Permission: &models.TradingPermission{
			UserID: "alice", AccountID: "acc-alice", Symbol: "BTC/EUR", CanBuy: true, CanSell: true,
		},
		Symbol: models.SymbolSpec{
			Symbol: "BTC/EUR", BaseAsset: "BTC", QuoteCurrency: "EUR",
			MinQuantity: dec("0.001"), MaxQuantity: dec("100"),
		},
		Limits: Limits{MaxOpenOffers: 10, MaxOpenOffersPerSymbol: 5, MaxOffersPerMinute: 3},
	}
}

func TestValidateNewOffer(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *NewOfferInput)
		codes  []string
	}{
		{name: "Valid", mutate: func(in *NewOfferInput) {}},
		{
			name:   "ZeroPrice",
			mutate: func(in *NewOfferInput) { in.Request.Price = decimal.Zero },
			codes:  []string{"price_not_positive"},
		},
		{
			name:   "NegativeQuantity",
			mutate: func(in *NewOfferInput) { in.Request.Quantity = dec("-1") },
			codes:  []string{"quantity_not_positive"},
		},
		{
			name:   "BelowMinimum",
			mutate: func(in *NewOfferInput) { in.Request.Quantity = dec("0.0001") },
			codes:  []string{"quantity_below_min"},
		},
		{
			name: "AboveMaximum",
			mutate: func(in *NewOfferInput) {
				in.Request.Quantity = dec("101")
				in.Request.Price = dec("1")
			},
			codes: []string{"quantity_above_max"},
		},
		{
			name:   "ExpiryNow",
			mutate: func(in *NewOfferInput) { in.Request.ExpiresAt = now },
			codes:  []string{"expiry_not_in_future"},
		},
		{
			name:   "ExpiryPast",
			mutate: func(in *NewOfferInput) { in.Request.ExpiresAt = now.Add(-time.Minute) },
			codes:  []string{"expiry_not_in_future"},
		},
		{
			name:   "MissingFields",
			mutate: func(in *NewOfferInput) { in.Request.BankID = ""; in.Request.Side = "hold" },
			codes:  []string{"required", "invalid_side"},
		},
		{
			name:   "UnknownUser",
			mutate: func(in *NewOfferInput) { in.User = nil },
			codes:  []string{"user_not_found"},
		},
		{
			name:   "InactiveAccount",
			mutate: func(in *NewOfferInput) { in.Account.Active = false },
			codes:  []string{"account_inactive"},
		},
		{
			name:   "NotOwned",
			mutate: func(in *NewOfferInput) { in.OwnsAccount = false },
			codes:  []string{"account_not_owned"},
		},
		{
			name:   "InsufficientFunds",
			mutate: func(in *NewOfferInput) { in.Account.AvailableBalance = dec("44999.99") },
			codes:  []string{"insufficient_funds"},
		},
		{
			name:   "CurrencyMismatch",
			mutate: func(in *NewOfferInput) { in.Account.Currency = "USD" },
			codes:  []string{"currency_mismatch"},
		},
		{
			name:   "NoPermission",
			mutate: func(in *NewOfferInput) { in.Permission = nil },
			codes:  []string{"permission_missing"},
		},
		{
			name:   "SideNotPermitted",
			mutate: func(in *NewOfferInput) { in.Permission.CanBuy = false },
			codes:  []string{"side_not_permitted"},
		},
		{
			name:   "PerOfferCap",
			mutate: func(in *NewOfferInput) { in.Permission.MaxOfferAmount = ptr(dec("10000")) },
			codes:  []string{"offer_amount_exceeds_cap"},
		},
		{
			name: "DailyCap",
			mutate: func(in *NewOfferInput) {
				in.Permission.DailyLimit = ptr(dec("50000"))
				in.Activity.CommittedToday = dec("5000.01")
			},
			codes: []string{"daily_limit_exceeded"},
		},
		{
			name: "DailyCapExactlyReached",
			mutate: func(in *NewOfferInput) {
				in.Permission.DailyLimit = ptr(dec("50000"))
				in.Activity.CommittedToday = dec("5000")
			},
		},
		{
			name: "OpenOfferLimits",
			mutate: func(in *NewOfferInput) {
				in.Activity.OpenOffers = 10
				in.Activity.OpenOffersForSymbol = 5
			},
			codes: []string{"too_many_open_offers", "too_many_open_offers_for_symbol"},
		},
		{
			name:   "RateLimited",
			mutate: func(in *NewOfferInput) { in.Activity.CreatedLastMinute = 3 },
			codes:  []string{"rate_limited"},
		},
		{
			name: "ZeroLimitsAreUnlimited",
			mutate: func(in *NewOfferInput) {
				in.Limits = Limits{}
				in.Activity = Activity{OpenOffers: 1000, OpenOffersForSymbol: 1000, CreatedLastMinute: 1000}
			},
		},
		{
			name: "OnBehalfWithGrant",
			mutate: func(in *NewOfferInput) {
				in.Request.CreatedBy = "agent"
				in.Delegate = &models.TradingPermission{UserID: "agent", AccountID: "acc-alice", Symbol: "BTC/EUR", CanBuy: true}
			},
		},
		{
			name:   "OnBehalfWithoutGrant",
			mutate: func(in *NewOfferInput) { in.Request.CreatedBy = "mallory" },
			codes:  []string{"delegation_not_permitted"},
		},
		{
			name: "OnBehalfWrongSide",
			mutate: func(in *NewOfferInput) {
				in.Request.CreatedBy = "agent"
				in.Delegate = &models.TradingPermission{UserID: "agent", AccountID: "acc-alice", Symbol: "BTC/EUR", CanSell: true}
			},
			codes: []string{"delegation_not_permitted"},
		},
		{
			name: "OnBehalfWithoutConsent",
			mutate: func(in *NewOfferInput) {
				in.Request.CreatedBy = "agent"
				in.Request.ConsentID = ""
				in.Delegate = &models.TradingPermission{UserID: "agent", AccountID: "acc-alice", Symbol: "BTC/EUR", CanBuy: true}
			},
			codes: []string{"consent_missing"},
		},
		{
			name: "AccumulatesEverything",
			mutate: func(in *NewOfferInput) {
				in.Request.Price = decimal.Zero
				in.Request.ExpiresAt = now.Add(-time.Hour)
				in.Account.Active = false
				in.Account.Currency = "USD"
			},
			codes: []string{"price_not_positive", "expiry_not_in_future", "account_inactive", "currency_mismatch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			err := ValidateNewOffer(in)
			if len(tt.codes) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ElementsMatch(t, tt.codes, Codes(err))
		})
	}
}

func TestValidateNewOffer_Kinds(t *testing.T) {
	in := validInput()
	in.OwnsAccount = false
	in.Request.Price = dec("-1")
	in.Request.CreatedBy = "mallory"

	for _, e := range Errors(ValidateNewOffer(in)) {
		switch e.Code {
		case "account_not_owned", "delegation_not_permitted":
			assert.Equal(t, errs.Permission, e.Kind)
		default:
			assert.Equal(t, errs.Validation, e.Kind, e.Code)
		}
		assert.NotEmpty(t, e.Message)
	}
}

func TestSummarize(t *testing.T) {
	offers := []models.Offer{
		{Symbol: "BTC/EUR", Status: models.OfferActive, Price: dec("10"), OriginalQuantity: dec("1"), CreatedAt: now.Add(-10 * time.Second)},
		{Symbol: "ETH/EUR", Status: models.OfferPartiallyFilled, Price: dec("5"), OriginalQuantity: dec("2"), CreatedAt: now.Add(-2 * time.Minute)},
		{Symbol: "BTC/EUR", Status: models.OfferRejected, Price: dec("99"), OriginalQuantity: dec("1"), CreatedAt: now.Add(-5 * time.Second)},
		{Symbol: "BTC/EUR", Status: models.OfferFilled, Price: dec("1"), OriginalQuantity: dec("1"), CreatedAt: now.Add(-24 * time.Hour)},
	}

	a := Summarize(offers, "BTC/EUR", now)
	assert.Equal(t, 2, a.OpenOffers)
	assert.Equal(t, 1, a.OpenOffersForSymbol)
	assert.Equal(t, 2, a.CreatedLastMinute)
	assert.True(t, a.CommittedToday.Equal(dec("20")), a.CommittedToday.String())
}

func openOffer(id, user, account string, side models.Side, price, qty string) models.Offer {
	return models.Offer{
		ID: id, UserID: user, CreatedBy: user, AccountID: account, BankID: "bank-1",
		Symbol: "BTC/EUR", Side: side, Price: dec(price),
		OriginalQuantity: dec(qty), RemainingQuantity: dec(qty),
		Status: models.OfferActive, Version: 1,
		CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour),
	}
}

func TestValidateOfferUpdate(t *testing.T) {
	prev := openOffer("O1", "alice", "acc-a", models.SideBuy, "100", "2")
	prev.RemainingQuantity = dec("1.5")
	prev.Status = models.OfferPartiallyFilled

	tests := []struct {
		name   string
		mutate func(o *models.Offer)
		codes  []string
	}{
		{name: "Decrease", mutate: func(o *models.Offer) { o.RemainingQuantity = dec("1") }},
		{name: "Unchanged", mutate: func(o *models.Offer) {}},
		{
			name:   "Increase",
			mutate: func(o *models.Offer) { o.RemainingQuantity = dec("1.6") },
			codes:  []string{"quantity_increase"},
		},
		{
			name:   "Negative",
			mutate: func(o *models.Offer) { o.RemainingQuantity = dec("-0.1") },
			codes:  []string{"quantity_negative"},
		},
		{
			name: "Reduced",
			mutate: func(o *models.Offer) {
				o.RemainingQuantity = dec("1")
				o.ReducedQuantity = dec("0.5")
			},
		},
		{
			name:   "ReducedBeyondOriginal",
			mutate: func(o *models.Offer) { o.ReducedQuantity = dec("1") },
			codes:  []string{"quantity_above_original"},
		},
		{
			name:   "OriginalChanged",
			mutate: func(o *models.Offer) { o.OriginalQuantity = dec("1.5") },
			codes:  []string{"immutable_field"},
		},
		{
			name: "IdentityChanged",
			mutate: func(o *models.Offer) {
				o.UserID = "mallory"
				o.Side = models.SideSell
			},
			codes: []string{"immutable_field", "immutable_field"},
		},
		{
			name:   "BackToActive",
			mutate: func(o *models.Offer) { o.Status = models.OfferActive },
			codes:  []string{"invalid_transition"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := prev.Clone()
			tt.mutate(&next)
			err := ValidateOfferUpdate(prev, next)
			assert.ElementsMatch(t, tt.codes, Codes(err))
		})
	}
}

func TestValidateTrade(t *testing.T) {
	buy := openOffer("O1", "alice", "acc-a", models.SideBuy, "45000", "1.0")
	sell := openOffer("O2", "bob", "acc-b", models.SideSell, "44900", "0.6")
	trade := models.Trade{Price: dec("44900"), Quantity: dec("0.6"), Amount: dec("26940")}

	require.NoError(t, ValidateTrade(buy, sell, trade, now))

	tests := []struct {
		name  string
		buy   func(o *models.Offer)
		sell  func(o *models.Offer)
		trade func(t *models.Trade)
		codes []string
	}{
		{
			name:  "NoCross",
			buy:   func(o *models.Offer) { o.Price = dec("44899") },
			codes: []string{"prices_do_not_cross"},
		},
		{
			name:  "SwappedSides",
			buy:   func(o *models.Offer) { o.Side = models.SideSell },
			sell:  func(o *models.Offer) { o.Side = models.SideBuy },
			codes: []string{"not_a_buy", "not_a_sell"},
		},
		{
			name:  "DifferentSymbols",
			sell:  func(o *models.Offer) { o.Symbol = "ETH/EUR" },
			codes: []string{"symbol_mismatch"},
		},
		{
			name:  "Filled",
			sell:  func(o *models.Offer) { o.Status = models.OfferFilled },
			codes: []string{"offer_not_open"},
		},
		{
			name:  "Expired",
			buy:   func(o *models.Offer) { o.ExpiresAt = now },
			codes: []string{"offer_expired"},
		},
		{
			name:  "TooMuch",
			trade: func(t *models.Trade) { t.Quantity = dec("0.7"); t.Amount = dec("31430") },
			codes: []string{"quantity_exceeds_remaining"},
		},
		{
			name:  "ZeroQuantity",
			trade: func(t *models.Trade) { t.Quantity = decimal.Zero; t.Amount = decimal.Zero },
			codes: []string{"quantity_not_positive"},
		},
		{
			name:  "SelfTrade",
			sell:  func(o *models.Offer) { o.UserID = "alice"; o.AccountID = "acc-a" },
			codes: []string{"self_trade", "same_account"},
		},
		{
			name:  "AmountDrift",
			trade: func(t *models.Trade) { t.Amount = dec("26940.000001") },
			codes: []string{"amount_mismatch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, s, tr := buy.Clone(), sell.Clone(), trade
			if tt.buy != nil {
				tt.buy(&b)
			}
			if tt.sell != nil {
				tt.sell(&s)
			}
			if tt.trade != nil {
				tt.trade(&tr)
			}
			assert.ElementsMatch(t, tt.codes, Codes(ValidateTrade(b, s, tr, now)))
		})
	}
}

func TestValidateTradeCompatibility_CrossingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bid := rapid.Int64Range(1, 1_000_000).Draw(t, "bid")
		ask := rapid.Int64Range(1, 1_000_000).Draw(t, "ask")

		buy := openOffer("O1", "alice", "acc-a", models.SideBuy, "1", "1")
		sell := openOffer("O2", "bob", "acc-b", models.SideSell, "1", "1")
		buy.Price = decimal.New(bid, -2)
		sell.Price = decimal.New(ask, -2)

		err := ValidateTradeCompatibility(buy, sell, now)
		if (err == nil) != (bid >= ask) {
			t.Fatalf("bid %d ask %d: crossing=%v err=%v", bid, ask, bid >= ask, err)
		}
	})
}

func TestValidateTradeAccounts_AmountProperty(t *testing.T) {
	buy := openOffer("O1", "alice", "acc-a", models.SideBuy, "1", "1")
	sell := openOffer("O2", "bob", "acc-b", models.SideSell, "1", "1")

	rapid.Check(t, func(t *rapid.T) {
		price := decimal.New(rapid.Int64Range(1, 1<<40).Draw(t, "price"), -int32(rapid.IntRange(0, 8).Draw(t, "pexp")))
		qty := decimal.New(rapid.Int64Range(1, 1<<40).Draw(t, "qty"), -int32(rapid.IntRange(0, 8).Draw(t, "qexp")))
		if err := ValidateTradeAccounts(buy, sell, price, qty, models.Amount(price, qty)); err != nil {
			t.Fatalf("exact amount rejected: %v", err)
		}
	})
}
