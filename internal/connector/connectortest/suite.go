// Package connectortest is a behavioural suite every connector backend runs
// in its own tests, so all backends agree on ordering, atomicity and
// error kinds.
package connectortest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

// Base is the reference time used by every fixture. Whole seconds keep
// backends with microsecond timestamps exact.
var Base = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// Factory returns a fresh, empty connector. The suite closes it.
type Factory func(t *testing.T) *connector.Connector

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Offer builds an open offer fixture.
func Offer(id, user string, side models.Side, price, qty string, created time.Time) models.Offer {
	return models.Offer{
		ID:                id,
		UserID:            user,
		CreatedBy:         user,
		ConsentID:         "consent-" + user,
		AccountID:         "acc-" + user,
		BankID:            "bank-1",
		Symbol:            "BTC/EUR",
		Side:              side,
		Price:             dec(price),
		OriginalQuantity:  dec(qty),
		RemainingQuantity: dec(qty),
		Status:            models.OfferActive,
		CreatedAt:         created,
		UpdatedAt:         created,
		ExpiresAt:         created.Add(24 * time.Hour),
		Metadata:          map[string]string{"source": "test"},
	}
}

// Trade builds a pending trade fixture between two offers.
func Trade(id string, buy, sell models.Offer, price, qty string, at time.Time) models.Trade {
	return models.Trade{
		ID:              id,
		InitiatedBy:     sell.CreatedBy,
		ConsentID:       sell.ConsentID,
		Symbol:          buy.Symbol,
		BuyerID:         buy.UserID,
		SellerID:        sell.UserID,
		BuyerAccountID:  buy.AccountID,
		SellerAccountID: sell.AccountID,
		BuyerBankID:     buy.BankID,
		SellerBankID:    sell.BankID,
		Price:           dec(price),
		Quantity:        dec(qty),
		Amount:          models.Amount(dec(price), dec(qty)),
		BuyOfferID:      buy.ID,
		SellOfferID:     sell.ID,
		Status:          models.TradePending,
		ExecutedAt:      at,
	}
}

// Projections is the user fixture loaded by the suite.
func Projections() models.Projections {
	limit := dec("100000")
	return models.Projections{
		Users: []models.User{{ID: "alice", Active: true}, {ID: "bob", Active: true}, {ID: "carol", Active: false}},
		Accounts: []models.TradingAccount{
			{ID: "acc-alice", OwnerUserID: "alice", BankID: "bank-1", Currency: "EUR", AvailableBalance: dec("100000"), Active: true},
			{ID: "acc-bob", OwnerUserID: "bob", BankID: "bank-1", Currency: "EUR", AvailableBalance: dec("50000.5"), Active: true},
		},
		Permissions: []models.TradingPermission{
			{UserID: "alice", AccountID: "acc-alice", Symbol: "BTC/EUR", CanBuy: true, CanSell: true, DailyLimit: &limit},
			{UserID: "bob", AccountID: "acc-bob", Symbol: "BTC/EUR", CanSell: true},
		},
	}
}

// Run executes the full suite against connectors built by newConnector.
func Run(t *testing.T, newConnector Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, c *connector.Connector)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ListActiveOrdering", testListActiveOrdering},
		{"UpdateCheckAndSet", testUpdateCheckAndSet},
		{"Cancel", testCancel},
		{"ListUserOffers", testListUserOffers},
		{"ExpireOffers", testExpireOffers},
		{"Trades", testTrades},
		{"TradeStatus", testTradeStatus},
		{"CommitMatch", testCommitMatch},
		{"CommitMatchConflict", testCommitMatchConflict},
		{"Users", testUsers},
		{"Health", testHealth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConnector(t)
			t.Cleanup(func() { _ = c.Close() })
			tt.fn(t, c)
		})
	}
}

func assertKind(t *testing.T, want errs.Kind, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, errs.KindOf(err), "error: %v", err)
}

func ids(offers []models.Offer) []string {
	out := make([]string, 0, len(offers))
	for _, o := range offers {
		out = append(out, o.ID)
	}
	return out
}

func tradeIDs(trades []models.Trade) []string {
	out := make([]string, 0, len(trades))
	for _, tr := range trades {
		out = append(out, tr.ID)
	}
	return out
}

func testCreateAndGet(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	offer := Offer("O1", "alice", models.SideBuy, "45000.25", "1.5", Base)

	created, err := c.Offers.CreateOffer(ctx, offer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Version)

	got, err := c.Offers.GetOffer(ctx, "O1")
	require.NoError(t, err)
	assert.True(t, created.Equal(got), "got %+v", got)

	_, err = c.Offers.CreateOffer(ctx, offer)
	assertKind(t, errs.Duplicate, err)

	_, err = c.Offers.GetOffer(ctx, "missing")
	assertKind(t, errs.NotFound, err)
}

func testListActiveOrdering(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	offers := []models.Offer{
		Offer("O1", "bob", models.SideSell, "100", "1", Base.Add(2*time.Second)),
		Offer("O2", "bob", models.SideSell, "99.5", "1", Base.Add(3*time.Second)),
		Offer("O3", "bob", models.SideSell, "100", "1", Base.Add(1*time.Second)),
		Offer("O4", "alice", models.SideBuy, "98", "1", Base),
		Offer("O5", "alice", models.SideBuy, "99", "1", Base.Add(4*time.Second)),
		Offer("O6", "alice", models.SideBuy, "98", "1", Base.Add(-time.Second)),
		Offer("O7", "bob", models.SideSell, "1000", "1", Base),
	}
	offers[6].Symbol = "ETH/EUR"
	for _, o := range offers {
		_, err := c.Offers.CreateOffer(ctx, o)
		require.NoError(t, err)
	}

	asks, err := c.Offers.ListActiveOffers(ctx, "BTC/EUR", models.SideSell, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"O2", "O3", "O1"}, ids(asks))

	bids, err := c.Offers.ListActiveOffers(ctx, "BTC/EUR", models.SideBuy, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"O5", "O6"}, ids(bids))

	none, err := c.Offers.ListActiveOffers(ctx, "SOL/EUR", models.SideBuy, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdateCheckAndSet(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	created, err := c.Offers.CreateOffer(ctx, Offer("O1", "alice", models.SideBuy, "100", "2", Base))
	require.NoError(t, err)

	next := created.Fill(dec("0.5"), Base.Add(time.Minute))
	updated, err := c.Offers.UpdateOffer(ctx, next)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)
	assert.Equal(t, models.OfferPartiallyFilled, updated.Status)

	// Same write again carries the old version.
	_, err = c.Offers.UpdateOffer(ctx, next)
	assertKind(t, errs.Conflict, err)

	grow := updated.Clone()
	grow.RemainingQuantity = dec("1.9")
	_, err = c.Offers.UpdateOffer(ctx, grow)
	assertKind(t, errs.Validation, err)

	got, err := c.Offers.GetOffer(ctx, "O1")
	require.NoError(t, err)
	assert.True(t, updated.Equal(got), "got %+v", got)

	shrink := got.Clone()
	shrink.RemainingQuantity = dec("1")
	shrink.ReducedQuantity = dec("0.5")
	reduced, err := c.Offers.UpdateOffer(ctx, shrink)
	require.NoError(t, err)
	got, err = c.Offers.GetOffer(ctx, "O1")
	require.NoError(t, err)
	assert.True(t, reduced.Equal(got), "got %+v", got)
	assert.True(t, got.OriginalQuantity.Equal(dec("2")))
	assert.True(t, got.FilledQuantity().Equal(dec("0.5")), "filled %s", got.FilledQuantity())

	missing := Offer("nope", "alice", models.SideBuy, "1", "1", Base)
	_, err = c.Offers.UpdateOffer(ctx, missing)
	assertKind(t, errs.NotFound, err)
}

func testCancel(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	_, err := c.Offers.CreateOffer(ctx, Offer("O1", "alice", models.SideBuy, "100", "1", Base))
	require.NoError(t, err)

	cancelled, err := c.Offers.CancelOffer(ctx, "O1", Base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.OfferCancelled, cancelled.Status)
	assert.EqualValues(t, 2, cancelled.Version)

	active, err := c.Offers.ListActiveOffers(ctx, "BTC/EUR", models.SideBuy, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = c.Offers.CancelOffer(ctx, "O1", Base.Add(2*time.Minute))
	assertKind(t, errs.Validation, err)

	_, err = c.Offers.CancelOffer(ctx, "missing", Base)
	assertKind(t, errs.NotFound, err)
}

func testListUserOffers(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		user := "alice"
		if i == 3 {
			user = "bob"
		}
		_, err := c.Offers.CreateOffer(ctx, Offer(fmt.Sprintf("O%d", i), user, models.SideBuy, "100", "1", Base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := c.Offers.CancelOffer(ctx, "O2", Base.Add(time.Minute))
	require.NoError(t, err)

	all, err := c.Offers.ListUserOffers(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"O4", "O2", "O1"}, ids(all))

	recent, err := c.Offers.ListUserOffers(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"O4"}, ids(recent))

	none, err := c.Offers.ListUserOffers(ctx, "dave", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testExpireOffers(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	stale1 := Offer("O1", "alice", models.SideBuy, "100", "1", Base)
	stale1.ExpiresAt = Base.Add(time.Minute)
	stale2 := Offer("O2", "bob", models.SideSell, "101", "1", Base)
	stale2.ExpiresAt = Base.Add(2 * time.Minute)
	boundary := Offer("O3", "bob", models.SideSell, "102", "1", Base)
	boundary.ExpiresAt = Base.Add(5 * time.Minute)
	fresh := Offer("O4", "alice", models.SideBuy, "99", "1", Base)
	for _, o := range []models.Offer{stale1, stale2, boundary, fresh} {
		_, err := c.Offers.CreateOffer(ctx, o)
		require.NoError(t, err)
	}
	cutoff := Base.Add(5 * time.Minute)

	n, err := c.Offers.ExpireOffers(ctx, cutoff, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Offers.ExpireOffers(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Offers.ExpireOffers(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []string{"O1", "O2"} {
		got, err := c.Offers.GetOffer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.OfferExpired, got.Status, id)
		assert.EqualValues(t, 2, got.Version, id)
	}
	for _, id := range []string{"O3", "O4"} {
		got, err := c.Offers.GetOffer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.OfferActive, got.Status, id)
	}

	asks, err := c.Offers.ListActiveOffers(ctx, "BTC/EUR", models.SideSell, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"O3"}, ids(asks))
}

func testTrades(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	buy := Offer("O1", "alice", models.SideBuy, "45000", "1", Base)
	sell := Offer("O2", "bob", models.SideSell, "44900", "1", Base)
	t1 := Trade("T1", buy, sell, "44900", "0.25", Base.Add(time.Minute))
	t2 := Trade("T2", buy, sell, "44950", "0.5", Base.Add(2*time.Minute))
	t3 := Trade("T3", buy, sell, "45000", "0.1", Base.Add(3*time.Minute))
	t3.BuyerID = "carol"
	t3.BuyerAccountID = "acc-carol"
	other := Trade("T4", buy, sell, "3000", "2", Base.Add(2*time.Minute))
	other.Symbol = "ETH/EUR"

	for _, tr := range []models.Trade{t1, t2, t3, other} {
		require.NoError(t, c.Trades.RecordTrade(ctx, tr))
	}
	assertKind(t, errs.Duplicate, c.Trades.RecordTrade(ctx, t1))

	got, err := c.Trades.GetTrade(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, t2.Equal(got), "got %+v", got)

	_, err = c.Trades.GetTrade(ctx, "missing")
	assertKind(t, errs.NotFound, err)

	alice, err := c.Trades.ListUserTrades(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"T4", "T2", "T1"}, tradeIDs(alice))

	bob, err := c.Trades.ListUserTrades(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"T3", "T4"}, tradeIDs(bob))

	since, err := c.Trades.ListSymbolTrades(ctx, "BTC/EUR", Base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"T2", "T3"}, tradeIDs(since))

	vol, err := c.Trades.TradeVolume(ctx, "BTC/EUR", Base, Base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, vol.Count)
	assert.True(t, vol.Quantity.Equal(dec("0.75")), vol.Quantity.String())
	assert.True(t, vol.Amount.Equal(dec("33700")), vol.Amount.String())

	empty, err := c.Trades.TradeVolume(ctx, "SOL/EUR", Base, Base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.True(t, empty.Amount.IsZero())
}

func testTradeStatus(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	buy := Offer("O1", "alice", models.SideBuy, "45000", "1", Base)
	sell := Offer("O2", "bob", models.SideSell, "44900", "1", Base)
	require.NoError(t, c.Trades.RecordTrade(ctx, Trade("T1", buy, sell, "44900", "1", Base)))
	require.NoError(t, c.Trades.RecordTrade(ctx, Trade("T2", buy, sell, "44900", "1", Base)))

	settledAt := Base.Add(time.Hour)
	settled, err := c.Trades.SetTradeStatus(ctx, "T1", models.TradeSettled, settledAt, "")
	require.NoError(t, err)
	assert.Equal(t, models.TradeSettled, settled.Status)
	require.NotNil(t, settled.SettledAt)
	assert.True(t, settled.SettledAt.Equal(settledAt))

	_, err = c.Trades.SetTradeStatus(ctx, "T1", models.TradeFailed, settledAt, "late")
	assertKind(t, errs.Validation, err)

	failed, err := c.Trades.SetTradeStatus(ctx, "T2", models.TradeFailed, settledAt, "insufficient hold")
	require.NoError(t, err)
	assert.Equal(t, "insufficient hold", failed.FailureReason)

	got, err := c.Trades.GetTrade(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, models.TradeFailed, got.Status)
	assert.Nil(t, got.SettledAt)

	_, err = c.Trades.SetTradeStatus(ctx, "missing", models.TradeSettled, settledAt, "")
	assertKind(t, errs.NotFound, err)
}

func seedPair(t *testing.T, c *connector.Connector) (models.Offer, models.Offer) {
	t.Helper()
	ctx := context.Background()
	buy, err := c.Offers.CreateOffer(ctx, Offer("O1", "alice", models.SideBuy, "45000", "1.0", Base))
	require.NoError(t, err)
	sell, err := c.Offers.CreateOffer(ctx, Offer("O2", "bob", models.SideSell, "44900", "0.6", Base.Add(time.Second)))
	require.NoError(t, err)
	return buy, sell
}

func testCommitMatch(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	buy, sell := seedPair(t, c)
	at := Base.Add(time.Minute)
	fill := models.Fill{
		Trade: Trade("T1", buy, sell, "44900", "0.6", at),
		Buy:   buy.Fill(dec("0.6"), at),
		Sell:  sell.Fill(dec("0.6"), at),
	}
	require.NoError(t, c.Matches.CommitMatch(ctx, fill))

	gotBuy, err := c.Offers.GetOffer(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferPartiallyFilled, gotBuy.Status)
	assert.True(t, gotBuy.RemainingQuantity.Equal(dec("0.4")))
	assert.EqualValues(t, 2, gotBuy.Version)

	gotSell, err := c.Offers.GetOffer(ctx, "O2")
	require.NoError(t, err)
	assert.Equal(t, models.OfferFilled, gotSell.Status)
	assert.True(t, gotSell.RemainingQuantity.IsZero())

	trade, err := c.Trades.GetTrade(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, fill.Trade.Equal(trade), "got %+v", trade)

	asks, err := c.Offers.ListActiveOffers(ctx, "BTC/EUR", models.SideSell, 0)
	require.NoError(t, err)
	assert.Empty(t, asks)
	bids, err := c.Offers.ListActiveOffers(ctx, "BTC/EUR", models.SideBuy, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"O1"}, ids(bids))
	assert.True(t, bids[0].RemainingQuantity.Equal(dec("0.4")))
}

func testCommitMatchConflict(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	buy, sell := seedPair(t, c)

	// Someone else touches the sell first.
	_, err := c.Offers.UpdateOffer(ctx, sell.Fill(dec("0.1"), Base.Add(time.Second)))
	require.NoError(t, err)

	at := Base.Add(time.Minute)
	fill := models.Fill{
		Trade: Trade("T1", buy, sell, "44900", "0.6", at),
		Buy:   buy.Fill(dec("0.6"), at),
		Sell:  sell.Fill(dec("0.6"), at),
	}
	assertKind(t, errs.Conflict, c.Matches.CommitMatch(ctx, fill))

	_, err = c.Trades.GetTrade(ctx, "T1")
	assertKind(t, errs.NotFound, err)

	gotBuy, err := c.Offers.GetOffer(ctx, "O1")
	require.NoError(t, err)
	assert.True(t, buy.Equal(gotBuy), "buy must be untouched: %+v", gotBuy)

	gotSell, err := c.Offers.GetOffer(ctx, "O2")
	require.NoError(t, err)
	assert.True(t, gotSell.RemainingQuantity.Equal(dec("0.5")))
}

func testUsers(t *testing.T, c *connector.Connector) {
	ctx := context.Background()
	require.NoError(t, c.LoadProjections(ctx, Projections()))

	user, err := c.Users.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, user.Active)

	_, err = c.Users.GetUser(ctx, "dave")
	assertKind(t, errs.NotFound, err)

	acc, err := c.Users.GetAccount(ctx, "acc-bob")
	require.NoError(t, err)
	assert.True(t, acc.AvailableBalance.Equal(dec("50000.5")))
	assert.Equal(t, "EUR", acc.Currency)

	_, err = c.Users.GetAccount(ctx, "acc-dave")
	assertKind(t, errs.NotFound, err)

	owns, err := c.Users.OwnsAccount(ctx, "alice", "acc-alice")
	require.NoError(t, err)
	assert.True(t, owns)
	owns, err = c.Users.OwnsAccount(ctx, "bob", "acc-alice")
	require.NoError(t, err)
	assert.False(t, owns)

	perm, err := c.Users.GetPermission(ctx, "alice", "acc-alice", "BTC/EUR")
	require.NoError(t, err)
	assert.True(t, perm.CanBuy)
	require.NotNil(t, perm.DailyLimit)
	assert.True(t, perm.DailyLimit.Equal(dec("100000")))
	assert.Nil(t, perm.MaxOfferAmount)

	_, err = c.Users.GetPermission(ctx, "bob", "acc-bob", "ETH/EUR")
	assertKind(t, errs.NotFound, err)

	// Loading again replaces records in place.
	p := Projections()
	p.Users[2].Active = true
	require.NoError(t, c.LoadProjections(ctx, p))
	user, err = c.Users.GetUser(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, user.Active)
}

func testHealth(t *testing.T, c *connector.Connector) {
	h := c.Health(context.Background())
	assert.True(t, h.Healthy, h.Detail)
	assert.Equal(t, string(c.Kind), h.Kind)
	assert.False(t, h.CheckedAt.IsZero())
}
