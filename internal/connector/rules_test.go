package connector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stored() models.Offer {
	return models.Offer{
		ID: "O1", UserID: "alice", AccountID: "acc", BankID: "b", Symbol: "BTC/EUR", Side: models.SideBuy,
		Price: dec("100"), OriginalQuantity: dec("2"), RemainingQuantity: dec("2"),
		Status: models.OfferActive, Version: 4, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour),
	}
}

func TestPrepareCreate(t *testing.T) {
	o := stored()
	o.Version = 9
	got, err := PrepareCreate(o)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)

	o.ID = ""
	_, err = PrepareCreate(o)
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	o = stored()
	o.Status = models.OfferFilled
	_, err = PrepareCreate(o)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestPrepareUpdate(t *testing.T) {
	s := stored()

	next, err := PrepareUpdate(s, s.Fill(dec("1"), t0))
	require.NoError(t, err)
	assert.EqualValues(t, 5, next.Version)

	stale := s.Fill(dec("1"), t0)
	stale.Version = 3
	_, err = PrepareUpdate(s, stale)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	grow := s.Clone()
	grow.RemainingQuantity = dec("3")
	_, err = PrepareUpdate(s, grow)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestPrepareCancelAndExpire(t *testing.T) {
	s := stored()

	cancelled, err := PrepareCancel(s, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.OfferCancelled, cancelled.Status)
	assert.EqualValues(t, 5, cancelled.Version)

	_, err = PrepareCancel(cancelled, t0)
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	_, ok := PrepareExpire(s, s.ExpiresAt)
	assert.False(t, ok, "expiry equal to cutoff is not before it")

	expired, ok := PrepareExpire(s, s.ExpiresAt.Add(time.Nanosecond))
	require.True(t, ok)
	assert.Equal(t, models.OfferExpired, expired.Status)

	_, ok = PrepareExpire(expired, s.ExpiresAt.Add(time.Hour))
	assert.False(t, ok)
}

func TestPrepareFill(t *testing.T) {
	buy := stored()
	sell := stored()
	sell.ID, sell.Side, sell.UserID = "O2", models.SideSell, "bob"
	trade := models.Trade{ID: "T1", BuyOfferID: "O1", SellOfferID: "O2"}

	fill := models.Fill{Trade: trade, Buy: buy.Fill(dec("2"), t0), Sell: sell.Fill(dec("1"), t0)}
	nb, ns, err := PrepareFill(fill, buy, sell)
	require.NoError(t, err)
	assert.Equal(t, models.OfferFilled, nb.Status)
	assert.Equal(t, models.OfferPartiallyFilled, ns.Status)

	moved := sell
	moved.Version++
	_, _, err = PrepareFill(fill, buy, moved)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	fill.Trade.SellOfferID = "O3"
	_, _, err = PrepareFill(fill, buy, sell)
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestPrepareTradeStatus(t *testing.T) {
	trade := models.Trade{ID: "T1", Status: models.TradePending}

	settled, err := PrepareTradeStatus(trade, models.TradeSettled, t0, "")
	require.NoError(t, err)
	require.NotNil(t, settled.SettledAt)
	assert.Nil(t, trade.SettledAt)

	failed, err := PrepareTradeStatus(trade, models.TradeFailed, t0, "no funds")
	require.NoError(t, err)
	assert.Equal(t, "no funds", failed.FailureReason)
	assert.Nil(t, failed.SettledAt)

	_, err = PrepareTradeStatus(settled, models.TradeFailed, t0, "")
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestSumVolume(t *testing.T) {
	trades := []models.Trade{
		{Symbol: "BTC/EUR", Quantity: dec("0.1"), Amount: dec("10"), ExecutedAt: t0},
		{Symbol: "BTC/EUR", Quantity: dec("0.2"), Amount: dec("20.5"), ExecutedAt: t0.Add(time.Minute)},
		{Symbol: "BTC/EUR", Quantity: dec("5"), Amount: dec("500"), ExecutedAt: t0.Add(time.Hour)},
		{Symbol: "ETH/EUR", Quantity: dec("9"), Amount: dec("9"), ExecutedAt: t0},
	}
	v := SumVolume("BTC/EUR", t0, t0.Add(time.Hour), trades)
	assert.EqualValues(t, 2, v.Count)
	assert.Equal(t, "0.3", v.Quantity.String())
	assert.Equal(t, "30.5", v.Amount.String())
}

func TestTruncate(t *testing.T) {
	s := []int{1, 2, 3}
	assert.Equal(t, []int{1, 2}, Truncate(s, 2))
	assert.Equal(t, s, Truncate(s, 0))
	assert.Equal(t, s, Truncate(s, 5))
}
