package exchange

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/xtrntr/offerbook/internal/models"
)

func TestProperty_CrossingDeterminesMatching(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bid := rapid.Int64Range(1, 10000).Draw(t, "bid")
		ask := rapid.Int64Range(1, 10000).Draw(t, "ask")
		askFirst := rapid.Bool().Draw(t, "askFirst")

		f := newFixture(t, testConfig())
		var res SubmitResult
		if askFirst {
			f.submit(t, "bob", models.SideSell, fmt.Sprint(ask), "1")
			res = f.submit(t, "alice", models.SideBuy, fmt.Sprint(bid), "1")
		} else {
			f.submit(t, "alice", models.SideBuy, fmt.Sprint(bid), "1")
			res = f.submit(t, "bob", models.SideSell, fmt.Sprint(ask), "1")
		}

		if bid < ask {
			if len(res.Trades) != 0 {
				t.Fatalf("bid %d below ask %d must not trade, got %d trades", bid, ask, len(res.Trades))
			}
			return
		}
		if len(res.Trades) != 1 {
			t.Fatalf("bid %d at or above ask %d must trade once, got %d", bid, ask, len(res.Trades))
		}
		resting := bid
		if askFirst {
			resting = ask
		}
		if !res.Trades[0].Price.Equal(decimal.NewFromInt(resting)) {
			t.Fatalf("expected the resting price %d, got %s", resting, res.Trades[0].Price)
		}
	})
}

func TestProperty_AmountIsExact(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// at most 10000.00 x 100, which alice's balance covers
		cents := rapid.Int64Range(1, 1_000_000).Draw(t, "cents")
		units := rapid.Int64Range(1, 1_000_000).Draw(t, "units")
		price := decimal.New(cents, -2)
		qty := decimal.New(units, -4)

		f := newFixture(t, testConfig())
		f.submit(t, "bob", models.SideSell, price.String(), qty.String())
		res := f.submit(t, "alice", models.SideBuy, price.String(), qty.String())
		if len(res.Trades) != 1 {
			t.Fatalf("expected one trade, got %d", len(res.Trades))
		}
		tr := res.Trades[0]
		if !tr.Amount.Equal(tr.Price.Mul(tr.Quantity)) {
			t.Fatalf("amount %s is not %s x %s", tr.Amount, tr.Price, tr.Quantity)
		}
	})
}

// After any sequence of submissions the book is uncrossed, quantities only
// went down, and every offer's filled quantity is what its trades add up to.
func TestProperty_BookInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t, testConfig())
		ctx := context.Background()
		filled := make(map[string]decimal.Decimal)
		var ids []string

		n := rapid.IntRange(1, 25).Draw(t, "offers")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]models.Side{models.SideBuy, models.SideSell}).Draw(t, "side")
			price := rapid.IntRange(95, 105).Draw(t, "price")
			qty := rapid.IntRange(1, 5).Draw(t, "qty")
			user := "alice"
			if side == models.SideSell {
				user = "bob"
			}
			res := f.submit(t, user, side, fmt.Sprint(price), fmt.Sprint(qty))
			ids = append(ids, res.Offer.ID)
			for _, tr := range res.Trades {
				filled[tr.BuyOfferID] = filled[tr.BuyOfferID].Add(tr.Quantity)
				filled[tr.SellOfferID] = filled[tr.SellOfferID].Add(tr.Quantity)
			}
		}

		for _, id := range ids {
			o := f.offer(t, id)
			if o.RemainingQuantity.IsNegative() || o.RemainingQuantity.GreaterThan(o.OriginalQuantity) {
				t.Fatalf("offer %s has remaining %s of %s", id, o.RemainingQuantity, o.OriginalQuantity)
			}
			if !o.FilledQuantity().Equal(filled[id]) {
				t.Fatalf("offer %s filled %s but trades add up to %s", id, o.FilledQuantity(), filled[id])
			}
			if o.RemainingQuantity.IsZero() != (o.Status == models.OfferFilled) {
				t.Fatalf("offer %s is %s with remaining %s", id, o.Status, o.RemainingQuantity)
			}
		}

		book, err := f.engine.BuildOrderBook(ctx, "BTC/EUR", 0)
		if err != nil {
			t.Fatalf("build book: %v", err)
		}
		if book.BestBid != nil && book.BestAsk != nil && !book.BestBid.LessThan(*book.BestAsk) {
			t.Fatalf("book is crossed: bid %s ask %s", book.BestBid, book.BestAsk)
		}
	})
}
