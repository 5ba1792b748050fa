package exchange

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/offerbook/internal/models"
)

// sides fetches the top depth bids and asks of symbol in parallel.
func (e *Engine) sides(ctx context.Context, symbol string, depth int) (bids, asks []models.Offer, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		bids, err = e.conn.Offers.ListActiveOffers(gctx, symbol, models.SideBuy, depth)
		return err
	})
	g.Go(func() (err error) {
		asks, err = e.conn.Offers.ListActiveOffers(gctx, symbol, models.SideSell, depth)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

// BuildOrderBook aggregates the top depth offers of each side of symbol
// into price levels. depth <= 0 uses the configured BookDepth.
func (e *Engine) BuildOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error) {
	if depth <= 0 {
		depth = e.cfg.BookDepth
	}
	bids, asks, err := e.sides(ctx, symbol, depth)
	if err != nil {
		return models.OrderBook{}, err
	}
	return AggregateBook(symbol, bids, asks, e.now()), nil
}

// AggregateBook folds offers that are already in priority order into price
// levels.
func AggregateBook(symbol string, bids, asks []models.Offer, at time.Time) models.OrderBook {
	book := models.OrderBook{
		Symbol:    symbol,
		Bids:      levels(bids),
		Asks:      levels(asks),
		Timestamp: at,
	}
	if len(book.Bids) > 0 {
		best := book.Bids[0].Price
		book.BestBid = &best
	}
	if len(book.Asks) > 0 {
		best := book.Asks[0].Price
		book.BestAsk = &best
	}
	if book.BestBid != nil && book.BestAsk != nil {
		spread := book.BestAsk.Sub(*book.BestBid)
		book.Spread = &spread
	}
	return book
}

func levels(offers []models.Offer) []models.PriceLevel {
	out := []models.PriceLevel{}
	for _, o := range offers {
		if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.RemainingQuantity)
			out[n-1].Count++
			continue
		}
		out = append(out, models.PriceLevel{Price: o.Price, Quantity: o.RemainingQuantity, Count: 1})
	}
	return out
}
