package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
	"github.com/xtrntr/offerbook/internal/validation"
)

type pair struct{ buy, sell string }

// Match executes crossing offers of symbol, best pair first, until the book
// no longer crosses or MaxMatchesPerCall trades were made. The book is read
// afresh before every match and no lock is held between calls to the
// store.
//
// A pair that fails trade validation is skipped for the rest of the call
// and left untouched. A commit that loses a race is retried from a fresh
// read, at most MaxConflictRetries times per call.
func (e *Engine) Match(ctx context.Context, symbol string) ([]models.Trade, error) {
	defer e.metrics.Since(symbol, time.Now())

	var trades []models.Trade
	skipped := make(map[pair]struct{})
	conflicts := 0
	for e.cfg.MaxMatchesPerCall <= 0 || len(trades) < e.cfg.MaxMatchesPerCall {
		if err := ctx.Err(); err != nil {
			return trades, errs.FromContext(err)
		}
		buy, sell, ok, err := e.bestPair(ctx, symbol, skipped)
		if err != nil {
			return trades, err
		}
		if !ok {
			break
		}

		trade, err := e.execute(ctx, buy, sell)
		switch kind := errs.KindOf(err); {
		case err == nil:
			trades = append(trades, trade)
			e.metrics.TradesExecuted.WithLabelValues(symbol).Inc()
			e.notifyPending(ctx, trade)
		case kind == errs.Conflict:
			conflicts++
			if conflicts > e.cfg.MaxConflictRetries {
				return trades, err
			}
			e.log.Debug("match lost a race, retrying",
				zap.String("buy_offer_id", buy.ID), zap.String("sell_offer_id", sell.ID), zap.Int("attempt", conflicts))
		case kind == errs.Validation || kind == errs.Permission:
			skipped[pair{buy.ID, sell.ID}] = struct{}{}
			e.metrics.MatchesAbandoned.WithLabelValues(symbol).Inc()
			e.log.Info("match abandoned",
				zap.String("buy_offer_id", buy.ID),
				zap.String("sell_offer_id", sell.ID),
				zap.Strings("codes", validation.Codes(err)))
		default:
			return trades, err
		}
	}
	return trades, nil
}

// bestPair returns the best crossing bid and ask that have not been
// skipped. Only the top BookDepth offers of each side are considered.
func (e *Engine) bestPair(ctx context.Context, symbol string, skipped map[pair]struct{}) (buy, sell models.Offer, ok bool, err error) {
	bids, asks, err := e.sides(ctx, symbol, e.cfg.BookDepth)
	if err != nil {
		return buy, sell, false, err
	}
	for _, bid := range bids {
		if len(asks) == 0 || !models.Crosses(bid, asks[0]) {
			break
		}
		for _, ask := range asks {
			if !models.Crosses(bid, ask) {
				break
			}
			if _, skip := skipped[pair{bid.ID, ask.ID}]; !skip {
				return bid, ask, true, nil
			}
		}
	}
	return buy, sell, false, nil
}

// execute builds the trade for buy and sell, validates it and commits it
// with both offers.
func (e *Engine) execute(ctx context.Context, buy, sell models.Offer) (models.Trade, error) {
	now := e.now()
	qty := decimal.Min(buy.RemainingQuantity, sell.RemainingQuantity)
	resting := models.Resting(buy, sell)
	aggressor := sell
	if resting.ID == sell.ID {
		aggressor = buy
	}
	price := resting.Price
	if e.cfg.PriceRule == PriceAsk {
		price = sell.Price
	}

	trade := models.Trade{
		ID:              e.ids.NextTradeID(),
		InitiatedBy:     aggressor.CreatedBy,
		ConsentID:       aggressor.ConsentID,
		Symbol:          buy.Symbol,
		BuyerID:         buy.UserID,
		SellerID:        sell.UserID,
		BuyerAccountID:  buy.AccountID,
		SellerAccountID: sell.AccountID,
		BuyerBankID:     buy.BankID,
		SellerBankID:    sell.BankID,
		Price:           price,
		Quantity:        qty,
		Amount:          models.Amount(price, qty),
		BuyOfferID:      buy.ID,
		SellOfferID:     sell.ID,
		Status:          models.TradePending,
		ExecutedAt:      now,
	}
	if err := validation.ValidateTrade(buy, sell, trade, now); err != nil {
		return models.Trade{}, err
	}

	fill := models.Fill{
		Trade: trade,
		Buy:   buy.Fill(qty, now),
		Sell:  sell.Fill(qty, now),
	}
	if err := e.conn.Matches.CommitMatch(ctx, fill); err != nil {
		return models.Trade{}, err
	}
	e.log.Info("trade executed",
		zap.String("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.Stringer("price", trade.Price),
		zap.Stringer("quantity", trade.Quantity),
		zap.String("buy_offer_id", buy.ID),
		zap.String("sell_offer_id", sell.ID))
	return trade, nil
}

// notifyPending reports a committed trade. A failed notification is logged
// and the trade stands.
func (e *Engine) notifyPending(ctx context.Context, t models.Trade) {
	if err := e.notifier.TradePending(ctx, t); err != nil {
		e.log.Warn("settlement notification failed", zap.String("trade_id", t.ID), zap.Error(err))
	}
}
