package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel aggregates the open offers resting at one price.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int             `json:"count"`
}

// OrderBook is a derived view of one symbol's open offers. Bids are sorted
// by descending price, asks by ascending price.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []PriceLevel     `json:"bids"`
	Asks      []PriceLevel     `json:"asks"`
	BestBid   *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk   *decimal.Decimal `json:"best_ask,omitempty"`
	Spread    *decimal.Decimal `json:"spread,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
