package models

import "sort"

// Ahead reports whether a has matching priority over b on side: better
// price first, then earlier CreatedAt, then the lexicographically smaller id.
func Ahead(side Side, a, b Offer) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		if side == SideBuy {
			return c > 0
		}
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortByPriority orders offers of one side best first.
func SortByPriority(side Side, offers []Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		return Ahead(side, offers[i], offers[j])
	})
}

// Resting returns whichever of a and b entered the book first. Its price is
// the execution price of a match between them.
func Resting(a, b Offer) Offer {
	if a.CreatedAt.Equal(b.CreatedAt) {
		if a.ID <= b.ID {
			return a
		}
		return b
	}
	if a.CreatedAt.Before(b.CreatedAt) {
		return a
	}
	return b
}

// Crosses reports whether a bid and an ask are priced to trade.
func Crosses(bid, ask Offer) bool {
	return bid.Price.GreaterThanOrEqual(ask.Price)
}
