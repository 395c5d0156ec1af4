package book

import "bourse/internal/common"

// buyLess orders bids best first: highest price, then earliest arrival.
func buyLess(a, b *common.Order) bool {
	if cmp := a.LimitPrice.Cmp(b.LimitPrice); cmp != 0 {
		return cmp > 0 // Use greater than so that the highest buy order is first
	}
	return arrivedFirst(a, b)
}

// arrivedFirst breaks price ties by exchange timestamp, then sequence.
func arrivedFirst(a, b *common.Order) bool {
	if !a.ExchTimestamp.Equal(b.ExchTimestamp) {
		return a.ExchTimestamp.Before(b.ExchTimestamp) // Time should be smallest (earliest) first
	}
	return a.Sequence < b.Sequence
}
