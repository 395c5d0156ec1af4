package book

import "bourse/internal/common"

// sellLess orders asks best first: lowest price, then earliest arrival.
func sellLess(a, b *common.Order) bool {
	if cmp := a.LimitPrice.Cmp(b.LimitPrice); cmp != 0 {
		return cmp < 0 // Use less than so that the lowest sell order is first
	}
	return arrivedFirst(a, b)
}
