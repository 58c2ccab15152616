package match

import (
	"github.com/shopspring/decimal"

	"venue/domain/orderbook"
)

// Detail is the immutable record of one fill between two orders. Price
// and Quantity are fixed at match time; Taker and Maker identify the
// crossing and the resting order.
type Detail struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Taker    *orderbook.Order
	Maker    *orderbook.Order
}

// Pair names the two assets of a trading pair. A fill moves Base from
// seller to buyer and Quantity*Price of Quote from buyer to seller.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}
