package orderbook

import "github.com/shopspring/decimal"

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the book side an incoming order of side s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Type uint8

const (
	Limit Type = iota
	Market
)

func (t Type) String() string {
	if t == Market {
		return "market"
	}
	return "limit"
}

// Order is a resting or incoming order. While resting it is owned
// exclusively by the OrderBook; once fully filled or cancelled it is
// handed to trade-history output and never mutated again.
type Order struct {
	ID       uint64
	UserID   uint64
	Side     Side
	Type     Type
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Unfilled decimal.Decimal

	// CreateSeq is the admission sequence, unique per order. Within one
	// price level it is the arrival-order tie break.
	CreateSeq uint64

	next *Order
	prev *Order
}

// Filled returns the executed quantity.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Unfilled)
}

// Next walks the FIFO queue of the order's price level.
func (o *Order) Next() *Order {
	return o.next
}
