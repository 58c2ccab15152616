package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var ErrOrderNotFound = errors.New("orderbook: order not found")

// OrderBook holds the resting orders for one trading pair: bids
// descending, asks ascending, FIFO within a price level. Single-writer
// and deterministic; see the service layer for the write discipline.
type OrderBook struct {
	Bids *RBTree
	Asks *RBTree

	byID map[uint64]*Order

	LastSeq atomic.Uint64
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		Bids: NewRBTree(),
		Asks: NewRBTree(),
		byID: make(map[uint64]*Order),
	}
}

func (b *OrderBook) side(s Side) *RBTree {
	if s == Buy {
		return b.Bids
	}
	return b.Asks
}

// Insert adds a resting order at the tail of its price level.
func (b *OrderBook) Insert(o *Order) {
	b.side(o.Side).UpsertLevel(o.Price).Enqueue(o)
	b.byID[o.ID] = o
	b.LastSeq.Store(o.CreateSeq)
}

// PeekBest returns the best-priced, earliest resting order on the side
// a taker of the given side would match against, or nil if that side of
// the book is empty.
func (b *OrderBook) PeekBest(taker Side) *Order {
	var lvl *PriceLevel
	if taker == Buy {
		lvl = b.Asks.MinLevel()
	} else {
		lvl = b.Bids.MaxLevel()
	}
	if lvl == nil {
		return nil
	}
	return lvl.Head()
}

// Remove takes a resting order off the book (cancel path) and returns
// it. Absent ids report ErrOrderNotFound.
func (b *OrderBook) Remove(orderID uint64) (*Order, error) {
	o, ok := b.byID[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	b.unlink(o)
	return o, nil
}

// Reduce decrements a resting order's unfilled quantity by filled.
// When the order is fully filled it is removed from the book.
func (b *OrderBook) Reduce(orderID uint64, filled decimal.Decimal) error {
	o, ok := b.byID[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if filled.GreaterThan(o.Unfilled) {
		return fmt.Errorf("orderbook: reduce order %d by %s exceeds unfilled %s",
			orderID, filled, o.Unfilled)
	}

	lvl := b.side(o.Side).FindLevel(o.Price)
	o.Unfilled = o.Unfilled.Sub(filled)
	lvl.TotalQty = lvl.TotalQty.Sub(filled)

	if o.Unfilled.IsZero() {
		lvl.Unlink(o)
		if lvl.Empty() {
			b.side(o.Side).DeleteLevel(o.Price)
		}
		delete(b.byID, o.ID)
	}
	return nil
}

func (b *OrderBook) unlink(o *Order) {
	tree := b.side(o.Side)
	lvl := tree.FindLevel(o.Price)
	lvl.Unlink(o)
	if lvl.Empty() {
		tree.DeleteLevel(o.Price)
	}
	delete(b.byID, o.ID)
}

// Get returns the resting order with the given id, or nil.
func (b *OrderBook) Get(orderID uint64) *Order {
	return b.byID[orderID]
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int {
	return len(b.byID)
}

// ---- traversal helpers ----

// BidsWalk visits bid levels best (highest) first.
func (b *OrderBook) BidsWalk(fn func(*PriceLevel)) {
	b.Bids.ForEachDescending(func(lvl *PriceLevel) bool {
		fn(lvl)
		return true
	})
}

// AsksWalk visits ask levels best (lowest) first.
func (b *OrderBook) AsksWalk(fn func(*PriceLevel)) {
	b.Asks.ForEachAscending(func(lvl *PriceLevel) bool {
		fn(lvl)
		return true
	})
}

// Dump renders the whole book in deterministic order, best levels first.
func (b *OrderBook) Dump() string {
	var sb strings.Builder
	sb.WriteString("asks:\n")
	b.AsksWalk(func(lvl *PriceLevel) {
		fmt.Fprintf(&sb, "  %s\n", lvl)
	})
	sb.WriteString("bids:\n")
	b.BidsWalk(func(lvl *PriceLevel) {
		fmt.Fprintf(&sb, "  %s\n", lvl)
	})
	return sb.String()
}
