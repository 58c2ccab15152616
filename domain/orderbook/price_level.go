package orderbook

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceLevel is the FIFO queue of resting orders at a single price.
// Earlier arrivals sit closer to the head.
type PriceLevel struct {
	Price decimal.Decimal

	head *Order
	tail *Order

	TotalQty   decimal.Decimal
	OrderCount int
}

func (p *PriceLevel) Enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	p.TotalQty = p.TotalQty.Add(o.Unfilled)
	p.OrderCount++
}

// Unlink removes o from the queue wherever it sits. o must belong to
// this level.
func (p *PriceLevel) Unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next = nil
	o.prev = nil

	p.TotalQty = p.TotalQty.Sub(o.Unfilled)
	p.OrderCount--
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Head returns the earliest resting order, read-only.
func (p *PriceLevel) Head() *Order {
	return p.head
}

func (p *PriceLevel) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "level %s qty=%s orders=[", p.Price, p.TotalQty)
	for o := p.head; o != nil; o = o.next {
		if o != p.head {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d:%s", o.ID, o.Unfilled)
	}
	b.WriteString("]")
	return b.String()
}
