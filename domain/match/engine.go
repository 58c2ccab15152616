package match

import (
	"fmt"

	"github.com/shopspring/decimal"

	"venue/domain/asset"
	"venue/domain/orderbook"
)

// Engine matches incoming orders against one pair's book and settles
// each fill through the asset ledger.
//
// Precondition: the admission boundary has already frozen the incoming
// order's funds (base for sells, quote for buys). A settlement shortfall
// is therefore corrupted state and panics.
type Engine struct {
	pair   Pair
	book   *orderbook.OrderBook
	ledger *asset.Ledger
}

func NewEngine(pair Pair, book *orderbook.OrderBook, ledger *asset.Ledger) *Engine {
	return &Engine{
		pair:   pair,
		book:   book,
		ledger: ledger,
	}
}

func (e *Engine) Book() *orderbook.OrderBook { return e.book }

func (e *Engine) Pair() Pair { return e.pair }

// ProcessOrder matches taker against the opposing side of the book
// while its price remains acceptable, settling funds fill by fill.
// The trade price is always the maker's.
//
// quoteBudget is the quote reserve frozen for a market buy; such an
// order stops matching once the next fill would exceed what is left of
// it. Other order shapes ignore it.
//
// An unfilled limit remainder rests on the book. A market remainder is
// discarded: for sells the engine releases the frozen base remainder
// here; for buys the admission layer releases the unspent quote reserve
// (it sized the reserve).
func (e *Engine) ProcessOrder(taker *orderbook.Order, quoteBudget decimal.Decimal) []Detail {
	var details []Detail
	marketBuy := taker.Type == orderbook.Market && taker.Side == orderbook.Buy

	for taker.Unfilled.IsPositive() {
		maker := e.book.PeekBest(taker.Side)
		if maker == nil {
			break
		}
		if taker.Type != orderbook.Market {
			if taker.Side == orderbook.Buy && maker.Price.GreaterThan(taker.Price) {
				break
			}
			if taker.Side == orderbook.Sell && maker.Price.LessThan(taker.Price) {
				break
			}
		}

		qty := decimal.Min(taker.Unfilled, maker.Unfilled)
		price := maker.Price

		if marketBuy {
			cost := qty.Mul(price)
			if cost.GreaterThan(quoteBudget) {
				// reserve exhausted, remainder is discarded
				break
			}
			quoteBudget = quoteBudget.Sub(cost)
		}

		e.settle(taker, maker, price, qty)

		taker.Unfilled = taker.Unfilled.Sub(qty)
		if err := e.book.Reduce(maker.ID, qty); err != nil {
			panic(fmt.Sprintf("match: reduce maker %d by %s: %v", maker.ID, qty, err))
		}

		details = append(details, Detail{
			Price:    price,
			Quantity: qty,
			Taker:    taker,
			Maker:    maker,
		})
	}

	if taker.Unfilled.IsPositive() {
		switch taker.Type {
		case orderbook.Limit:
			e.book.Insert(taker)
		case orderbook.Market:
			if taker.Side == orderbook.Sell {
				e.ledger.Unfreeze(taker.UserID, e.pair.Base, taker.Unfilled)
			}
		}
	}
	return details
}

// settle moves the two legs of one fill: quote from buyer's frozen to
// seller's available, base from seller's frozen to buyer's available.
// Funds were reserved at admission, so both legs must succeed.
func (e *Engine) settle(taker, maker *orderbook.Order, price, qty decimal.Decimal) {
	buyer, seller := taker, maker
	if taker.Side == orderbook.Sell {
		buyer, seller = maker, taker
	}
	cost := qty.Mul(price)

	e.ledger.Transfer(asset.FrozenToAvailable, buyer.UserID, seller.UserID, e.pair.Quote, cost)

	if taker.Side == orderbook.Buy && taker.Type == orderbook.Limit && taker.Price.GreaterThan(price) {
		// limit buy crossed a cheaper maker: release the overcommitted quote
		e.ledger.Unfreeze(buyer.UserID, e.pair.Quote, taker.Price.Sub(price).Mul(qty))
	}

	e.ledger.Transfer(asset.FrozenToAvailable, seller.UserID, buyer.UserID, e.pair.Base, qty)
}

// Cancel removes a resting order and releases its remaining reserve.
func (e *Engine) Cancel(orderID uint64) (*orderbook.Order, error) {
	o, err := e.book.Remove(orderID)
	if err != nil {
		return nil, err
	}
	if o.Side == orderbook.Buy {
		e.ledger.Unfreeze(o.UserID, e.pair.Quote, o.Unfilled.Mul(o.Price))
	} else {
		e.ledger.Unfreeze(o.UserID, e.pair.Base, o.Unfilled)
	}
	return o, nil
}
