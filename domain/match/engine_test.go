package match

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue/domain/asset"
	"venue/domain/orderbook"
)

var pair = Pair{Base: "BTC", Quote: "USD"}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	t      *testing.T
	ledger *asset.Ledger
	book   *orderbook.OrderBook
	engine *Engine
	seq    uint64
}

func newEnv(t *testing.T) *env {
	ledger := asset.NewLedger()
	book := orderbook.NewOrderBook()
	return &env{
		t:      t,
		ledger: ledger,
		book:   book,
		engine: NewEngine(pair, book, ledger),
	}
}

func (e *env) fund(userID uint64, kind, amount string) {
	ok, err := e.ledger.TryTransfer(asset.AvailableToAvailable, 0, userID, kind, dec(amount), false)
	require.NoError(e.t, err)
	require.True(e.t, ok)
}

// submit freezes the way the admission boundary would, then matches.
func (e *env) submit(userID uint64, side orderbook.Side, typ orderbook.Type, price, qty string) (*orderbook.Order, []Detail) {
	e.seq++
	o := &orderbook.Order{
		ID:        e.seq,
		UserID:    userID,
		Side:      side,
		Type:      typ,
		Price:     dec(price),
		Quantity:  dec(qty),
		Unfilled:  dec(qty),
		CreateSeq: e.seq,
	}

	budget := decimal.Zero
	switch {
	case side == orderbook.Sell:
		ok, err := e.ledger.TryFreeze(userID, pair.Base, o.Quantity)
		require.NoError(e.t, err)
		require.True(e.t, ok, "admission freeze must succeed in tests")
	case typ == orderbook.Limit:
		ok, err := e.ledger.TryFreeze(userID, pair.Quote, o.Quantity.Mul(o.Price))
		require.NoError(e.t, err)
		require.True(e.t, ok, "admission freeze must succeed in tests")
	default: // market buy reserves the whole available quote balance
		budget = e.ledger.Get(userID, pair.Quote).Available
		ok, err := e.ledger.TryFreeze(userID, pair.Quote, budget)
		require.NoError(e.t, err)
		require.True(e.t, ok)
	}

	return o, e.engine.ProcessOrder(o, budget)
}

func (e *env) totalSupply(kind string) decimal.Decimal {
	sum := decimal.Zero
	e.ledger.ForEach(func(_ uint64, k string, a asset.Asset) {
		if k == kind {
			sum = sum.Add(a.Available).Add(a.Frozen)
		}
	})
	return sum
}

func TestPriceTimePriority(t *testing.T) {
	e := newEnv(t)
	e.fund(1, "USD", "100") // A
	e.fund(2, "USD", "100") // B
	e.fund(3, "USD", "100") // C
	e.fund(4, "BTC", "10")  // seller

	a, _ := e.submit(1, orderbook.Buy, orderbook.Limit, "10", "4")
	b, _ := e.submit(2, orderbook.Buy, orderbook.Limit, "10", "3")
	c, _ := e.submit(3, orderbook.Buy, orderbook.Limit, "9", "5")

	// market sell for exactly A+B
	_, details := e.submit(4, orderbook.Sell, orderbook.Market, "0", "7")

	require.Len(t, details, 2)
	assert.Equal(t, a.ID, details[0].Maker.ID)
	assert.Equal(t, b.ID, details[1].Maker.ID)
	for _, d := range details {
		assert.True(t, d.Price.Equal(dec("10")), "trade price is the maker's")
	}

	// C untouched
	require.NotNil(t, e.book.Get(c.ID))
	assert.True(t, e.book.Get(c.ID).Unfilled.Equal(dec("5")))
}

func TestPartialFillRestsRemainder(t *testing.T) {
	e := newEnv(t)
	e.fund(1, "BTC", "3")
	e.fund(2, "USD", "50")

	e.submit(1, orderbook.Sell, orderbook.Limit, "9", "3")
	buy, details := e.submit(2, orderbook.Buy, orderbook.Limit, "10", "5")

	require.Len(t, details, 1)
	assert.True(t, details[0].Price.Equal(dec("9")))
	assert.True(t, details[0].Quantity.Equal(dec("3")))

	rest := e.book.Get(buy.ID)
	require.NotNil(t, rest, "limit remainder must rest on the book")
	assert.True(t, rest.Unfilled.Equal(dec("2")))
	assert.True(t, rest.Price.Equal(dec("10")))

	// buyer paid 27 at the maker price and got the 3-per-unit over-reserve back
	usd := e.ledger.Get(2, "USD")
	assert.True(t, usd.Frozen.Equal(dec("20")), "frozen quote should cover exactly the resting remainder, got %s", usd.Frozen)
	assert.True(t, usd.Available.Equal(dec("3")))
	assert.True(t, e.ledger.Get(2, "BTC").Available.Equal(dec("3")))

	// seller received the quote
	assert.True(t, e.ledger.Get(1, "USD").Available.Equal(dec("27")))
	assert.True(t, e.ledger.Get(1, "BTC").Frozen.IsZero())
}

func TestMarketRemainderIsDiscarded(t *testing.T) {
	e := newEnv(t)
	e.fund(1, "USD", "100")
	e.fund(2, "BTC", "10")

	e.submit(1, orderbook.Buy, orderbook.Limit, "10", "2")
	sell, details := e.submit(2, orderbook.Sell, orderbook.Market, "0", "5")

	require.Len(t, details, 1)
	assert.True(t, details[0].Quantity.Equal(dec("2")))

	assert.Nil(t, e.book.Get(sell.ID), "market remainder must not rest")
	assert.Equal(t, 0, e.book.Len())

	// unmatched base was released back to available
	btc := e.ledger.Get(2, "BTC")
	assert.True(t, btc.Available.Equal(dec("8")))
	assert.True(t, btc.Frozen.IsZero())
}

func TestMarketBuyStopsAtFrozenBudget(t *testing.T) {
	e := newEnv(t)
	e.fund(1, "BTC", "10")
	e.fund(2, "USD", "15")

	e.submit(1, orderbook.Sell, orderbook.Limit, "10", "1")
	e.submit(1, orderbook.Sell, orderbook.Limit, "20", "1")

	_, details := e.submit(2, orderbook.Buy, orderbook.Market, "0", "2")

	// first fill costs 10, second would cost 20 with only 5 left
	require.Len(t, details, 1)
	assert.True(t, details[0].Price.Equal(dec("10")))
	assert.True(t, e.ledger.Get(2, "BTC").Available.Equal(dec("1")))
	// second maker untouched
	assert.Equal(t, 1, e.book.Len())
}

func TestConservationAcrossMatches(t *testing.T) {
	e := newEnv(t)
	e.fund(1, "USD", "1000")
	e.fund(2, "BTC", "50")
	e.fund(3, "USD", "500")
	e.fund(4, "BTC", "20")

	usdBefore := e.totalSupply("USD")
	btcBefore := e.totalSupply("BTC")

	e.submit(1, orderbook.Buy, orderbook.Limit, "10", "30")
	e.submit(2, orderbook.Sell, orderbook.Limit, "9.5", "25")
	e.submit(3, orderbook.Buy, orderbook.Limit, "9.75", "10")
	e.submit(4, orderbook.Sell, orderbook.Market, "0", "18")

	assert.True(t, e.totalSupply("USD").Equal(usdBefore))
	assert.True(t, e.totalSupply("BTC").Equal(btcBefore))
}

func TestCancelReleasesReserve(t *testing.T) {
	e := newEnv(t)
	e.fund(1, "USD", "100")

	o, _ := e.submit(1, orderbook.Buy, orderbook.Limit, "10", "4")
	require.NotNil(t, e.book.Get(o.ID))

	cancelled, err := e.engine.Cancel(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, cancelled.ID)
	assert.Nil(t, e.book.Get(o.ID))

	usd := e.ledger.Get(1, "USD")
	assert.True(t, usd.Available.Equal(dec("100")))
	assert.True(t, usd.Frozen.IsZero())

	_, err = e.engine.Cancel(o.ID)
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)
}
