package service

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue/domain/match"
	"venue/domain/orderbook"
	"venue/infra/eventlog"
	"venue/infra/outbox"
)

var pair = match.Pair{Base: "BTC", Quote: "USD"}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newService(t *testing.T, dir string) (*TradeService, *eventlog.Store, *outbox.Outbox) {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(dir, "events"))
	require.NoError(t, err)
	ob, err := outbox.Open(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	t.Cleanup(func() {
		closeQuietly(ob.Close)
		closeQuietly(store.Close)
	})
	return NewTradeService(pair, store, ob), store, ob
}

// closeQuietly is the cleanup safety net: tests that close their handles
// explicitly would otherwise hit pebble's panic on double close.
func closeQuietly(close func() error) {
	defer func() { _ = recover() }()
	_ = close()
}

// runSession drives a deterministic mixed workload and returns the
// number of commands admitted.
func runSession(t *testing.T, svc *TradeService) uint64 {
	t.Helper()
	require.NoError(t, svc.Deposit(1, "USD", dec("1000")))
	require.NoError(t, svc.Deposit(2, "BTC", dec("10")))
	require.NoError(t, svc.Deposit(3, "USD", dec("500")))

	bid, _, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec("100"), dec("4"))
	require.NoError(t, err)

	_, details, err := svc.PlaceOrder(2, orderbook.Sell, orderbook.Limit, dec("99"), dec("1"))
	require.NoError(t, err)
	require.Len(t, details, 1)

	_, _, err = svc.PlaceOrder(3, orderbook.Buy, orderbook.Limit, dec("98"), dec("2"))
	require.NoError(t, err)

	// fills the rest of user 1's bid, leaves user 3's bid untouched
	_, _, err = svc.PlaceOrder(2, orderbook.Sell, orderbook.Market, decimal.Zero, dec("3"))
	require.NoError(t, err)

	require.NoError(t, svc.CancelOrder(3, bid+2)) // user 3's resting bid
	require.NoError(t, svc.Withdraw(2, "USD", dec("50")))

	return svc.LastSequence()
}

func TestPlaceMatchSettles(t *testing.T) {
	svc, _, _ := newService(t, t.TempDir())

	require.NoError(t, svc.Deposit(1, "USD", dec("100")))
	require.NoError(t, svc.Deposit(2, "BTC", dec("5")))

	_, _, err := svc.PlaceOrder(2, orderbook.Sell, orderbook.Limit, dec("9"), dec("3"))
	require.NoError(t, err)

	buyID, details, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec("10"), dec("5"))
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.True(t, details[0].Price.Equal(dec("9")))
	assert.True(t, details[0].Quantity.Equal(dec("3")))

	rest, ok := svc.Order(buyID)
	require.True(t, ok)
	assert.True(t, rest.Unfilled.Equal(dec("2")))

	buyer := svc.Balance(1, "USD")
	assert.True(t, buyer.Frozen.Equal(dec("20")), "got %s", buyer.Frozen)
	assert.True(t, buyer.Available.Equal(dec("53")))
	assert.True(t, svc.Balance(1, "BTC").Available.Equal(dec("3")))
	assert.True(t, svc.Balance(2, "USD").Available.Equal(dec("27")))
}

func TestInsufficientBalanceIsNeverSequenced(t *testing.T) {
	svc, _, _ := newService(t, t.TempDir())
	require.NoError(t, svc.Deposit(1, "USD", dec("10")))
	before := svc.LastSequence()

	_, _, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec("100"), dec("1"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, before, svc.LastSequence())

	err = svc.Withdraw(1, "USD", dec("11"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, before, svc.LastSequence())
}

func TestInvalidOrderRejected(t *testing.T) {
	svc, _, _ := newService(t, t.TempDir())

	_, _, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec("10"), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, decimal.Zero, dec("1"))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestCancelOwnership(t *testing.T) {
	svc, _, _ := newService(t, t.TempDir())
	require.NoError(t, svc.Deposit(1, "USD", dec("100")))

	id, _, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec("10"), dec("1"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.CancelOrder(2, id), ErrOrderNotFound)
	require.NoError(t, svc.CancelOrder(1, id))
	assert.ErrorIs(t, svc.CancelOrder(1, id), ErrOrderNotFound)

	usd := svc.Balance(1, "USD")
	assert.True(t, usd.Available.Equal(dec("100")))
	assert.True(t, usd.Frozen.IsZero())
}

func TestMarketBuyReleasesUnspentReserve(t *testing.T) {
	svc, _, _ := newService(t, t.TempDir())
	require.NoError(t, svc.Deposit(1, "BTC", dec("1")))
	require.NoError(t, svc.Deposit(2, "USD", dec("100")))

	_, _, err := svc.PlaceOrder(1, orderbook.Sell, orderbook.Limit, dec("30"), dec("1"))
	require.NoError(t, err)

	_, details, err := svc.PlaceOrder(2, orderbook.Buy, orderbook.Market, decimal.Zero, dec("1"))
	require.NoError(t, err)
	require.Len(t, details, 1)

	usd := svc.Balance(2, "USD")
	assert.True(t, usd.Available.Equal(dec("70")), "unspent reserve must return, got %s", usd.Available)
	assert.True(t, usd.Frozen.IsZero())
}

func TestChainIntegrity(t *testing.T) {
	dir := t.TempDir()
	svc, store, _ := newService(t, dir)
	n := runSession(t, svc)

	var prev uint64
	var count uint64
	err := store.ScanFrom(1, func(ev *eventlog.Event) error {
		count++
		assert.Equal(t, count, ev.SequenceID)
		assert.Equal(t, prev, ev.PreviousID)
		prev = ev.SequenceID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestReplayRebuildsIdenticalState(t *testing.T) {
	dir := t.TempDir()

	svc, store, ob := newService(t, dir)
	runSession(t, svc)
	want := svc.DumpState()
	lastSeq := svc.LastSequence()
	require.NoError(t, ob.Close())
	require.NoError(t, store.Close())

	for i := 0; i < 2; i++ {
		store2, err := eventlog.Open(filepath.Join(dir, "events"))
		require.NoError(t, err)
		svc2 := NewTradeService(pair, store2, nil)
		require.NoError(t, svc2.Recover(""))
		assert.Equal(t, want, svc2.DumpState(), "replay %d must rebuild byte-identical state", i+1)
		assert.Equal(t, lastSeq, svc2.LastSequence())
		require.NoError(t, store2.Close())
	}
}

func TestRecoverFromSnapshotPlusTail(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snap")

	svc, store, ob := newService(t, dir)

	require.NoError(t, svc.Deposit(1, "USD", dec("1000")))
	require.NoError(t, svc.Deposit(2, "BTC", dec("10")))
	_, _, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec("100"), dec("4"))
	require.NoError(t, err)

	require.NoError(t, svc.WriteSnapshot(snapDir))

	// tail after the snapshot
	_, _, err = svc.PlaceOrder(2, orderbook.Sell, orderbook.Market, decimal.Zero, dec("2"))
	require.NoError(t, err)

	want := svc.DumpState()
	require.NoError(t, ob.Close())
	require.NoError(t, store.Close())

	store2, err := eventlog.Open(filepath.Join(dir, "events"))
	require.NoError(t, err)
	defer store2.Close()
	svc2 := NewTradeService(pair, store2, nil)
	require.NoError(t, svc2.Recover(snapDir))
	assert.Equal(t, want, svc2.DumpState())
}

func TestTradesLandInOutbox(t *testing.T) {
	svc, _, ob := newService(t, t.TempDir())

	require.NoError(t, svc.Deposit(1, "USD", dec("100")))
	require.NoError(t, svc.Deposit(2, "BTC", dec("5")))
	_, _, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec("10"), dec("2"))
	require.NoError(t, err)
	sellID, details, err := svc.PlaceOrder(2, orderbook.Sell, orderbook.Limit, dec("10"), dec("2"))
	require.NoError(t, err)
	require.Len(t, details, 1)

	var trades []TradeEvent
	err = ob.ScanUnacked(func(rec *outbox.Record) error {
		var te TradeEvent
		if err := json.Unmarshal(rec.Payload, &te); err != nil {
			return err
		}
		trades = append(trades, te)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, sellID, trades[0].Seq)
	assert.Equal(t, sellID, trades[0].TakerOrder)
	assert.Equal(t, "sell", trades[0].TakerSide)
	assert.True(t, trades[0].Price.Equal(dec("10")))
}

func TestDepthAggregation(t *testing.T) {
	svc, _, _ := newService(t, t.TempDir())
	require.NoError(t, svc.Deposit(1, "USD", dec("10000")))

	for _, p := range []string{"10", "10", "9", "8"} {
		_, _, err := svc.PlaceOrder(1, orderbook.Buy, orderbook.Limit, dec(p), dec("1"))
		require.NoError(t, err)
	}

	bids, asks := svc.Depth(2)
	assert.Empty(t, asks)
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.Equal(dec("10")))
	assert.True(t, bids[0].Quantity.Equal(dec("2")))
	assert.Equal(t, 2, bids[0].Orders)
	assert.True(t, bids[1].Price.Equal(dec("9")))
}
