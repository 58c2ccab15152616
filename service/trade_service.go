package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"venue/domain/asset"
	"venue/domain/match"
	"venue/domain/orderbook"
	"venue/infra/command"
	"venue/infra/eventlog"
	"venue/infra/kafka"
	"venue/infra/outbox"
	"venue/infra/sequence"
)

var (
	ErrInsufficientBalance = errors.New("service: insufficient balance")
	ErrInvalidOrder        = errors.New("service: invalid order")
	ErrOrderNotFound       = orderbook.ErrOrderNotFound

	// ErrReplayDiverged means re-applying the log produced a different
	// outcome than the original run. State is not trustworthy; halt.
	ErrReplayDiverged = errors.New("service: replay diverged from recorded history")
)

// SystemAccount funds deposits and receives withdrawals. Its balance
// going negative mirrors the external money that entered the venue.
const SystemAccount uint64 = 0

/*
TradeService is the ONLY write entry point into the engine.

Every mutation follows the same path under the write lock:

	validate -> freeze -> sequence (durable append) -> apply -> emit

so commands are totally ordered and anything applied in memory was
recorded first. Queries run under the read lock and may observe state
only between commands, never mid-command.
*/
type TradeService struct {
	mu sync.RWMutex

	pair   match.Pair
	ledger *asset.Ledger
	book   *orderbook.OrderBook
	engine *match.Engine

	seq   *sequence.Sequencer
	store *eventlog.Store

	outbox *outbox.Outbox // nil disables trade publication

	balanceCh chan []kafka.BalanceUpdate

	recovering bool
}

// NewTradeService wires the engine for one trading pair on top of an
// opened event store. Call Recover before accepting traffic.
func NewTradeService(pair match.Pair, store *eventlog.Store, ob *outbox.Outbox) *TradeService {
	ledger := asset.NewLedger()
	book := orderbook.NewOrderBook()
	return &TradeService{
		pair:      pair,
		ledger:    ledger,
		book:      book,
		engine:    match.NewEngine(pair, book, ledger),
		seq:       sequence.New(store, store.LastSequence()),
		store:     store,
		outbox:    ob,
		balanceCh: make(chan []kafka.BalanceUpdate, 1024),
	}
}

// BalancePublisher mirrors balance changes to downstream consumers.
type BalancePublisher interface {
	PublishBalances(ctx context.Context, updates []kafka.BalanceUpdate) error
}

// StartBalancePump publishes queued balance updates until ctx is
// cancelled. The mirror is best-effort: a full queue drops updates
// (the event log remains the source of truth).
func (s *TradeService) StartBalancePump(ctx context.Context, pub BalancePublisher) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case updates := <-s.balanceCh:
				if err := pub.PublishBalances(ctx, updates); err != nil {
					slog.Warn("balance publish failed", "count", len(updates), "err", err)
				}
			}
		}
	}()
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// PlaceOrder validates, freezes the required funds, sequences and
// matches an incoming order. The returned order id is the admission
// sequence id. A freeze shortfall returns ErrInsufficientBalance and
// is never sequenced.
func (s *TradeService) PlaceOrder(userID uint64, side orderbook.Side, typ orderbook.Type, price, qty decimal.Decimal) (uint64, []match.Detail, error) {
	if !qty.IsPositive() {
		return 0, nil, fmt.Errorf("%w: quantity %s", ErrInvalidOrder, qty)
	}
	if typ == orderbook.Limit && !price.IsPositive() {
		return 0, nil, fmt.Errorf("%w: limit price %s", ErrInvalidOrder, price)
	}
	if typ == orderbook.Market {
		price = decimal.Zero
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := &command.Place{UserID: userID, Side: side, Kind: typ, Price: price, Quantity: qty}

	frozen, ok, err := s.freezeForOrder(cmd)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, ErrInsufficientBalance
	}

	payload, err := command.Encode(cmd)
	if err != nil {
		s.releaseOrderReserve(cmd, frozen)
		return 0, nil, err
	}
	ev, err := s.seq.Admit(payload)
	if err != nil {
		// nothing was recorded; give the reserve back and reject upstream
		s.releaseOrderReserve(cmd, frozen)
		return 0, nil, fmt.Errorf("service: admit place: %w", err)
	}

	details := s.applyPlace(ev, cmd, frozen)
	return ev.SequenceID, details, nil
}

// CancelOrder removes a user's resting order and releases its reserve.
// Unknown ids and other users' orders report ErrOrderNotFound without
// being sequenced.
func (s *TradeService) CancelOrder(userID, orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.book.Get(orderID)
	if o == nil || o.UserID != userID {
		return ErrOrderNotFound
	}

	cmd := &command.Cancel{UserID: userID, OrderID: orderID}
	payload, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	ev, err := s.seq.Admit(payload)
	if err != nil {
		return fmt.Errorf("service: admit cancel: %w", err)
	}

	return s.applyCancel(ev, cmd)
}

// Transfer sequences a balance movement. Checked transfers verify the
// source field first and report ErrInsufficientBalance unsequenced;
// unchecked transfers are the administrative path and always apply.
func (s *TradeService) Transfer(cmd *command.Transfer) error {
	if cmd.Amount.IsNegative() {
		return asset.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cmd.Unchecked && !s.sourceCovers(cmd) {
		return ErrInsufficientBalance
	}

	payload, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	ev, err := s.seq.Admit(payload)
	if err != nil {
		return fmt.Errorf("service: admit transfer: %w", err)
	}

	return s.applyTransfer(ev, cmd)
}

// Deposit credits a user from the system account (unchecked: external
// money entering the venue).
func (s *TradeService) Deposit(userID uint64, assetKind string, amount decimal.Decimal) error {
	return s.Transfer(&command.Transfer{
		Kind:      asset.AvailableToAvailable,
		FromUser:  SystemAccount,
		ToUser:    userID,
		Asset:     assetKind,
		Amount:    amount,
		Unchecked: true,
	})
}

// Withdraw debits a user's available balance back to the system
// account, rejecting on insufficient funds.
func (s *TradeService) Withdraw(userID uint64, assetKind string, amount decimal.Decimal) error {
	return s.Transfer(&command.Transfer{
		Kind:     asset.AvailableToAvailable,
		FromUser: userID,
		ToUser:   SystemAccount,
		Asset:    assetKind,
		Amount:   amount,
	})
}

//
// ──────────────────────────────────────────────────────────
// Apply (shared by live path and replay)
// ──────────────────────────────────────────────────────────
//

// freezeForOrder reserves the funds an order may consume: base for
// sells, quote at the limit price for limit buys, the entire available
// quote for market buys. Returns the reserved amount.
func (s *TradeService) freezeForOrder(cmd *command.Place) (decimal.Decimal, bool, error) {
	switch {
	case cmd.Side == orderbook.Sell:
		ok, err := s.ledger.TryFreeze(cmd.UserID, s.pair.Base, cmd.Quantity)
		return cmd.Quantity, ok, err
	case cmd.Kind == orderbook.Limit:
		reserve := cmd.Quantity.Mul(cmd.Price)
		ok, err := s.ledger.TryFreeze(cmd.UserID, s.pair.Quote, reserve)
		return reserve, ok, err
	default: // market buy
		a := s.ledger.Get(cmd.UserID, s.pair.Quote)
		if a == nil || !a.Available.IsPositive() {
			return decimal.Zero, false, nil
		}
		reserve := a.Available
		ok, err := s.ledger.TryFreeze(cmd.UserID, s.pair.Quote, reserve)
		return reserve, ok, err
	}
}

func (s *TradeService) releaseOrderReserve(cmd *command.Place, frozen decimal.Decimal) {
	if cmd.Side == orderbook.Sell {
		s.ledger.Unfreeze(cmd.UserID, s.pair.Base, frozen)
	} else {
		s.ledger.Unfreeze(cmd.UserID, s.pair.Quote, frozen)
	}
}

// applyPlace runs the sequenced order through the matching engine.
// frozen is the reserve taken by freezeForOrder.
func (s *TradeService) applyPlace(ev *eventlog.Event, cmd *command.Place, frozen decimal.Decimal) []match.Detail {
	o := &orderbook.Order{
		ID:        ev.SequenceID,
		UserID:    cmd.UserID,
		Side:      cmd.Side,
		Type:      cmd.Kind,
		Price:     cmd.Price,
		Quantity:  cmd.Quantity,
		Unfilled:  cmd.Quantity,
		CreateSeq: ev.SequenceID,
	}

	budget := decimal.Zero
	if cmd.Kind == orderbook.Market && cmd.Side == orderbook.Buy {
		budget = frozen
	}

	details := s.engine.ProcessOrder(o, budget)

	if cmd.Kind == orderbook.Market && cmd.Side == orderbook.Buy {
		// release whatever the market buy did not spend
		spent := decimal.Zero
		for _, d := range details {
			spent = spent.Add(d.Price.Mul(d.Quantity))
		}
		if leftover := frozen.Sub(spent); leftover.IsPositive() {
			s.ledger.Unfreeze(cmd.UserID, s.pair.Quote, leftover)
		}
	}

	s.emitTrades(ev, details)
	s.emitBalances(ev, balanceUsersOf(cmd.UserID, details)...)
	return details
}

func (s *TradeService) applyCancel(ev *eventlog.Event, cmd *command.Cancel) error {
	o, err := s.engine.Cancel(cmd.OrderID)
	if err != nil {
		return err
	}
	s.emitBalances(ev, o.UserID)
	return nil
}

func (s *TradeService) applyTransfer(ev *eventlog.Event, cmd *command.Transfer) error {
	ok, err := s.ledger.TryTransfer(cmd.Kind, cmd.FromUser, cmd.ToUser, cmd.Asset, cmd.Amount, !cmd.Unchecked)
	if err != nil {
		return err
	}
	if !ok {
		// pre-checked under the same lock, so this cannot happen live
		return fmt.Errorf("%w: sequenced transfer %d failed", ErrReplayDiverged, ev.SequenceID)
	}
	s.emitBalances(ev, cmd.FromUser, cmd.ToUser)
	return nil
}

// sourceCovers reports whether the source field of a checked transfer
// holds at least the transfer amount.
func (s *TradeService) sourceCovers(cmd *command.Transfer) bool {
	a := s.ledger.Get(cmd.FromUser, cmd.Asset)
	if a == nil {
		return false
	}
	switch cmd.Kind {
	case asset.FrozenToAvailable:
		return a.Frozen.GreaterThanOrEqual(cmd.Amount)
	default:
		return a.Available.GreaterThanOrEqual(cmd.Amount)
	}
}

//
// ──────────────────────────────────────────────────────────
// Emission
// ──────────────────────────────────────────────────────────
//

func (s *TradeService) emitTrades(ev *eventlog.Event, details []match.Detail) {
	if s.outbox == nil || s.recovering || len(details) == 0 {
		return
	}
	for i, d := range details {
		payload, err := encodeTrade(ev, s.pair, d)
		if err != nil {
			panic(fmt.Sprintf("service: encode trade event: %v", err))
		}
		key := outbox.Key{Seq: ev.SequenceID, Index: uint32(i)}
		if err := s.outbox.Put(key, payload); err != nil {
			// trades must be durably queued before we acknowledge
			panic(fmt.Sprintf("service: outbox put %d-%d: %v", key.Seq, key.Index, err))
		}
	}
}

func balanceUsersOf(taker uint64, details []match.Detail) []uint64 {
	users := []uint64{taker}
	for _, d := range details {
		users = append(users, d.Maker.UserID)
	}
	return users
}

// emitBalances queues the touched users' balances for the downstream
// mirror. Non-blocking: the mirror is not a source of truth.
func (s *TradeService) emitBalances(ev *eventlog.Event, users ...uint64) {
	if s.recovering {
		return
	}

	seen := make(map[uint64]bool, len(users))
	var updates []kafka.BalanceUpdate
	for _, userID := range users {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		for _, kind := range []string{s.pair.Base, s.pair.Quote} {
			if a := s.ledger.Get(userID, kind); a != nil {
				updates = append(updates, kafka.BalanceUpdate{
					SequenceID: ev.SequenceID,
					UserID:     userID,
					Asset:      kind,
					Available:  a.Available,
					Frozen:     a.Frozen,
				})
			}
		}
	}
	if len(updates) == 0 {
		return
	}

	select {
	case s.balanceCh <- updates:
	default:
		slog.Warn("balance mirror queue full, dropping", "seq", ev.SequenceID)
	}
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

// Balance returns a copy of the user's balance entry, or a zero entry
// if the user never touched the asset.
func (s *TradeService) Balance(userID uint64, assetKind string) asset.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a := s.ledger.Get(userID, assetKind); a != nil {
		return *a
	}
	return asset.Asset{}
}

// DepthLevel is one aggregated price level of the book.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// Depth returns up to limit aggregated levels per side, best first.
func (s *TradeService) Depth(limit int) (bids, asks []DepthLevel) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	collect := func(out *[]DepthLevel) func(*orderbook.PriceLevel) bool {
		return func(lvl *orderbook.PriceLevel) bool {
			*out = append(*out, DepthLevel{
				Price:    lvl.Price,
				Quantity: lvl.TotalQty,
				Orders:   lvl.OrderCount,
			})
			return len(*out) < limit
		}
	}
	s.book.Bids.ForEachDescending(collect(&bids))
	s.book.Asks.ForEachAscending(collect(&asks))
	return bids, asks
}

// Order returns a copy of a resting order, or false if it is not on
// the book.
func (s *TradeService) Order(orderID uint64) (orderbook.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o := s.book.Get(orderID); o != nil {
		return *o, true
	}
	return orderbook.Order{}, false
}

// LastSequence returns the sequence id of the last applied command.
func (s *TradeService) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq.Current()
}

// DumpState renders ledger and book deterministically, for audit and
// replay verification.
func (s *TradeService) DumpState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return "ledger:\n" + s.ledger.Dump() + s.book.Dump()
}
