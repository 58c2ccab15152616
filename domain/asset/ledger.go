package asset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("asset: transfer amount must not be negative")
	ErrInvalidTransferKind = errors.New("asset: invalid transfer kind")
)

// Ledger holds every user's balances. It is single-writer: all mutation
// funnels through the sequenced command pipeline, reads may race only
// against a quiescent writer (see service.TradeService).
type Ledger struct {
	// userID -> asset kind -> balances
	accounts map[uint64]map[string]*Asset
}

func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[uint64]map[string]*Asset),
	}
}

// Get returns the balance entry for (userID, kind), or nil if the user
// never touched that asset.
func (l *Ledger) Get(userID uint64, kind string) *Asset {
	return l.accounts[userID][kind]
}

// resolve returns the entry for (userID, kind), creating it with zero
// balances on first reference. Entries are never deleted.
func (l *Ledger) resolve(userID uint64, kind string) *Asset {
	byKind, ok := l.accounts[userID]
	if !ok {
		byKind = make(map[string]*Asset)
		l.accounts[userID] = byKind
	}
	a, ok := byKind[kind]
	if !ok {
		a = &Asset{}
		byKind[kind] = a
	}
	return a
}

// TryTransfer moves amount between the balance fields selected by kind.
//
// With checkBalance=true a short source field makes the call a no-op
// returning false; that is the normal insufficient-funds outcome, not an
// error. With checkBalance=false the debit is unconditional and the
// source field may go negative; callers of that path own the invariant.
func (l *Ledger) TryTransfer(kind TransferKind, fromUser, toUser uint64, assetKind string, amount decimal.Decimal, checkBalance bool) (bool, error) {
	if amount.IsNegative() {
		return false, ErrInvalidAmount
	}

	from := l.resolve(fromUser, assetKind)
	to := l.resolve(toUser, assetKind)

	switch kind {
	case AvailableToAvailable:
		if checkBalance && from.Available.LessThan(amount) {
			return false, nil
		}
		from.Available = from.Available.Sub(amount)
		to.Available = to.Available.Add(amount)
	case FrozenToAvailable:
		if checkBalance && from.Frozen.LessThan(amount) {
			return false, nil
		}
		from.Frozen = from.Frozen.Sub(amount)
		to.Available = to.Available.Add(amount)
	case AvailableToFrozen:
		if checkBalance && from.Available.LessThan(amount) {
			return false, nil
		}
		from.Available = from.Available.Sub(amount)
		to.Frozen = to.Frozen.Add(amount)
	default:
		return false, ErrInvalidTransferKind
	}
	return true, nil
}

// Transfer is TryTransfer with checkBalance=true where failure means a
// prior invariant was violated: funds this path moves were reserved
// upstream, so a shortfall is corrupted state, not user error.
func (l *Ledger) Transfer(kind TransferKind, fromUser, toUser uint64, assetKind string, amount decimal.Decimal) {
	ok, err := l.TryTransfer(kind, fromUser, toUser, assetKind, amount, true)
	if err != nil {
		panic(fmt.Sprintf("asset: transfer %s from %d to %d, asset=%s amount=%s: %v",
			kind, fromUser, toUser, assetKind, amount, err))
	}
	if !ok {
		panic(fmt.Sprintf("asset: transfer failed for %s, from user %d to user %d, asset=%s, amount=%s",
			kind, fromUser, toUser, assetKind, amount))
	}
}

// TryFreeze reserves amount of a user's available balance against an
// open order. Returns false when available funds are short.
func (l *Ledger) TryFreeze(userID uint64, assetKind string, amount decimal.Decimal) (bool, error) {
	return l.TryTransfer(AvailableToFrozen, userID, userID, assetKind, amount, true)
}

// Unfreeze releases previously frozen funds. Only amounts the engine
// itself froze are ever unfrozen, so a shortfall is fatal.
func (l *Ledger) Unfreeze(userID uint64, assetKind string, amount decimal.Decimal) {
	l.Transfer(FrozenToAvailable, userID, userID, assetKind, amount)
}

// ForEach visits every balance entry in (userID, kind) order. The
// deterministic ordering makes it usable for snapshots and audit dumps.
func (l *Ledger) ForEach(fn func(userID uint64, kind string, a Asset)) {
	userIDs := make([]uint64, 0, len(l.accounts))
	for id := range l.accounts {
		userIDs = append(userIDs, id)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	for _, id := range userIDs {
		byKind := l.accounts[id]
		kinds := make([]string, 0, len(byKind))
		for k := range byKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fn(id, k, *byKind[k])
		}
	}
}

// Restore installs a balance entry verbatim. Used by snapshot loading.
func (l *Ledger) Restore(userID uint64, kind string, a Asset) {
	*l.resolve(userID, kind) = a
}

// Dump renders every balance in deterministic order.
func (l *Ledger) Dump() string {
	var b strings.Builder
	l.ForEach(func(userID uint64, kind string, a Asset) {
		fmt.Fprintf(&b, "user=%d asset=%s available=%s frozen=%s\n",
			userID, kind, a.Available, a.Frozen)
	})
	return b.String()
}
