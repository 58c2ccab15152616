// Package snapshot persists a point-in-time copy of the ledger and the
// order book, keyed by the sequence id it was taken at. Startup loads
// the newest snapshot and replays only the events after it.
package snapshot

import (
	"time"

	"github.com/shopspring/decimal"
)

type Snapshot struct {
	Seq      uint64
	Created  time.Time
	Balances []BalanceEntry
	Orders   []OrderEntry
}

type BalanceEntry struct {
	UserID    uint64
	Asset     string
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

type OrderEntry struct {
	ID        uint64
	UserID    uint64
	Side      uint8
	Type      uint8
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Unfilled  decimal.Decimal
	CreateSeq uint64
}
