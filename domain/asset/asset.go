package asset

import "github.com/shopspring/decimal"

// Asset is the two-field balance of one user in one asset kind.
// Frozen funds are reserved against open orders.
type Asset struct {
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// Total returns the user's full holding of this asset.
func (a *Asset) Total() decimal.Decimal {
	return a.Available.Add(a.Frozen)
}

func (a *Asset) String() string {
	return "[available=" + a.Available.String() + ", frozen=" + a.Frozen.String() + "]"
}

// TransferKind selects which balance field is debited and credited.
type TransferKind uint8

const (
	AvailableToAvailable TransferKind = iota
	FrozenToAvailable
	AvailableToFrozen
)

func (k TransferKind) String() string {
	switch k {
	case AvailableToAvailable:
		return "AVAILABLE_TO_AVAILABLE"
	case FrozenToAvailable:
		return "FROZEN_TO_AVAILABLE"
	case AvailableToFrozen:
		return "AVAILABLE_TO_FROZEN"
	default:
		return "UNKNOWN"
	}
}
