// Package command defines the payloads carried by sequenced events and
// their wire encoding. Decimals travel as JSON strings to avoid
// precision loss.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"venue/domain/asset"
	"venue/domain/orderbook"
)

type Type uint8

const (
	TypeUnknown Type = 0
	TypePlace   Type = 1
	TypeCancel  Type = 2
	TypeTransfer Type = 3
)

// Envelope is the serialized form of a command: a type tag for routing
// plus the type-specific payload.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Place submits a new order.
type Place struct {
	UserID   uint64          `json:"user_id"`
	Side     orderbook.Side  `json:"side"`
	Kind     orderbook.Type  `json:"kind"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Cancel removes a user's resting order.
type Cancel struct {
	UserID  uint64 `json:"user_id"`
	OrderID uint64 `json:"order_id"`
}

// Transfer is a sequenced balance movement. Unchecked transfers skip
// the balance check (corrective/administrative path); the source field
// may go negative and the issuer owns the invariant.
type Transfer struct {
	Kind      asset.TransferKind `json:"transfer_kind"`
	FromUser  uint64             `json:"from_user"`
	ToUser    uint64             `json:"to_user"`
	Asset     string             `json:"asset"`
	Amount    decimal.Decimal    `json:"amount"`
	Unchecked bool               `json:"unchecked,omitempty"`
}

var ErrUnknownCommand = errors.New("command: unknown command type")

// Encode serializes a command for the event log.
func Encode(cmd any) ([]byte, error) {
	var typ Type
	switch cmd.(type) {
	case *Place:
		typ = TypePlace
	case *Cancel:
		typ = TypeCancel
	case *Transfer:
		typ = TypeTransfer
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}

// Decode parses an event payload back into *Place, *Cancel or *Transfer.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var cmd any
	switch env.Type {
	case TypePlace:
		cmd = &Place{}
	case TypeCancel:
		cmd = &Cancel{}
	case TypeTransfer:
		cmd = &Transfer{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, env.Type)
	}
	if err := json.Unmarshal(env.Payload, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}
