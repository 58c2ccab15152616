package service

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"venue/domain/match"
	"venue/infra/eventlog"
)

// TradeEvent is the published form of one fill. (Seq, TakerOrder,
// MakerOrder) identifies it uniquely; consumers deduplicate on it
// because delivery is at-least-once.
type TradeEvent struct {
	Seq        uint64          `json:"seq"`
	Pair       string          `json:"pair"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	TakerOrder uint64          `json:"taker_order"`
	MakerOrder uint64          `json:"maker_order"`
	TakerUser  uint64          `json:"taker_user"`
	MakerUser  uint64          `json:"maker_user"`
	TakerSide  string          `json:"taker_side"`
	Time       int64           `json:"time"`
}

func encodeTrade(ev *eventlog.Event, pair match.Pair, d match.Detail) ([]byte, error) {
	return json.Marshal(TradeEvent{
		Seq:        ev.SequenceID,
		Pair:       pair.String(),
		Price:      d.Price,
		Quantity:   d.Quantity,
		TakerOrder: d.Taker.ID,
		MakerOrder: d.Maker.ID,
		TakerUser:  d.Taker.UserID,
		MakerUser:  d.Maker.UserID,
		TakerSide:  d.Taker.Side.String(),
		Time:       ev.CreateTime,
	})
}
