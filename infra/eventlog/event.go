package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Event is one admitted command, durably recorded before it is applied.
// SequenceID increases by exactly 1 per event; PreviousID chains each
// event to its predecessor (0 for the first event ever recorded).
// Events are immutable: never updated, never deleted.
type Event struct {
	SequenceID uint64
	PreviousID uint64
	Payload    []byte
	CreateTime int64
}

// value encoding: [prev:8][time:8][len:4][payload]
func encodeValue(ev *Event) []byte {
	buf := make([]byte, 8+8+4+len(ev.Payload))
	binary.BigEndian.PutUint64(buf[0:8], ev.PreviousID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(ev.CreateTime))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(ev.Payload)))
	copy(buf[20:], ev.Payload)
	return buf
}

func decodeValue(seq uint64, b []byte) (*Event, error) {
	if len(b) < 20 {
		return nil, errors.New("eventlog: event value too short")
	}
	n := binary.BigEndian.Uint32(b[16:20])
	if len(b) != int(20+n) {
		return nil, fmt.Errorf("eventlog: event value length mismatch: header says %d, have %d", n, len(b)-20)
	}
	payload := make([]byte, n)
	copy(payload, b[20:])
	return &Event{
		SequenceID: seq,
		PreviousID: binary.BigEndian.Uint64(b[0:8]),
		CreateTime: int64(binary.BigEndian.Uint64(b[8:16])),
		Payload:    payload,
	}, nil
}
