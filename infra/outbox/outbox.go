// Package outbox persists trade events awaiting publication. Records
// are written in the same logical step as settlement and drained
// asynchronously, so publication is at-least-once and never blocks the
// writer loop.
package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type State uint8

const (
	StatePending State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

// Key identifies one fill: the admitting sequence id plus the fill's
// index within that command.
type Key struct {
	Seq   uint64
	Index uint32
}

type Record struct {
	Key         Key
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// value encoding: [state:1][retries:4][lastAttempt:8][len:4][payload]
func encodeRecord(r *Record) []byte {
	buf := make([]byte, 1+4+8+4+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(r.Payload)))
	copy(buf[17:], r.Payload)
	return buf
}

func decodeRecord(key Key, b []byte) (*Record, error) {
	if len(b) < 17 {
		return nil, errors.New("outbox: record too short")
	}
	n := binary.BigEndian.Uint32(b[13:17])
	if len(b) != int(17+n) {
		return nil, errors.New("outbox: record length mismatch")
	}
	payload := make([]byte, n)
	copy(payload, b[17:])
	return &Record{
		Key:         key,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     payload,
	}, nil
}

// -------------------- Outbox --------------------

type Outbox struct {
	db *pebble.DB
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // we WANT durability
	})
	if err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// -------------------- API --------------------

// Put inserts a pending publication (called by the writer loop right
// after settlement).
func (o *Outbox) Put(key Key, payload []byte) error {
	rec := &Record{Key: key, State: StatePending, Payload: payload}
	return o.db.Set(keyFor(key), encodeRecord(rec), pebble.Sync)
}

// MarkSent flips a record to SENT and bumps the retry counter.
func (o *Outbox) MarkSent(key Key) error {
	return o.updateState(key, StateSent)
}

// MarkAcked records that the broker accepted the message.
func (o *Outbox) MarkAcked(key Key) error {
	return o.updateState(key, StateAcked)
}

func (o *Outbox) updateState(key Key, state State) error {
	rec, err := o.Get(key)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries++
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(key), encodeRecord(rec), pebble.Sync)
}

// Get returns the record for a key.
func (o *Outbox) Get(key Key) (*Record, error) {
	val, closer, err := o.db.Get(keyFor(key))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeRecord(key, val)
}

// ScanUnacked visits every record not yet acked, in key order. SENT
// records are revisited so a crash between send and ack is retried
// (at-least-once).
func (o *Outbox) ScanUnacked(fn func(*Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(key, iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// TruncateAckedUpTo removes ACKED records whose sequence id is at or
// below seq (cleanup after snapshots).
func (o *Outbox) TruncateAckedUpTo(seq uint64) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		if key.Seq > seq {
			break
		}
		if State(iter.Value()[0]) != StateAcked {
			continue
		}
		if err := o.db.Delete(keyFor(key), pebble.Sync); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

func keyFor(key Key) []byte {
	return []byte(fmt.Sprintf("trade/%020d-%06d", key.Seq, key.Index))
}

func parseKey(b []byte) (Key, error) {
	var k Key
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("trade/"))), "%d-%d", &k.Seq, &k.Index)
	return k, err
}
