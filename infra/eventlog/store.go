package eventlog

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrChainBroken means the previousId chain does not line up: the
	// log is corrupt and replay must halt rather than continue with
	// partial state.
	ErrChainBroken = errors.New("eventlog: previousId chain broken")

	// ErrOutOfOrder means an append did not extend the tail of the log.
	// Each event has exactly one successor; anything else is a fork.
	ErrOutOfOrder = errors.New("eventlog: append out of order")
)

// Store is the durable append-only event log, backed by pebble. Keys
// are zero-padded sequence ids so a forward iteration yields events in
// sequence order.
type Store struct {
	db      *pebble.DB
	lastSeq uint64
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // we WANT durability
	})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	last, err := s.tailSequence()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.lastSeq = last
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LastSequence returns the sequence id of the newest durable event, or
// 0 for an empty log.
func (s *Store) LastSequence() uint64 {
	return s.lastSeq
}

// Append durably records ev. The event must extend the tail: its
// PreviousID names the current last event and its SequenceID follows it
// by exactly 1. The write is synced before Append returns, so anything
// applied to memory afterwards was recorded first.
func (s *Store) Append(ev *Event) error {
	if ev.PreviousID != s.lastSeq || ev.SequenceID != s.lastSeq+1 {
		return fmt.Errorf("%w: have tail %d, got event %d (previous %d)",
			ErrOutOfOrder, s.lastSeq, ev.SequenceID, ev.PreviousID)
	}
	if err := s.db.Set(keyFor(ev.SequenceID), encodeValue(ev), pebble.Sync); err != nil {
		return err
	}
	s.lastSeq = ev.SequenceID
	return nil
}

// ScanFrom iterates events with SequenceID >= from, in order, verifying
// the chain as it goes: after the first event visited, every event's
// PreviousID must equal its predecessor's SequenceID, and sequence ids
// must be gapless. A violation aborts with ErrChainBroken.
func (s *Store) ScanFrom(from uint64, fn func(*Event) error) error {
	if from == 0 {
		from = 1
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyFor(from),
		UpperBound: keyUpperBound(),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	prevSeq := uint64(0)
	first := true
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		ev, err := decodeValue(seq, iter.Value())
		if err != nil {
			return err
		}

		if first {
			if from == 1 && ev.PreviousID != 0 {
				return fmt.Errorf("%w: first event %d has previous %d, want 0",
					ErrChainBroken, ev.SequenceID, ev.PreviousID)
			}
			first = false
		} else {
			if ev.SequenceID != prevSeq+1 || ev.PreviousID != prevSeq {
				return fmt.Errorf("%w: event %d (previous %d) after event %d",
					ErrChainBroken, ev.SequenceID, ev.PreviousID, prevSeq)
			}
		}
		prevSeq = ev.SequenceID

		if err := fn(ev); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) tailSequence() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyFor(1),
		UpperBound: keyUpperBound(),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// -------------------- Keys --------------------

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("event/%020d", seq))
}

func keyUpperBound() []byte {
	return []byte("event/~")
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("event/"))), "%d", &seq)
	return seq, err
}
