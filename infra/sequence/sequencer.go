package sequence

import (
	"time"

	"venue/infra/eventlog"
)

// Log is the durable sink admitted events are recorded to before any
// state is mutated.
type Log interface {
	Append(*eventlog.Event) error
}

// Sequencer assigns each accepted command a strictly increasing
// sequence id, chains it to the previous one, and anchors it in the
// durable log. It is single-writer: exactly one goroutine admits.
type Sequencer struct {
	log     Log
	lastSeq uint64
	now     func() int64
}

// New creates a sequencer resuming after the last durably stored
// sequence id (0 for a fresh log).
func New(log Log, lastSeq uint64) *Sequencer {
	return &Sequencer{
		log:     log,
		lastSeq: lastSeq,
		now:     func() int64 { return time.Now().UnixNano() },
	}
}

// Admit records the encoded command as the next event. Only after the
// append succeeds does the command exist as far as the engine is
// concerned; on error nothing was assigned and the caller may retry or
// reject upstream.
func (s *Sequencer) Admit(payload []byte) (*eventlog.Event, error) {
	ev := &eventlog.Event{
		SequenceID: s.lastSeq + 1,
		PreviousID: s.lastSeq,
		Payload:    payload,
		CreateTime: s.now(),
	}
	if err := s.log.Append(ev); err != nil {
		return nil, err
	}
	s.lastSeq = ev.SequenceID
	return ev, nil
}

// Current returns the last admitted sequence id.
func (s *Sequencer) Current() uint64 {
	return s.lastSeq
}

// Reset sets the sequencer position. Only used after replay.
func (s *Sequencer) Reset(v uint64) {
	s.lastSeq = v
}
