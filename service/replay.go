package service

import (
	"fmt"
	"log/slog"

	"venue/infra/command"
	"venue/infra/eventlog"
	"venue/snapshot"
)

/*
Recover rebuilds ledger and book state after a restart.

It loads the newest snapshot (if snapDir is non-empty and one exists),
then replays every event after it through the exact same apply path as
live traffic. Matching and transfers depend only on (state, command),
so the rebuilt state is identical to the pre-crash state.

MUST run before accepting traffic. Any chain violation or divergence
halts recovery: partial state is worse than no state.
*/
func (s *TradeService) Recover(snapDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recovering = true
	defer func() { s.recovering = false }()

	anchor := uint64(0)
	if snapDir != "" {
		seq, err := snapshot.Load(snapDir, s.ledger, s.book)
		if err != nil {
			return fmt.Errorf("service: load snapshot: %w", err)
		}
		anchor = seq
	}

	replayed := 0
	first := true
	err := s.store.ScanFrom(anchor+1, func(ev *eventlog.Event) error {
		if first {
			if ev.PreviousID != anchor {
				return fmt.Errorf("%w: event %d has previous %d, snapshot anchored at %d",
					eventlog.ErrChainBroken, ev.SequenceID, ev.PreviousID, anchor)
			}
			first = false
		}
		replayed++
		return s.replayEvent(ev)
	})
	if err != nil {
		return err
	}

	s.seq.Reset(s.store.LastSequence())
	slog.Info("recovery complete",
		"snapshot_seq", anchor,
		"events_replayed", replayed,
		"last_seq", s.seq.Current())
	return nil
}

func (s *TradeService) replayEvent(ev *eventlog.Event) error {
	cmd, err := command.Decode(ev.Payload)
	if err != nil {
		return fmt.Errorf("service: decode event %d: %w", ev.SequenceID, err)
	}

	switch c := cmd.(type) {
	case *command.Place:
		// the original admission froze these funds before sequencing;
		// re-deriving the freeze from identical state must succeed
		frozen, ok, err := s.freezeForOrder(c)
		if err != nil {
			return fmt.Errorf("service: replay event %d: %w", ev.SequenceID, err)
		}
		if !ok {
			return fmt.Errorf("%w: freeze failed replaying event %d", ErrReplayDiverged, ev.SequenceID)
		}
		s.applyPlace(ev, c, frozen)
		return nil
	case *command.Cancel:
		if err := s.applyCancel(ev, c); err != nil {
			return fmt.Errorf("%w: cancel failed replaying event %d: %v", ErrReplayDiverged, ev.SequenceID, err)
		}
		return nil
	case *command.Transfer:
		return s.applyTransfer(ev, c)
	default:
		return fmt.Errorf("service: replay event %d: %w", ev.SequenceID, command.ErrUnknownCommand)
	}
}
