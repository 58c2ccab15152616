package service

import (
	"context"
	"log/slog"
	"time"

	"venue/snapshot"
)

// WriteSnapshot captures the current state under the write lock and
// persists it. Acked outbox records at or below the snapshot sequence
// are garbage collected; the event log itself is never truncated.
func (s *TradeService) WriteSnapshot(dir string) error {
	s.mu.Lock()
	snap := snapshot.Capture(s.seq.Current(), s.ledger, s.book)
	s.mu.Unlock()

	w := &snapshot.Writer{Dir: dir}
	if err := w.WriteSnapshot(snap); err != nil {
		return err
	}

	if s.outbox != nil {
		_ = s.outbox.TruncateAckedUpTo(snap.Seq)
	}
	return nil
}

// StartSnapshotJob writes snapshots on a fixed cadence until ctx is
// cancelled.
func (s *TradeService) StartSnapshotJob(ctx context.Context, dir string, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.WriteSnapshot(dir); err != nil {
					slog.Warn("snapshot failed", "err", err)
					continue
				}
			}
		}
	}()
}
