package snapshot

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"venue/domain/asset"
	"venue/domain/orderbook"
)

type Writer struct {
	Dir string
}

// Write captures the ledger and book at seq and persists them. The
// caller must hold the writer quiescent (it runs inside the command
// loop or under its lock).
func (w *Writer) Write(seq uint64, ledger *asset.Ledger, book *orderbook.OrderBook) error {
	return w.WriteSnapshot(Capture(seq, ledger, book))
}

// WriteSnapshot persists an already captured snapshot. The tmp+rename
// dance keeps a crash mid-write from clobbering the previous snapshot.
func (w *Writer) WriteSnapshot(s *Snapshot) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}

	tmp := filepath.Join(w.Dir, "snapshot.bin.tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(w.Dir, "snapshot.bin"))
}

// Capture builds an in-memory snapshot in deterministic order: ledger
// entries by (user, asset), orders best level first with FIFO queues
// preserved.
func Capture(seq uint64, ledger *asset.Ledger, book *orderbook.OrderBook) *Snapshot {
	s := &Snapshot{
		Seq:     seq,
		Created: time.Now(),
	}

	ledger.ForEach(func(userID uint64, kind string, a asset.Asset) {
		s.Balances = append(s.Balances, BalanceEntry{
			UserID:    userID,
			Asset:     kind,
			Available: a.Available,
			Frozen:    a.Frozen,
		})
	})

	appendLevel := func(lvl *orderbook.PriceLevel) {
		for o := lvl.Head(); o != nil; o = o.Next() {
			s.Orders = append(s.Orders, OrderEntry{
				ID:        o.ID,
				UserID:    o.UserID,
				Side:      uint8(o.Side),
				Type:      uint8(o.Type),
				Price:     o.Price,
				Quantity:  o.Quantity,
				Unfilled:  o.Unfilled,
				CreateSeq: o.CreateSeq,
			})
		}
	}
	book.AsksWalk(appendLevel)
	book.BidsWalk(appendLevel)

	return s
}
