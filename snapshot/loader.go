package snapshot

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"venue/domain/asset"
	"venue/domain/orderbook"
)

// Load reads the snapshot in dir, if any, and installs it into the
// ledger and book. Returns the sequence id the snapshot was taken at,
// or 0 when no snapshot exists (snapshots are optional).
func Load(dir string, ledger *asset.Ledger, book *orderbook.OrderBook) (uint64, error) {
	f, err := os.Open(filepath.Join(dir, "snapshot.bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var s Snapshot
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return 0, err
	}

	Restore(&s, ledger, book)
	return s.Seq, nil
}

// Restore installs a snapshot into empty ledger/book instances.
func Restore(s *Snapshot, ledger *asset.Ledger, book *orderbook.OrderBook) {
	for _, e := range s.Balances {
		ledger.Restore(e.UserID, e.Asset, asset.Asset{
			Available: e.Available,
			Frozen:    e.Frozen,
		})
	}

	// entries were captured in queue order, so Insert rebuilds each
	// level's FIFO exactly
	for _, e := range s.Orders {
		book.Insert(&orderbook.Order{
			ID:        e.ID,
			UserID:    e.UserID,
			Side:      orderbook.Side(e.Side),
			Type:      orderbook.Type(e.Type),
			Price:     e.Price,
			Quantity:  e.Quantity,
			Unfilled:  e.Unfilled,
			CreateSeq: e.CreateSeq,
		})
	}
}
