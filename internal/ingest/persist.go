package ingest

import (
	"context"
	"fmt"
)

// Persister writes validated candidates for one village in a single transaction.
type Persister struct {
	store Store
	dedup *Deduplicator
}

// NewPersister creates a Persister.
func NewPersister(store Store, dedup *Deduplicator) *Persister {
	return &Persister{store: store, dedup: dedup}
}

// PersistBatch checks each candidate against the deduplicator and inserts the
// rest, all inside one transaction. It returns only the rows actually inserted.
// Any failure rolls back the whole batch and is returned as *PersistenceError.
func (p *Persister) PersistBatch(ctx context.Context, villageID string, candidates []Reading) ([]StoredReading, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var stored []StoredReading
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		stored = stored[:0]
		for _, c := range candidates {
			if c.VillageID != villageID {
				return fmt.Errorf("candidate for %s in batch for %s", c.VillageID, villageID)
			}
			dup, err := p.dedup.IsDuplicate(ctx, tx, c)
			if err != nil {
				return fmt.Errorf("dedup check: %w", err)
			}
			if dup {
				continue
			}
			s, err := tx.Insert(ctx, c)
			if err != nil {
				return fmt.Errorf("insert %s reading: %w", c.Kind, err)
			}
			stored = append(stored, s)
		}
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{VillageID: villageID, Err: err}
	}
	return stored, nil
}
