package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultWeatherWindow is the trailing window within which a second weather
// reading for the same village counts as a duplicate.
const DefaultWeatherWindow = time.Hour

// Deduplicator decides whether a candidate already exists in the store.
// Weather uses a trailing time window; market uses the exact
// (village, commodity, arrival date) key. The two rules are intentionally distinct.
type Deduplicator struct {
	clock  clockwork.Clock
	window time.Duration
}

// NewDeduplicator creates a Deduplicator. Windows shorter than
// DefaultWeatherWindow are raised to it: stored weather readings are unique
// per village and clock hour, and a shorter window would let a same-hour
// candidate reach the insert and fail the batch.
func NewDeduplicator(clock clockwork.Clock, window time.Duration) *Deduplicator {
	if window < DefaultWeatherWindow {
		window = DefaultWeatherWindow
	}
	return &Deduplicator{clock: clock, window: window}
}

// Window returns the weather dedup window.
func (d *Deduplicator) Window() time.Duration { return d.window }

// IsDuplicate reports whether r is already stored. It only reads, and must be
// called with the same tx that will perform the insert.
func (d *Deduplicator) IsDuplicate(ctx context.Context, tx Tx, r Reading) (bool, error) {
	switch r.Kind {
	case KindWeather:
		since := d.clock.Now().UTC().Add(-d.window)
		return tx.HasWeatherSince(ctx, r.VillageID, since)
	case KindMarket:
		if r.Market == nil {
			return false, fmt.Errorf("market reading for %s has no payload", r.VillageID)
		}
		return tx.HasMarket(ctx, r.VillageID, r.Market.Commodity, r.Market.ArrivalDate)
	default:
		return false, fmt.Errorf("unknown reading kind %q", r.Kind)
	}
}
