package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/insightlytics/insight/internal/domain"
)

// DedupeKey derives a stable key from the identifying tuple. Two events with
// the same name, principal, session and occurrence time are the same event.
func DedupeKey(ev *domain.Event) string {
	composite := fmt.Sprintf("%s|%s|%s|%d", ev.Name, ev.PrincipalID, ev.SessionID, ev.OccurredAt.UnixNano())
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}

// deduper collapses duplicates within a single batch: later occurrences
// inherit the first occurrence's outcome instead of writing a second row.
type deduper struct {
	seen map[string]int
}

func newDeduper() *deduper {
	return &deduper{seen: make(map[string]int)}
}

// check returns the winning index and true when ev duplicates an earlier
// batch item; otherwise it records idx as the winner.
func (d *deduper) check(idx int, ev *domain.Event) (int, bool) {
	key := DedupeKey(ev)
	if winner, ok := d.seen[key]; ok {
		return winner, true
	}
	d.seen[key] = idx
	return idx, false
}
