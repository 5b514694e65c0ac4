package backend

import (
	"fmt"
	"time"

	"github.com/seantiz/stowage/internal/model"
)

// NextRevision stamps rec as the successor of prev, the currently stored
// revision (zero when the record is new). Engines call it inside whatever
// transaction guards the write.
func NextRevision(rec model.Record, prev int64, now time.Time) (model.Record, error) {
	if rec.ID == "" {
		return model.Record{}, fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	rec.Rev = prev + 1
	// Microsecond precision survives every engine's timestamp encoding.
	rec.UpdatedAt = now.UTC().Truncate(time.Microsecond)
	return rec, nil
}
