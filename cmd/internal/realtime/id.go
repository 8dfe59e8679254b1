package realtime

import (
	"time"

	"fidelity/cmd/internal/ids"
)

// newID returns a ULID for sessions and envelopes, or "" if the entropy
// source fails.
func newID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
