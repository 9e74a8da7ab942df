// Package presence tracks each user's most recently reported location.
package presence

import (
	"context"
	"time"

	"github.com/wave-social/ripple/internal/geo"
)

// Presence is a user's last reported location and when it was reported.
// Reports overwrite the single row per user; they never append. A presence
// is never deleted, only aged out of queries by the freshness cutoff.
type Presence struct {
	UserID     string         `json:"userId"`
	Location   geo.Coordinate `json:"location"`
	LastActive time.Time      `json:"lastActive"`
}

// Store persists presences and answers freshness-filtered radius queries.
type Store interface {
	// Upsert replaces the stored presence for userID, setting lastActive to
	// now. Idempotent: applying twice with the same arguments yields the
	// same stored state.
	Upsert(ctx context.Context, userID string, loc geo.Coordinate, now time.Time) error

	// FindWithinRadius returns presences within radiusMeters of center whose
	// lastActive is at or after freshCutoff, nearest first.
	FindWithinRadius(ctx context.Context, center geo.Coordinate, radiusMeters float64, freshCutoff time.Time) ([]Presence, error)
}
