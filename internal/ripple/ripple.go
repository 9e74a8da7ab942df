// Package ripple owns active ripple records: ephemeral clusters of three or
// more co-located users sharing a fixed origin point.
package ripple

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/wave-social/ripple/internal/geo"
)

// MinMembers is the dissolution floor. A ripple whose membership drops below
// this is deleted in the same transaction as the departure, never persisted.
const MinMembers = 3

var (
	// ErrDuplicateMembership reports a user present in more than one ripple.
	// That breaks the one-ripple-per-user invariant and is a non-recoverable
	// integrity fault, not something to silently pick through.
	ErrDuplicateMembership = eris.New("ripple: user belongs to multiple ripples")

	// ErrMembershipConflict reports a conditional write rejected because the
	// user already belongs to another ripple.
	ErrMembershipConflict = eris.New("ripple: user already belongs to a ripple")

	// ErrNotFound reports a mutation against a ripple that no longer exists.
	ErrNotFound = eris.New("ripple: not found")
)

// Ripple is a cluster of co-present users. Origin is the centroid of the
// founding members and is fixed at creation; later joins and departures do
// not move it.
type Ripple struct {
	ID      string         `json:"id"`
	Origin  geo.Coordinate `json:"origin"`
	Members []string       `json:"members"`
}

// Store owns ripple records. Callers never hold a Ripple beyond one decision
// cycle; every cycle re-reads through the store.
type Store interface {
	// Insert creates a ripple with the given origin and founding members.
	// It is a conditional write: if any founding member already belongs to a
	// ripple the insert is rejected with ErrMembershipConflict.
	Insert(ctx context.Context, origin geo.Coordinate, members []string) (string, error)

	// FindByMember returns the ripple containing userID, or nil if none.
	// More than one match is reported as ErrDuplicateMembership.
	FindByMember(ctx context.Context, userID string) (*Ripple, error)

	// FindWithinRadius returns ripples whose origin lies within radiusMeters
	// of center, nearest first.
	FindWithinRadius(ctx context.Context, center geo.Coordinate, radiusMeters float64) ([]Ripple, error)

	// RemoveMember removes userID and returns the post-mutation member
	// count. If the count falls below MinMembers the ripple is deleted in
	// the same transaction and 0 is returned. A ripple already gone also
	// yields 0.
	RemoveMember(ctx context.Context, rippleID, userID string) (int, error)

	// AddMember adds userID with set semantics: a no-op if userID is already
	// a member of this ripple, ErrMembershipConflict if of another one, and
	// ErrNotFound if the ripple has since dissolved.
	AddMember(ctx context.Context, rippleID, userID string) error

	// AffiliatedMembers reports which of the given users already belong to
	// any ripple.
	AffiliatedMembers(ctx context.Context, userIDs []string) (map[string]bool, error)

	// Delete removes a ripple outright.
	Delete(ctx context.Context, rippleID string) error
}
