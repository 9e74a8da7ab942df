package ripple

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wave-social/ripple/internal/db"
	"github.com/wave-social/ripple/internal/geo"
)

// PostgresStore implements Store over a PostGIS-enabled pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore wraps an existing pool; lifecycle stays with the caller.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const migration = `
CREATE TABLE IF NOT EXISTS ripples (
	id               TEXT PRIMARY KEY,
	origin_latitude  DOUBLE PRECISION NOT NULL,
	origin_longitude DOUBLE PRECISION NOT NULL,
	origin           geography(Point,4326) NOT NULL,
	members          TEXT[] NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ripples_origin ON ripples USING GIST (origin);
CREATE INDEX IF NOT EXISTS idx_ripples_members ON ripples USING GIN (members);
`

// Migrate creates the ripples table and its indexes. Idempotent; run before
// serving traffic.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migration)
	return eris.Wrap(err, "ripple: migrate")
}

func (s *PostgresStore) Insert(ctx context.Context, origin geo.Coordinate, members []string) (string, error) {
	if len(members) == 0 {
		return "", eris.New("ripple: insert with no members")
	}

	point, err := geo.EncodeEWKB(origin)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()

	// The NOT EXISTS guard makes this an atomic conditional write: it fails
	// rather than producing a second membership for any founding member.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ripples (id, origin_latitude, origin_longitude, origin, members, created_at)
		 SELECT $1, $2, $3, ST_GeogFromWKB($4), $5::text[], $6
		 WHERE NOT EXISTS (SELECT 1 FROM ripples WHERE members && $5::text[])`,
		id, origin.Latitude, origin.Longitude, point, members, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "ripple: insert")
	}
	if tag.RowsAffected() == 0 {
		return "", ErrMembershipConflict
	}
	return id, nil
}

func (s *PostgresStore) FindByMember(ctx context.Context, userID string) (*Ripple, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, origin_latitude, origin_longitude, members FROM ripples WHERE $1 = ANY(members)`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ripple: find by member %s", userID)
	}
	defer rows.Close()

	var found []Ripple
	for rows.Next() {
		var r Ripple
		if err := rows.Scan(&r.ID, &r.Origin.Latitude, &r.Origin.Longitude, &r.Members); err != nil {
			return nil, eris.Wrap(err, "ripple: scan ripple row")
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "ripple: iterate ripple rows")
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		zap.L().Error("user belongs to multiple ripples",
			zap.String("user_id", userID),
			zap.Int("count", len(found)),
		)
		return nil, ErrDuplicateMembership
	}
}

func (s *PostgresStore) FindWithinRadius(ctx context.Context, center geo.Coordinate, radiusMeters float64) ([]Ripple, error) {
	point, err := geo.EncodeEWKB(center)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, origin_latitude, origin_longitude, members
		 FROM ripples
		 WHERE ST_DWithin(origin, ST_GeogFromWKB($1), $2)
		 ORDER BY origin <-> ST_GeogFromWKB($1)`,
		point, radiusMeters,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ripple: find within radius")
	}
	defer rows.Close()

	var ripples []Ripple
	for rows.Next() {
		var r Ripple
		if err := rows.Scan(&r.ID, &r.Origin.Latitude, &r.Origin.Longitude, &r.Members); err != nil {
			return nil, eris.Wrap(err, "ripple: scan ripple row")
		}
		ripples = append(ripples, r)
	}
	return ripples, eris.Wrap(rows.Err(), "ripple: iterate ripple rows")
}

func (s *PostgresStore) RemoveMember(ctx context.Context, rippleID, userID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "ripple: remove member: begin tx")
	}
	defer tx.Rollback(ctx)

	// The UPDATE takes the row lock; the floor check and delete commit with
	// it, so two concurrent departures cannot both observe the old count.
	var count int
	err = tx.QueryRow(ctx,
		`UPDATE ripples SET members = array_remove(members, $2) WHERE id = $1
		 RETURNING cardinality(members)`,
		rippleID, userID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already dissolved by a concurrent departure.
			return 0, nil
		}
		return 0, eris.Wrapf(err, "ripple: remove member from %s", rippleID)
	}

	if count < MinMembers {
		if _, err := tx.Exec(ctx, `DELETE FROM ripples WHERE id = $1`, rippleID); err != nil {
			return 0, eris.Wrapf(err, "ripple: dissolve %s", rippleID)
		}
		count = 0
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "ripple: remove member: commit tx")
	}
	return count, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, rippleID, userID string) error {
	// Conditional write: the user must not already be in this ripple (set
	// semantics) nor in any other one (membership uniqueness).
	tag, err := s.pool.Exec(ctx,
		`UPDATE ripples SET members = array_append(members, $2)
		 WHERE id = $1
		   AND NOT ($2 = ANY(members))
		   AND NOT EXISTS (SELECT 1 FROM ripples other WHERE other.id <> $1 AND $2 = ANY(other.members))`,
		rippleID, userID,
	)
	if err != nil {
		return eris.Wrapf(err, "ripple: add member to %s", rippleID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows updated: distinguish the set-semantics no-op from a
	// membership conflict or a vanished ripple.
	existing, err := s.FindByMember(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.ID == rippleID {
			return nil
		}
		return ErrMembershipConflict
	}
	return ErrNotFound
}

func (s *PostgresStore) AffiliatedMembers(ctx context.Context, userIDs []string) (map[string]bool, error) {
	affiliated := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return affiliated, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT member FROM ripples, unnest(members) AS member WHERE member = ANY($1::text[])`,
		userIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ripple: affiliated members")
	}
	defer rows.Close()

	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, eris.Wrap(err, "ripple: scan member row")
		}
		affiliated[member] = true
	}
	return affiliated, eris.Wrap(rows.Err(), "ripple: iterate member rows")
}

func (s *PostgresStore) Delete(ctx context.Context, rippleID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ripples WHERE id = $1`, rippleID)
	return eris.Wrapf(err, "ripple: delete %s", rippleID)
}
