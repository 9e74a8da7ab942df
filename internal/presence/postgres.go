package presence

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

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
CREATE TABLE IF NOT EXISTS presences (
	user_id     TEXT PRIMARY KEY,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	location    geography(Point,4326) NOT NULL,
	last_active TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_presences_location ON presences USING GIST (location);
CREATE INDEX IF NOT EXISTS idx_presences_last_active ON presences (last_active);
`

// Migrate creates the presences table and its geospatial index. Idempotent;
// run before serving traffic.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migration)
	return eris.Wrap(err, "presence: migrate")
}

func (s *PostgresStore) Upsert(ctx context.Context, userID string, loc geo.Coordinate, now time.Time) error {
	point, err := geo.EncodeEWKB(loc)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO presences (user_id, latitude, longitude, location, last_active)
		 VALUES ($1, $2, $3, ST_GeogFromWKB($4), $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		   latitude = $2, longitude = $3, location = ST_GeogFromWKB($4), last_active = $5`,
		userID, loc.Latitude, loc.Longitude, point, now.UTC(),
	)
	return eris.Wrapf(err, "presence: upsert %s", userID)
}

func (s *PostgresStore) FindWithinRadius(ctx context.Context, center geo.Coordinate, radiusMeters float64, freshCutoff time.Time) ([]Presence, error) {
	point, err := geo.EncodeEWKB(center)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, latitude, longitude, last_active
		 FROM presences
		 WHERE last_active >= $1 AND ST_DWithin(location, ST_GeogFromWKB($2), $3)
		 ORDER BY location <-> ST_GeogFromWKB($2)`,
		freshCutoff.UTC(), point, radiusMeters,
	)
	if err != nil {
		return nil, eris.Wrap(err, "presence: find within radius")
	}
	defer rows.Close()

	var presences []Presence
	for rows.Next() {
		var p Presence
		if err := rows.Scan(&p.UserID, &p.Location.Latitude, &p.Location.Longitude, &p.LastActive); err != nil {
			return nil, eris.Wrap(err, "presence: scan presence row")
		}
		presences = append(presences, p)
	}
	return presences, eris.Wrap(rows.Err(), "presence: iterate presence rows")
}
