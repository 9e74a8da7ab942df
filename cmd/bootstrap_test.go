package main

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wave-social/ripple/internal/presence"
	"github.com/wave-social/ripple/internal/ripple"
)

func TestMigrateSchemas_AppliesBothStores(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS presences`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ripples`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	env := &serviceEnv{
		Presences: presence.NewPostgresStore(mock),
		Ripples:   ripple.NewPostgresStore(mock),
	}
	require.NoError(t, migrateSchemas(context.Background(), env))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSchemas_NonTransientFailureSurfaces(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// Permanent errors must not be retried: exactly one attempt expected.
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS presences`).
		WillReturnError(errors.New("permission denied for schema public"))

	env := &serviceEnv{
		Presences: presence.NewPostgresStore(mock),
		Ripples:   ripple.NewPostgresStore(mock),
	}
	err = migrateSchemas(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}
