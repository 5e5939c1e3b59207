package postgres

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/test"
)

const (
	testUser     = "postgres"
	testPassword = "postgres"
)

func Test_PostgresBackend(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skip("set POSTGRES_HOST to run postgres backend tests")
	}

	var dbName string

	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		dbName = "flowengine_test_" + uuid.NewString()[:8]

		db, err := sql.Open("pgx", fmt.Sprintf("host=%s user=%s password=%s sslmode=disable", host, testUser, testPassword))
		require.NoError(t, err)
		_, err = db.Exec("CREATE DATABASE " + dbName)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		return NewPostgresBackend(host, 5432, testUser, testPassword, dbName, options...)
	}, func(b backend.Backend) {
		require.NoError(t, b.Close())

		db, err := sql.Open("pgx", fmt.Sprintf("host=%s user=%s password=%s sslmode=disable", host, testUser, testPassword))
		require.NoError(t, err)
		_, err = db.Exec("DROP DATABASE IF EXISTS " + dbName)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})
}
