package mysql

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
	testUser     = "root"
	testPassword = "root"
)

func Test_MysqlBackend(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	host := os.Getenv("MYSQL_HOST")
	if host == "" {
		t.Skip("set MYSQL_HOST to run mysql backend tests")
	}

	var dbName string

	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		dbName = "flowengine_test_" + uuid.NewString()[:8]

		db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:3306)/", testUser, testPassword, host))
		require.NoError(t, err)
		_, err = db.Exec("CREATE DATABASE " + dbName)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		return NewMysqlBackend(host, 3306, testUser, testPassword, dbName, options...)
	}, func(b backend.Backend) {
		require.NoError(t, b.Close())

		db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:3306)/", testUser, testPassword, host))
		require.NoError(t, err)
		_, err = db.Exec("DROP DATABASE IF EXISTS " + dbName)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})
}
