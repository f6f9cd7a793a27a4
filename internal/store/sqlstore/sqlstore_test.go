package sqlstore

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"pickupcal/internal/store/storetest"
)

func TestSQLiteContract(t *testing.T) {
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "db", "pickupcal.db"))
	assert.NilError(t, err)
	defer s.Close()

	storetest.Run(t, s)
}

// TestPostgresContract runs against the server in DATABASE_DSN, inside a
// throwaway schema so existing data never interferes.
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("DATABASE_DSN not set")
	}
	ctx := context.Background()
	schema := "pickupcal_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := sql.Open(DriverPostgres, dsn)
	assert.NilError(t, err)
	defer admin.Close()
	_, err = admin.ExecContext(ctx, `CREATE SCHEMA `+schema)
	assert.NilError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
	})

	s, err := Open(ctx, DriverPostgres, withSearchPath(t, dsn, schema))
	assert.NilError(t, err)
	defer s.Close()

	storetest.Run(t, s)
}

// withSearchPath adds search_path to a URL or keyword/value DSN.
func withSearchPath(t *testing.T, dsn, schema string) string {
	t.Helper()
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema
	}
	u, err := url.Parse(dsn)
	assert.NilError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

func TestWithSearchPath(t *testing.T) {
	assert.Equal(t, withSearchPath(t, "postgres://u@db/app?sslmode=disable", "s1"),
		"postgres://u@db/app?search_path=s1&sslmode=disable")
	assert.Equal(t, withSearchPath(t, "host=db dbname=app", "s1"), "host=db dbname=app search_path=s1")
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, rebind(DriverSQLite, q), q)
	assert.Equal(t, rebind(DriverPostgres, q), `SELECT a FROM t WHERE x = $1 AND y = $2`)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.ErrorContains(t, err, "unsupported database driver")
}
