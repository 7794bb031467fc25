//go:build integration

package store

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/ory/dockertest/v3"

	"europa/internal/db"
)

func mustConnect(t *testing.T, pool *dockertest.Pool, dsn string) *sqlx.DB {
	t.Helper()
	var conn *sqlx.DB
	err := pool.Retry(func() error {
		var err error
		conn, err = db.OpenDB(dsn)
		return err
	})
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
