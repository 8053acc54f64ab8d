// Package storetest opens throwaway in-memory databases carrying the platform schema.
package storetest

import (
	_ "embed"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// NewDB returns an empty in-memory sqlite database with the schema applied. Extra
// statements are executed after the schema.
func NewDB(t *testing.T, extra ...string) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err, "Could not open test database")

	// a single connection keeps the in-memory database alive and serialises writers
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	for _, stmt := range append([]string{schema}, extra...) {
		_, err = db.Exec(stmt)
		require.NoError(t, err, "Could not apply schema")
	}
	return db
}

// InsertJob adds a job row
func InsertJob(t *testing.T, db *sqlx.DB, jobID, status string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO jobs (id, status) VALUES (?, ?)`, jobID, status)
	require.NoError(t, err, "Could not insert job. id=%q", jobID)
}

// InsertRun adds a run row. An empty jobID or a zero createdAt are stored as NULL.
func InsertRun(t *testing.T, db *sqlx.DB, runID, jobID, status string, createdAt time.Time) {
	t.Helper()

	var job, created any
	if jobID != "" {
		job = jobID
	}
	if !createdAt.IsZero() {
		created = createdAt.UTC()
	}
	_, err := db.Exec(`INSERT INTO runs (id, job_id, status, created_at) VALUES (?, ?, ?, ?)`, runID, job, status, created)
	require.NoError(t, err, "Could not insert run. id=%q job_id=%q", runID, jobID)
}
