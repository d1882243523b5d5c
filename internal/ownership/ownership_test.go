package ownership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	owns bool
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.owns
	return nil
}

type fakeDB struct {
	rows  map[[2]string]bool
	err   error
	calls int
	sql   string
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.calls++
	db.sql = sql
	if db.err != nil {
		return fakeRow{err: db.err}
	}
	return fakeRow{owns: db.rows[[2]string{args[0].(string), args[1].(string)}]}
}

func TestPostgresChecker_OwnsJob(t *testing.T) {
	db := &fakeDB{rows: map[[2]string]bool{{"job-1", "alice"}: true}}
	c := NewPostgresChecker(db, DefaultPostgresOptions(), zerolog.Nop())

	owns, err := c.OwnsJob(context.Background(), "job-1", "alice")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = c.OwnsJob(context.Background(), "job-1", "bob")
	require.NoError(t, err)
	assert.False(t, owns)
	assert.Contains(t, db.sql, "render_jobs")
}

func TestPostgresChecker_BreakerOpensAfterFailures(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	opts := PostgresOptions{QueryTimeout: time.Second, FailureThreshold: 2, OpenTimeout: time.Minute}
	c := NewPostgresChecker(db, opts, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := c.OwnsJob(context.Background(), "job-1", "alice")
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.State())

	_, err := c.OwnsJob(context.Background(), "job-1", "alice")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, db.calls)
}

func TestDenyAll(t *testing.T) {
	owns, err := DenyAll.OwnsJob(context.Background(), "job", "user")
	require.NoError(t, err)
	assert.False(t, owns)
}
