// Package ownership answers whether a user owns a render job. It is consulted
// once per subscribe request.
package ownership

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

type Checker interface {
	OwnsJob(ctx context.Context, jobID, userID string) (bool, error)
}

type CheckerFunc func(ctx context.Context, jobID, userID string) (bool, error)

func (f CheckerFunc) OwnsJob(ctx context.Context, jobID, userID string) (bool, error) {
	return f(ctx, jobID, userID)
}

// DenyAll is used when no job database is configured.
var DenyAll Checker = CheckerFunc(func(context.Context, string, string) (bool, error) {
	return false, nil
})

// Querier is the subset of *pgxpool.Pool the checker needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const ownsJobQuery = `SELECT EXISTS (SELECT 1 FROM render_jobs WHERE id = $1 AND user_id = $2)`

type PostgresOptions struct {
	QueryTimeout     time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func DefaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		QueryTimeout:     3 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// PostgresChecker looks jobs up in the render_jobs table behind a circuit
// breaker, so a failing database turns into fast denials instead of piling
// up subscribe requests.
type PostgresChecker struct {
	db      Querier
	breaker *gobreaker.CircuitBreaker[bool]
	timeout time.Duration
}

func NewPostgresChecker(db Querier, opts PostgresOptions, log zerolog.Logger) *PostgresChecker {
	settings := gobreaker.Settings{
		Name:        "ownership-postgres",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("ownership breaker state change")
		},
	}
	return &PostgresChecker{
		db:      db,
		breaker: gobreaker.NewCircuitBreaker[bool](settings),
		timeout: opts.QueryTimeout,
	}
}

func (c *PostgresChecker) OwnsJob(ctx context.Context, jobID, userID string) (bool, error) {
	return c.breaker.Execute(func() (bool, error) {
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		var owns bool
		if err := c.db.QueryRow(ctx, ownsJobQuery, jobID, userID).Scan(&owns); err != nil {
			return false, errors.Wrap(err, "query job ownership")
		}
		return owns, nil
	})
}

func (c *PostgresChecker) State() string {
	return c.breaker.State().String()
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}
