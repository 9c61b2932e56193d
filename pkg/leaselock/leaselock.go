// Package leaselock keeps one ingestion batch, provenance backfill or
// duplicate scan from running twice at once. Leases live in the app_locks
// table, so CLI runs and workers sharing a lock database see each other.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

var (
	ErrBusy     = errors.New("lease lock busy")
	ErrLost     = errors.New("lease lock lost")
	errEmptyKey = errors.New("lease lock key is empty")
)

const (
	defaultTTL          = 5 * time.Minute
	defaultWaitInterval = 250 * time.Millisecond
	maxWaitInterval     = 5 * time.Second
	releaseTimeout      = 10 * time.Second
)

// Locker runs fn while holding the lease for key. The context handed to fn
// is cancelled with ErrLost as its cause when the lease expires under it.
type Locker interface {
	WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error
}

// BatchKey is the lock key of an ingestion batch.
func BatchKey(batchID string) string {
	return "batch:" + batchID
}

const (
	// BackfillKey guards the provenance backfill.
	BackfillKey = "provenance:backfill"
	// ScanKey guards the scheduled duplicate scan.
	ScanKey = "dedupe:scan"
)

// Noop is the Locker used when no lock database is configured.
type Noop struct{}

func (Noop) WithLease(ctx context.Context, key string, _ Options, fn func(ctx context.Context) error) error {
	if key == "" {
		return errEmptyKey
	}
	return fn(ctx)
}

// Options tune a lease. The zero value holds the lease for five minutes,
// renews it at half that and fails with ErrBusy when someone else holds it.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait polls until the lease frees up or ctx ends. Polling starts at
	// WaitInterval and slows down to a few seconds.
	Wait         bool
	WaitInterval time.Duration

	// Owner is recorded in locked_by ahead of the random token. It
	// defaults to host:pid.
	Owner string
}

func (o Options) normalize() Options {
	if o.TTL < 2*time.Second {
		o.TTL = defaultTTL
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = defaultWaitInterval
	}
	if o.Owner == "" {
		o.Owner = defaultOwner
	}
	return o
}

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client is the Locker backed by app_locks.
type Client struct {
	db dbConn
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{db: pool}
}

// WithLease acquires key, runs fn and releases the lease afterwards. An
// error of fn after the lease was lost also matches ErrLost.
func (c *Client) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			logger.Warn("[LeaseLock] Release failed, lease expires on its own", "key", key, "err", err)
		}
	}()

	err = fn(lease.Context)
	if err != nil && errors.Is(context.Cause(lease.Context), ErrLost) && !errors.Is(err, ErrLost) {
		return fmt.Errorf("%s: %w", key, errors.Join(ErrLost, err))
	}
	return err
}

const tryAcquireSQL = `
INSERT INTO app_locks AS l (lock_key, locked_by, expires_at)
VALUES ($1, $2, clock_timestamp() + make_interval(secs => $3::double precision))
ON CONFLICT (lock_key) DO UPDATE
    SET locked_by = EXCLUDED.locked_by,
        expires_at = EXCLUDED.expires_at
    WHERE l.expires_at < clock_timestamp()
       OR l.locked_by = EXCLUDED.locked_by
RETURNING lock_key`

const renewSQL = `
UPDATE app_locks
SET expires_at = clock_timestamp() + make_interval(secs => $3::double precision)
WHERE lock_key = $1
  AND locked_by = $2
RETURNING lock_key`

const releaseSQL = `DELETE FROM app_locks WHERE lock_key = $1 AND locked_by = $2`
