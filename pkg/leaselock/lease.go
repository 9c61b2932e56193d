package leaselock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

var defaultOwner = func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}()

// Lease is a held lock. Context stays live until Release or until a
// renewal finds the row taken over.
type Lease struct {
	Key     string
	Token   string
	Context context.Context

	db     dbConn
	ttl    time.Duration
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

// Acquire takes the lease for key. Without opts.Wait a held key fails
// right away with an error matching ErrBusy.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	opts = opts.normalize()

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("lease token: %w", err)
	}
	token := opts.Owner + "/" + id

	try := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.tryAcquire(ctx, key, token, opts.TTL)
	}
	if opts.Wait {
		_, err = util.RetryBackoff(ctx, waitPolicy(opts.WaitInterval), try)
	} else {
		_, err = try(ctx)
	}
	if err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Key:     key,
		Token:   token,
		Context: leaseCtx,
		db:      c.db,
		ttl:     opts.TTL,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.keepAlive(opts.RenewEvery)
	logger.Debug("[LeaseLock] Acquired", "key", key, "ttl", opts.TTL)
	return l, nil
}

func (c *Client) tryAcquire(ctx context.Context, key, token string, ttl time.Duration) error {
	var got string
	err := c.db.QueryRow(ctx, tryAcquireSQL, key, token, ttl.Seconds()).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrBusy, key)
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &common.StoreUnavailableError{Err: fmt.Errorf("acquire %s: %w", key, err)}
	}
	return nil
}

// waitPolicy polls with a slowly growing interval and no attempt limit
// that matters in practice; the caller's context bounds the wait.
func waitPolicy(interval time.Duration) util.BackoffPolicy {
	return util.BackoffPolicy{
		Initial:     interval,
		Multiplier:  1.5,
		Max:         max(interval, maxWaitInterval),
		MaxAttempts: 1 << 20,
		Jitter:      0.2,
		Retryable:   func(err error) bool { return errors.Is(err, ErrBusy) },
	}
}

// Release stops renewal and deletes the row if this lease still owns it.
// It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.done)
		l.cancel(context.Canceled)
	})
	if _, err := l.db.Exec(ctx, releaseSQL, l.Key, l.Token); err != nil {
		return fmt.Errorf("release %s: %w", l.Key, err)
	}
	return nil
}

func (l *Lease) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
		}
		if err := l.renew(); err != nil {
			if l.Context.Err() != nil {
				return
			}
			logger.Warn("[LeaseLock] Lease lost", "key", l.Key, "err", err)
			l.cancel(err)
			return
		}
	}
}

// renew extends the lease, retrying transient database errors a few times.
// A missing row means someone else took the key after expiry.
func (l *Lease) renew() error {
	policy := util.BackoffPolicy{
		Initial:     200 * time.Millisecond,
		Multiplier:  2,
		Max:         2 * time.Second,
		MaxAttempts: 3,
		Retryable:   func(err error) bool { return !errors.Is(err, ErrLost) },
	}
	_, err := util.RetryBackoff(l.Context, policy, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		var got string
		err := l.db.QueryRow(ctx, renewSQL, l.Key, l.Token, l.ttl.Seconds()).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return struct{}{}, ErrLost
		}
		return struct{}{}, err
	})
	if err != nil && !errors.Is(err, ErrLost) {
		return errors.Join(ErrLost, err)
	}
	return err
}
