// Package pgx keeps the property graph in two PostgreSQL tables with jsonb
// properties. Kinds, keys, property names and values are all bound as
// parameters.
package pgx

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphStorage on PostgreSQL.
type GraphDBStorage struct {
	conn pgxIConn
	pool *pgxpool.Pool
	inTx bool
}

// Migrate applies the embedded schema migrations. databaseURL must use the
// postgres:// scheme.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return &common.StoreUnavailableError{Err: err}
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate graph schema: %w", err)
	}
	return nil
}

// NewGraphDBStorage migrates the schema and opens a pool.
func NewGraphDBStorage(ctx context.Context, databaseURL string) (*GraphDBStorage, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, &common.StoreUnavailableError{Err: err}
	}
	s := &GraphDBStorage{conn: pool, pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewGraphDBStorageWithConnection wraps an existing connection or pool. The
// schema must already be migrated.
func NewGraphDBStorageWithConnection(conn pgxIConn) *GraphDBStorage {
	s := &GraphDBStorage{conn: conn}
	if pool, ok := conn.(*pgxpool.Pool); ok {
		s.pool = pool
	}
	return s
}

// Pool exposes the underlying pool so the lease lock can share it.
func (s *GraphDBStorage) Pool() *pgxpool.Pool {
	return s.pool
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &common.DuplicateKeyError{Kind: pgErr.TableName, Key: pgErr.ConstraintName, Err: err}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return &common.StoreUnavailableError{Err: err}
	}
	return err
}

// inTransaction runs fn on the current transaction, or on a new one when
// the storage is not inside WithTx.
func (s *GraphDBStorage) inTransaction(ctx context.Context, fn func(conn pgxIConn) error) error {
	if s.inTx {
		return mapErr(fn(s.conn))
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

// WithTx begins a transaction, or a savepoint when s is already inside one.
func (s *GraphDBStorage) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.GraphStorage) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(ctx, &GraphDBStorage{conn: tx, pool: s.pool, inTx: true}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgxv5.ErrTxClosed) {
			logger.Error("[Postgres] Rollback failed", "err", rbErr)
		}
		return err
	}
	return mapErr(tx.Commit(ctx))
}

func (s *GraphDBStorage) Ping(ctx context.Context) error {
	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			return &common.StoreUnavailableError{Err: err}
		}
		return nil
	}
	var one int
	if err := s.conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return &common.StoreUnavailableError{Err: err}
	}
	return nil
}

func (s *GraphDBStorage) Close(context.Context) error {
	if s.inTx {
		return errors.New("close called inside a transaction")
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func decodeProps(raw []byte) (store.Props, error) {
	if len(raw) == 0 {
		return store.Props{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode properties: %w", err)
	}
	out := make(store.Props, len(m))
	for k, v := range m {
		nv, err := store.NormalizeValue(v)
		if err != nil {
			out[k] = v
			continue
		}
		out[k] = nv
	}
	return out, nil
}

func encodeProps(p store.Props) ([]byte, error) {
	if p == nil {
		p = store.Props{}
	}
	return json.Marshal(p)
}
