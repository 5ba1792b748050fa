// Package db is the PostgreSQL backend. Quantities and prices are NUMERIC
// columns read back as text so no precision is lost on the way to decimals.
package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
)

//go:embed schema.sql
var schema string

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

var (
	_ connector.Store            = (*DB)(nil)
	_ connector.ProjectionLoader = (*DB)(nil)
)

// Open connects to props "url". Optional: "max_conns", "migrate" (default
// true) to create missing tables on start.
func Open(ctx context.Context, props connector.Properties, log *logging.Logger) (*connector.Connector, error) {
	if err := props.Require("url"); err != nil {
		return nil, err
	}
	maxConns, err := props.Int("max_conns", 0)
	if err != nil {
		return nil, err
	}
	migrate, err := props.Bool("migrate", true)
	if err != nil {
		return nil, err
	}

	db, err := NewDB(ctx, props["url"], int32(maxConns), log)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := db.EnsureSchema(ctx); err != nil {
			db.Pool.Close()
			return nil, err
		}
	}
	return connector.New(connector.KindPostgres, db), nil
}

// NewDB initializes a new database connection pool and checks it answers.
func NewDB(ctx context.Context, connString string, maxConns int32, log *logging.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, err, "parse postgres url")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrapErr("create connection pool", err)
	}
	db := &DB{Pool: pool, log: log}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("connected to postgres",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int32("max_conns", cfg.MaxConns))
	return db, nil
}

// EnsureSchema creates any missing tables and indexes.
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return wrapErr("apply schema", err)
}

func (db *DB) Ping(ctx context.Context) error {
	return wrapErr("ping postgres", db.Pool.Ping(ctx))
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (db *DB) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return wrapErr(op+": begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return wrapErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr(op+": commit transaction", err)
	}
	return nil
}

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
	adminShutdown        = "57P01"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// wrapErr maps driver failures onto the error taxonomy. Server errors are
// classified by SQLSTATE; anything that never reached the server is a
// connection fault.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, errs.FromContext(err))
	case errors.Is(err, pgx.ErrNoRows):
		return errs.Wrap(errs.NotFound, err, op)
	case errors.As(err, &pgErr):
		switch {
		case pgErr.Code == uniqueViolation:
			return errs.Wrap(errs.Duplicate, err, op)
		case pgErr.Code == serializationFailure, pgErr.Code == deadlockDetected:
			return errs.Wrap(errs.Conflict, err, op)
		case pgErr.Code == adminShutdown, strings.HasPrefix(pgErr.Code, "08"):
			return errs.Wrap(errs.Connection, err, op)
		}
		return errs.Wrap(errs.Unknown, err, op)
	}
	return errs.Wrap(errs.Connection, err, op)
}

type scanner interface {
	Scan(dest ...any) error
}

func parseDecimal(s, column string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errs.Wrap(errs.Unknown, err, "decode "+column)
	}
	return d, nil
}

func parseOptionalDecimal(s *string, column string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(*s, column)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "encode metadata")
	}
	return data, nil
}

func decodeMetadata(data []byte) (map[string]string, error) {
	var m map[string]string
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "decode metadata")
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// limitArg turns a non-positive limit into NULL, which Postgres reads as
// LIMIT ALL.
func limitArg(limit int) *int64 {
	if limit <= 0 {
		return nil
	}
	n := int64(limit)
	return &n
}

// rowsTo collects every row with scan.
func rowsTo[T any](rows pgx.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
