// Package postgres wraps sqlx for C12's OLTP access: a DB/Tx pair that
// carries the open transaction in the context and nests WithTx calls
// as savepoints, generalized from the teacher's pre-ent
// internal/postgres layer. The FOR UPDATE queries live in
// internal/store/postgres.
package postgres

import (
	"context"
	"database/sql"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/meteroid-oss/meteroid-sub001/internal/config"
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
)

// DB wraps sqlx.DB to provide transaction management via context.
type DB struct {
	*sqlx.DB
	logger *logger.Logger
}

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	NamedQueryContext(ctx context.Context, query string, arg interface{}) (*sqlx.Rows, error)
}

// NewDB opens the pool described by cfg.
func NewDB(cfg *config.Configuration, log *logger.Logger) (*DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Postgres.GetDSN())
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}
	if cfg.Postgres.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}
	return &DB{DB: db, logger: log}, nil
}

func (db *DB) Close() {
	if err := db.DB.Close(); err != nil {
		log.Printf("error closing database: %v", err)
	}
}

// Querier returns the in-flight transaction from ctx, or the base pool
// if none is open — every repository method calls this instead of
// holding its own *sqlx.DB.
func (db *DB) Querier(ctx context.Context) Querier {
	if tx, ok := GetTx(ctx); ok {
		return tx.Tx
	}
	return db.DB
}
