package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meteroid-oss/meteroid-sub001/internal/types"
)

// TxKey is the context key a transaction is stashed under.
type TxKey struct{}

// Tx wraps sqlx.Tx to support nested WithTx calls via savepoints — C8,
// C9, C10 and C11 each open one top-level transaction, but C7's line
// computation may run inside any of them.
type Tx struct {
	*sqlx.Tx
	savepointID int
	ID          string
}

// GetTx retrieves the transaction stashed in ctx, if any.
func GetTx(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(TxKey{}).(*Tx)
	return tx, ok
}

// BeginTx starts a new transaction, or a savepoint if one is already
// open in ctx.
func (db *DB) BeginTx(ctx context.Context) (context.Context, *Tx, error) {
	if tx, ok := GetTx(ctx); ok {
		tx.savepointID++
		savepoint := fmt.Sprintf("sp_%d", tx.savepointID)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s", savepoint)); err != nil {
			return ctx, nil, fmt.Errorf("creating savepoint: %w", err)
		}
		return ctx, tx, nil
	}

	sqlxTx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ctx, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	tx := &Tx{Tx: sqlxTx, ID: types.GenerateID()}
	return context.WithValue(ctx, TxKey{}, tx), tx, nil
}

func (db *DB) CommitTx(ctx context.Context) error {
	tx, ok := GetTx(ctx)
	if !ok {
		return fmt.Errorf("no transaction in context")
	}
	if tx.savepointID > 0 {
		savepoint := fmt.Sprintf("sp_%d", tx.savepointID)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", savepoint)); err != nil {
			return fmt.Errorf("releasing savepoint: %w", err)
		}
		tx.savepointID--
		return nil
	}
	return tx.Commit()
}

func (db *DB) RollbackTx(ctx context.Context) error {
	tx, ok := GetTx(ctx)
	if !ok {
		return fmt.Errorf("no transaction in context")
	}
	if tx.savepointID > 0 {
		savepoint := fmt.Sprintf("sp_%d", tx.savepointID)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", savepoint)); err != nil {
			return fmt.Errorf("rolling back to savepoint: %w", err)
		}
		tx.savepointID--
		return nil
	}
	return tx.Rollback()
}

// WithTx runs fn inside a transaction (or a savepoint, if one is
// already open), committing on success and rolling back on error or
// panic. Every transactional boundary named in spec §5 (C8, C9, C10,
// C11) goes through this.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = db.RollbackTx(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if rbErr := db.RollbackTx(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := db.CommitTx(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}
