package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"github.com/tOgg1/parley/internal/store"
)

// NodeRepository implements store.Store over the nodes table. Every write
// appends to the changes table in the same transaction, which is the feed
// watches read from.
type NodeRepository struct {
	db *DB
}

var _ store.Store = (*NodeRepository)(nil)

// NewNodeRepository creates a new NodeRepository.
func NewNodeRepository(db *DB) *NodeRepository {
	return &NodeRepository{db: db}
}

type nodeRow struct {
	Path  string `db:"path"`
	Value []byte `db:"value"`
	Seq   int64  `db:"seq"`
}

func (r nodeRow) entry() store.Entry {
	return store.Entry{Path: r.Path, Value: r.Value, Seq: r.Seq}
}

// Put writes value at path, overwriting any previous value.
func (r *NodeRepository) Put(ctx context.Context, path string, value []byte) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sqlx.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		seq, err := appendChange(ctx, tx, path, value, now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (path, value, seq, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				value = excluded.value,
				seq = excluded.seq,
				updated_at = excluded.updated_at
		`, path, value, seq, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", path, err)
	}
	r.db.notifyChanged()
	return nil
}

// Create writes value at path only if the path is empty.
func (r *NodeRepository) Create(ctx context.Context, path string, value []byte) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path is required")
	}
	created := false
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sqlx.Tx) error {
		created = false
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (path, value, seq, updated_at) VALUES (?, ?, 0, ?)
			ON CONFLICT(path) DO NOTHING
		`, path, value, now)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		seq, err := appendChange(ctx, tx, path, value, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET seq = ? WHERE path = ?`, seq, path); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if created {
		r.db.notifyChanged()
	}
	return created, nil
}

// Get reads the value at path.
func (r *NodeRepository) Get(ctx context.Context, path string) ([]byte, error) {
	if r.db.closed() {
		return nil, ErrClosed
	}
	var value []byte
	err := r.db.GetContext(ctx, &value, `SELECT value FROM nodes WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return value, nil
}

// List returns every entry under prefix, ordered by path.
func (r *NodeRepository) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	if r.db.closed() {
		return nil, ErrClosed
	}
	var rows []nodeRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT path, value, seq FROM nodes
		WHERE substr(path, 1, ?) = ?
		ORDER BY path
	`, utf8.RuneCountInString(prefix), prefix); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	entries := make([]store.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.entry())
	}
	return entries, nil
}

func appendChange(ctx context.Context, tx *sqlx.Tx, path string, value []byte, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO changes (path, value, changed_at) VALUES (?, ?, ?)`,
		path, value, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
