package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PruneChanges deletes up to limit change rows older than olderThan and
// records the highest deleted sequence. Watches whose cursor is behind that
// sequence fail with store.ErrWatchExpired. Node values are never pruned.
func (db *DB) PruneChanges(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	cutoff := olderThan.UTC().Format(time.RFC3339Nano)

	var deleted int64
	err := db.TransactionWithRetry(ctx, 0, 0, func(tx *sqlx.Tx) error {
		deleted = 0
		var maxSeq int64
		if err := tx.GetContext(ctx, &maxSeq, `
			SELECT COALESCE(MAX(seq), 0) FROM (
				SELECT seq FROM changes WHERE changed_at < ? ORDER BY seq LIMIT ?
			)
		`, cutoff, limit); err != nil {
			return err
		}
		if maxSeq == 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE seq <= ?`, maxSeq)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO store_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)
		`, prunedThroughKey, maxSeq)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune changes: %w", err)
	}
	if deleted > 0 {
		db.logger.Info().Int64("deleted", deleted).Msg("pruned change feed")
	}
	return deleted, nil
}
