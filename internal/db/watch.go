package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"github.com/tOgg1/parley/internal/store"
)

const prunedThroughKey = "pruned_through"

type changeRow struct {
	Seq   int64  `db:"seq"`
	Path  string `db:"path"`
	Value []byte `db:"value"`
}

type nodeWatch struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	once      sync.Once
}

func (w *nodeWatch) Cancel() {
	w.once.Do(func() {
		w.cancelled.Store(true)
		w.cancel()
	})
}

// Watch delivers a snapshot of prefix and then every later write under it,
// in commit order. Writes from this process wake the watch immediately;
// writes from other processes are picked up by polling.
func (r *NodeRepository) Watch(prefix string, handler store.WatchHandler) (store.Watch, error) {
	if prefix == "" {
		return nil, store.ErrInvalidPrefix
	}
	if handler == nil {
		return nil, fmt.Errorf("watch handler is required")
	}
	if r.db.closed() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &nodeWatch{cancel: cancel}
	go r.runWatch(ctx, w, prefix, handler)
	return w, nil
}

func (r *NodeRepository) runWatch(ctx context.Context, w *nodeWatch, prefix string, handler store.WatchHandler) {
	logger := r.db.logger.With().Str("prefix", prefix).Logger()
	deliver := func(ev store.Event) bool {
		if w.cancelled.Load() || ctx.Err() != nil {
			return false
		}
		handler(ev)
		return true
	}
	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		if r.db.closed() {
			err = ErrClosed
		}
		logger.Warn().Err(err).Msg("watch failed")
		deliver(store.Event{Kind: store.EventError, Err: err})
	}

	entries, cursor, err := r.snapshot(ctx, prefix)
	if err != nil {
		fail(err)
		return
	}
	if !deliver(store.Event{Kind: store.EventSnapshot, Entries: entries}) {
		return
	}

	base := r.db.cfg.PollInterval
	interval := base
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		// Grab the wake channel before reading so a commit landing between
		// the read and the wait is not missed.
		wake := r.db.changes()
		if r.db.closed() {
			fail(ErrClosed)
			return
		}

		rows, next, err := r.changesSince(ctx, prefix, cursor)
		if err != nil {
			fail(err)
			return
		}
		for _, row := range rows {
			ev := store.Event{
				Kind:  store.EventPut,
				Entry: store.Entry{Path: row.Path, Value: row.Value, Seq: row.Seq},
			}
			if !deliver(ev) {
				return
			}
		}
		cursor = next
		if len(rows) > 0 {
			interval = base
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)

		select {
		case <-ctx.Done():
			return
		case <-wake:
			interval = base
		case <-timer.C:
			interval *= 2
			if interval > r.db.cfg.PollMax {
				interval = r.db.cfg.PollMax
			}
		}
	}
}

// snapshot reads every node under prefix and the feed position the
// snapshot is consistent with, in one transaction.
func (r *NodeRepository) snapshot(ctx context.Context, prefix string) ([]store.Entry, int64, error) {
	var (
		rows   []nodeRow
		cursor int64
	)
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sqlx.Tx) error {
		rows = nil
		if err := tx.SelectContext(ctx, &rows, `
			SELECT path, value, seq FROM nodes
			WHERE substr(path, 1, ?) = ?
			ORDER BY path
		`, utf8.RuneCountInString(prefix), prefix); err != nil {
			return err
		}
		head, err := feedHead(ctx, tx)
		if err != nil {
			return err
		}
		cursor = head
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to snapshot %s: %w", prefix, err)
	}

	entries := make([]store.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.entry())
	}
	return entries, cursor, nil
}

// changesSince returns changes under prefix after cursor and the cursor to
// resume from. The cursor advances past non-matching changes too.
func (r *NodeRepository) changesSince(ctx context.Context, prefix string, cursor int64) ([]changeRow, int64, error) {
	var (
		rows []changeRow
		next int64
	)
	limit := r.db.cfg.WatchBatchSize
	err := r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sqlx.Tx) error {
		rows = nil
		pruned, err := prunedThrough(ctx, tx)
		if err != nil {
			return err
		}
		if pruned > cursor {
			return store.ErrWatchExpired
		}
		head, err := feedHead(ctx, tx)
		if err != nil {
			return err
		}
		if head <= cursor {
			next = cursor
			return nil
		}
		if err := tx.SelectContext(ctx, &rows, `
			SELECT seq, path, value FROM changes
			WHERE seq > ? AND seq <= ? AND substr(path, 1, ?) = ?
			ORDER BY seq
			LIMIT ?
		`, cursor, head, utf8.RuneCountInString(prefix), prefix, limit); err != nil {
			return err
		}
		next = head
		if len(rows) == limit {
			next = rows[len(rows)-1].Seq
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrWatchExpired) {
			return nil, cursor, err
		}
		return nil, cursor, fmt.Errorf("failed to read changes for %s: %w", prefix, err)
	}
	return rows, next, nil
}

// feedHead is the newest sequence ever assigned, including pruned ones.
func feedHead(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var head int64
	if err := tx.GetContext(ctx, &head, `SELECT COALESCE(MAX(seq), 0) FROM changes`); err != nil {
		return 0, err
	}
	pruned, err := prunedThrough(ctx, tx)
	if err != nil {
		return 0, err
	}
	if pruned > head {
		head = pruned
	}
	return head, nil
}

func prunedThrough(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var seq int64
	err := tx.GetContext(ctx, &seq, `SELECT value FROM store_meta WHERE key = ?`, prunedThroughKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
