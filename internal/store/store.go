// Package store defines the realtime key-value store the chat core runs on.
//
// Keys are slash-separated logical paths (see paths.go). Values are JSON
// documents. A watch on a path prefix delivers one snapshot of every
// matching key followed by incremental puts in commit order.
package store

import (
	"context"
	"errors"

	"github.com/tOgg1/parley/internal/models"
)

// Store errors.
var (
	ErrNotFound      = errors.New("path not found")
	ErrWatchExpired  = errors.New("watch cursor fell behind the retained change feed")
	ErrStoreClosed   = errors.New("store closed")
	ErrInvalidPrefix = errors.New("watch prefix is required")
)

// Entry is a stored value and the change sequence that last wrote it.
type Entry struct {
	Path  string
	Value []byte
	Seq   int64
}

// EventKind distinguishes watch deliveries.
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventPut      EventKind = "put"
	EventError    EventKind = "error"
)

// Event is one watch delivery. Snapshot events carry Entries; put events
// carry Entry; error events carry Err and are always the last delivery.
type Event struct {
	Kind    EventKind
	Entries []Entry
	Entry   Entry
	Err     error
}

// WatchHandler receives watch events, serially, on the watch's goroutine.
type WatchHandler func(Event)

// Watch is a live subscription to a path prefix.
type Watch interface {
	// Cancel stops the watch without waiting for it. A delivery racing
	// with Cancel may still run once. Safe to call more than once,
	// including from inside the handler.
	Cancel()
}

// Store is the abstract realtime store.
type Store interface {
	// Put writes value at path, overwriting any previous value.
	Put(ctx context.Context, path string, value []byte) error

	// Create writes value at path only if nothing is stored there yet.
	// It reports whether this call created the value.
	Create(ctx context.Context, path string, value []byte) (bool, error)

	// Get reads the value at path, or returns ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// List returns every entry whose path starts with prefix, ordered by path.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Watch starts a live subscription on prefix. It does not block on
	// delivery; handler is invoked from a separate goroutine.
	Watch(prefix string, handler WatchHandler) (Watch, error)
}

// Transient wraps a failed store call as a models.TransientStoreError.
// Validation errors from decoding pass through unchanged.
func Transient(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrValidation) {
		return err
	}
	var transient *models.TransientStoreError
	if errors.As(err, &transient) {
		return err
	}
	return &models.TransientStoreError{Op: op, Path: path, Err: err}
}
