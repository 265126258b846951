package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/store"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []store.Event
	notify chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 64)}
}

func (r *eventRecorder) handle(ev store.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) snapshot() []store.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Event(nil), r.events...)
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []store.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if events := r.snapshot(); len(events) >= n {
			return events
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(r.snapshot()))
		}
	}
}

func TestWatchSnapshotThenPuts(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewNodeRepository(database)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "conversations/c1/messages/m1", []byte(`1`)))
	require.NoError(t, repo.Put(ctx, "conversations/c2/messages/m1", []byte(`other`)))

	rec := newEventRecorder()
	w, err := repo.Watch("conversations/c1/messages/", rec.handle)
	require.NoError(t, err)
	defer w.Cancel()

	events := rec.waitFor(t, 1)
	require.Equal(t, store.EventSnapshot, events[0].Kind)
	require.Len(t, events[0].Entries, 1)
	require.Equal(t, "conversations/c1/messages/m1", events[0].Entries[0].Path)

	require.NoError(t, repo.Put(ctx, "conversations/c2/messages/m2", []byte(`other`)))
	require.NoError(t, repo.Put(ctx, "conversations/c1/messages/m2", []byte(`2`)))
	require.NoError(t, repo.Put(ctx, "conversations/c1/messages/m3", []byte(`3`)))

	events = rec.waitFor(t, 3)
	require.Len(t, events, 3)
	require.Equal(t, store.EventPut, events[1].Kind)
	require.Equal(t, "conversations/c1/messages/m2", events[1].Entry.Path)
	require.Equal(t, "conversations/c1/messages/m3", events[2].Entry.Path)
	require.Less(t, events[1].Entry.Seq, events[2].Entry.Seq)
}

func TestWatchDoesNotRedeliverSnapshotEntries(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewNodeRepository(database)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Put(ctx, "inbox/u1/"+id, []byte(`"x"`)))
	}

	rec := newEventRecorder()
	w, err := repo.Watch("inbox/u1/", rec.handle)
	require.NoError(t, err)
	defer w.Cancel()

	rec.waitFor(t, 1)
	require.NoError(t, repo.Put(ctx, "inbox/u1/d", []byte(`"y"`)))
	rec.waitFor(t, 2)

	time.Sleep(100 * time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 2)
	require.Len(t, events[0].Entries, 3)
	require.Equal(t, "inbox/u1/d", events[1].Entry.Path)
}

func TestWatchCancelStopsDelivery(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewNodeRepository(database)
	ctx := context.Background()

	rec := newEventRecorder()
	w, err := repo.Watch("users/", rec.handle)
	require.NoError(t, err)
	rec.waitFor(t, 1)

	w.Cancel()
	w.Cancel()

	require.NoError(t, repo.Put(ctx, "users/u1", []byte(`{}`)))
	time.Sleep(100 * time.Millisecond)
	require.Len(t, rec.snapshot(), 1)
}

func TestWatchReportsCloseOnce(t *testing.T) {
	database := setupTestDB(t)
	repo := NewNodeRepository(database)

	rec := newEventRecorder()
	w, err := repo.Watch("users/", rec.handle)
	require.NoError(t, err)
	defer w.Cancel()
	rec.waitFor(t, 1)

	require.NoError(t, database.Close())
	events := rec.waitFor(t, 2)
	require.Equal(t, store.EventError, events[1].Kind)
	require.ErrorIs(t, events[1].Err, store.ErrStoreClosed)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, rec.snapshot(), 2)
}

func TestWatchExpiresBehindPrunedFeed(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewNodeRepository(database)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, "users/u1", []byte(`1`)))

	_, cursor, err := repo.snapshot(ctx, "users/")
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, "users/u2", []byte(`2`)))
	_, err = database.PruneChanges(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)

	_, _, err = repo.changesSince(ctx, "users/", cursor)
	require.ErrorIs(t, err, store.ErrWatchExpired)
}

func TestWatchCursorAdvancesPastOtherPrefixes(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewNodeRepository(database)
	ctx := context.Background()

	_, cursor, err := repo.snapshot(ctx, "users/")
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, "inbox/u1/c1", []byte(`1`)))
	rows, next, err := repo.changesSince(ctx, "users/", cursor)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Greater(t, next, cursor)
}

func TestWatchRequiresPrefix(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()
	repo := NewNodeRepository(database)

	_, err := repo.Watch("", func(store.Event) {})
	require.ErrorIs(t, err, store.ErrInvalidPrefix)
}
