package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
	"github.com/tOgg1/parley/internal/subscription"
	"github.com/tOgg1/parley/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIndex(t *testing.T) (*Index, *testutil.FaultStore) {
	t.Helper()
	_, st := testutil.NewStore(t)
	faulty := testutil.NewFaultStore(st)
	subs := subscription.NewManager(faulty)
	t.Cleanup(subs.Close)
	return New(faulty, subs), faulty
}

func summary(at time.Time, preview string) models.InboxSummary {
	return models.InboxSummary{
		LastMessageAt:      at,
		LastMessagePreview: preview,
		LastSenderID:       "u2",
		PeerDisplayName:    "Bob",
	}
}

func TestListOrdersNewestFirstThenConversationID(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()

	_, err := idx.UpsertEntry(ctx, "u1", "c-b", summary(t0, "tie b"))
	require.NoError(t, err)
	_, err = idx.UpsertEntry(ctx, "u1", "c-a", summary(t0, "tie a"))
	require.NoError(t, err)
	_, err = idx.UpsertEntry(ctx, "u1", "c-z", summary(t0.Add(time.Minute), "newest"))
	require.NoError(t, err)
	_, err = idx.UpsertEntry(ctx, "u2", "c-a", summary(t0, "not mine"))
	require.NoError(t, err)

	entries, err := idx.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, models.ConversationID("c-z"), entries[0].ConversationID)
	require.Equal(t, models.ConversationID("c-a"), entries[1].ConversationID)
	require.Equal(t, models.ConversationID("c-b"), entries[2].ConversationID)
}

func TestUpsertIsLastWriteWinsByArrival(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()

	_, err := idx.UpsertEntry(ctx, "u1", "c1", summary(t0.Add(time.Minute), "newer"))
	require.NoError(t, err)
	_, err = idx.UpsertEntry(ctx, "u1", "c1", summary(t0, "delayed older"))
	require.NoError(t, err)

	entry, err := idx.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, "delayed older", entry.LastMessagePreview)
	require.True(t, t0.Equal(entry.LastMessageAt))
}

func TestUpsertValidation(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()

	_, err := idx.UpsertEntry(ctx, "", "c1", summary(t0, "x"))
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = idx.UpsertEntry(ctx, "u1", "c1", models.InboxSummary{LastSenderID: "u2"})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = idx.Get(ctx, "u1", "c1")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpsertTransientFailure(t *testing.T) {
	idx, faulty := newIndex(t)
	faulty.FailPut(store.InboxPrefix("u1"), testutil.ErrInjected)

	_, err := idx.UpsertEntry(context.Background(), "u1", "c1", summary(t0, "x"))
	require.True(t, models.IsTransient(err))
}

func TestCreateEntryKeepsExisting(t *testing.T) {
	idx, faulty := newIndex(t)
	ctx := context.Background()

	created, err := idx.CreateEntry(ctx, "u1", "c1", summary(t0, "first"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = idx.CreateEntry(ctx, "u1", "c1", summary(t0.Add(time.Minute), "second"))
	require.NoError(t, err)
	require.False(t, created)

	entry, err := idx.Get(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, "first", entry.LastMessagePreview)

	_, err = idx.CreateEntry(ctx, "u1", "", summary(t0, "x"))
	require.ErrorIs(t, err, models.ErrValidation)

	faulty.FailPut(store.InboxPrefix("u2"), testutil.ErrInjected)
	_, err = idx.CreateEntry(ctx, "u2", "c1", summary(t0, "x"))
	require.True(t, models.IsTransient(err))
}

func TestListRejectsMalformedEntry(t *testing.T) {
	idx, faulty := newIndex(t)
	ctx := context.Background()

	require.NoError(t, faulty.Put(ctx, store.InboxPath("u1", "c1"), []byte(`{"owner_id":"u1"}`)))
	_, err := idx.List(ctx, "u1")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestSubscribeDeliversUpserts(t *testing.T) {
	idx, _ := newIndex(t)
	ctx := context.Background()

	_, err := idx.UpsertEntry(ctx, "u1", "c1", summary(t0, "first"))
	require.NoError(t, err)

	changes := make(chan subscription.Change, 8)
	sub, err := idx.Subscribe("u1", func(c subscription.Change) { changes <- c })
	require.NoError(t, err)
	defer sub.Cancel()

	replay := <-changes
	require.Equal(t, subscription.ChangeReplay, replay.Kind)
	require.Len(t, replay.Entries, 1)

	_, err = idx.UpsertEntry(ctx, "u1", "c2", summary(t0.Add(time.Minute), "second"))
	require.NoError(t, err)

	select {
	case c := <-changes:
		require.Equal(t, subscription.ChangeUpserted, c.Kind)
		require.Equal(t, models.ConversationID("c2"), c.Entry.ConversationID)
		require.Equal(t, 0, c.Index)
		require.Equal(t, -1, c.Previous)
		require.Len(t, c.Entries, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("no upsert delivered")
	}
}
