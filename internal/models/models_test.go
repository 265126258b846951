package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		max     int
		want    string
		wantErr bool
	}{
		{name: "plain", body: "hi", max: 10, want: "hi"},
		{name: "trims whitespace", body: "  hello \n", max: 10, want: "hello"},
		{name: "empty", body: "", max: 10, wantErr: true},
		{name: "whitespace only", body: " \t\n", max: 10, wantErr: true},
		{name: "at limit", body: strings.Repeat("a", 10), max: 10, want: strings.Repeat("a", 10)},
		{name: "over limit", body: strings.Repeat("a", 11), max: 10, wantErr: true},
		{name: "counts runes not bytes", body: "héllo", max: 5, want: "héllo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBody(tt.body, tt.max)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestInsertMessageKeepsLogOrder(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var log []Message
	var idx int

	log, idx = InsertMessage(log, Message{ID: "b", SentAt: base})
	require.Equal(t, 0, idx)
	log, idx = InsertMessage(log, Message{ID: "c", SentAt: base.Add(time.Second)})
	require.Equal(t, 1, idx)
	// Skewed clock: arrives later but was stamped earlier.
	log, idx = InsertMessage(log, Message{ID: "z", SentAt: base.Add(-time.Second)})
	require.Equal(t, 0, idx)
	// Tie on SentAt is broken by ID.
	log, idx = InsertMessage(log, Message{ID: "a", SentAt: base})
	require.Equal(t, 1, idx)

	ids := make([]MessageID, 0, len(log))
	for _, m := range log {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []MessageID{"z", "a", "b", "c"}, ids)
}

func TestSortInboxOrder(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []InboxEntry{
		{ConversationID: "c2", LastMessageAt: base},
		{ConversationID: "c3", LastMessageAt: base.Add(time.Minute)},
		{ConversationID: "c1", LastMessageAt: base},
	}
	SortInbox(entries)

	require.Equal(t, ConversationID("c3"), entries[0].ConversationID)
	require.Equal(t, ConversationID("c1"), entries[1].ConversationID)
	require.Equal(t, ConversationID("c2"), entries[2].ConversationID)
}

func TestUpsertInboxMovesEntry(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []InboxEntry{
		{ConversationID: "c1", LastMessageAt: base.Add(time.Minute)},
		{ConversationID: "c2", LastMessageAt: base},
	}

	entries, idx := UpsertInbox(entries, InboxEntry{ConversationID: "c2", LastMessageAt: base.Add(time.Hour), LastMessagePreview: "new"})
	require.Equal(t, 0, idx)
	require.Len(t, entries, 2)
	require.Equal(t, "new", entries[0].LastMessagePreview)
	require.Equal(t, ConversationID("c1"), entries[1].ConversationID)
}

func TestConversationPeer(t *testing.T) {
	conv := Conversation{ID: "c", ParticipantIDs: []UserID{"u1", "u2"}}

	peer, ok := conv.Peer("u1")
	require.True(t, ok)
	require.Equal(t, UserID("u2"), peer)

	_, ok = conv.Peer("u3")
	require.False(t, ok)

	require.NoError(t, conv.Validate())
	bad := Conversation{ID: "c", ParticipantIDs: []UserID{"u1", "u1"}}
	require.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestUserResolvedName(t *testing.T) {
	require.Equal(t, "Ana", (&User{ID: "u1", DisplayName: "Ana", Email: "ana@example.com"}).ResolvedName())
	require.Equal(t, "ana", (&User{ID: "u1", Email: "ana@example.com"}).ResolvedName())
	require.Equal(t, "u1", (&User{ID: "u1"}).ResolvedName())
}

func TestPartialFanoutError(t *testing.T) {
	cause := &TransientStoreError{Op: "put", Path: "inbox/u2/c", Err: errors.New("disk full")}
	err := &PartialFanoutError{
		ConversationID: "c",
		MessageID:      "m",
		Stale:          []UserID{"u2"},
		Causes:         map[UserID]error{"u2": cause},
	}

	require.True(t, err.IsStale("u2"))
	require.False(t, err.IsStale("u1"))
	require.True(t, IsTransient(err))
	require.Contains(t, err.Error(), "u2")
}

func TestNotFoundAndNotAuthorizedMatchSentinels(t *testing.T) {
	require.ErrorIs(t, &NotFoundError{Kind: "conversation", ID: "c"}, ErrNotFound)
	require.ErrorIs(t, &NotAuthorizedError{UserID: "u", ConversationID: "c"}, ErrNotAuthorized)
}
