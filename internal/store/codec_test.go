package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/models"
)

func TestPaths(t *testing.T) {
	require.Equal(t, "conversations/c1", ConversationPath("c1"))
	require.Equal(t, "conversations/c1/messages/m1", MessagePath("c1", "m1"))
	require.Equal(t, "inbox/u1/c1", InboxPath("u1", "c1"))
	require.Equal(t, "users/u1", UserPath("u1"))
	require.True(t, ValidSegment("abc"))
	require.False(t, ValidSegment("a/b"))
	require.False(t, ValidSegment(""))
}

func TestDecodeMessageRoundTrip(t *testing.T) {
	msg := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Body:           "hello",
		SentAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := Encode(msg)
	require.NoError(t, err)

	got, err := DecodeMessage(MessagePath("c1", "m1"), raw)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)
	require.True(t, msg.SentAt.Equal(got.SentAt))
}

func TestDecodeRejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		decode func() error
	}{
		{
			name: "not json",
			decode: func() error {
				_, err := DecodeMessage("conversations/c1/messages/m1", []byte("{"))
				return err
			},
		},
		{
			name: "missing body",
			decode: func() error {
				_, err := DecodeMessage("conversations/c1/messages/m1",
					[]byte(`{"id":"m1","conversation_id":"c1","sender_id":"u1","sent_at":"2026-03-01T12:00:00Z"}`))
				return err
			},
		},
		{
			name: "path mismatch",
			decode: func() error {
				_, err := DecodeMessage("conversations/c1/messages/other",
					[]byte(`{"id":"m1","conversation_id":"c1","sender_id":"u1","body":"x","sent_at":"2026-03-01T12:00:00Z"}`))
				return err
			},
		},
		{
			name: "inbox missing timestamp",
			decode: func() error {
				_, err := DecodeInboxEntry("inbox/u1/c1",
					[]byte(`{"owner_id":"u1","conversation_id":"c1","last_sender_id":"u2"}`))
				return err
			},
		},
		{
			name: "conversation with one participant",
			decode: func() error {
				_, err := DecodeConversation("conversations/c1", []byte(`{"id":"c1","participant_ids":["u1"]}`))
				return err
			},
		},
		{
			name: "user id mismatch",
			decode: func() error {
				_, err := DecodeUser("users/u2", []byte(`{"id":"u1","display_name":"Ana"}`))
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode()
			require.Error(t, err)
			require.ErrorIs(t, err, models.ErrValidation)
		})
	}
}
