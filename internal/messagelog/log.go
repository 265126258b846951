// Package messagelog is the append-only, ordered message log of each
// conversation.
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/directory"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
	"github.com/tOgg1/parley/internal/subscription"
)

const maxIDRetries = 5

// ErrIDCollision is returned when no free message id was found.
var ErrIDCollision = errors.New("message id collision")

// GenerateMessageID returns a time-prefixed id. Ids sort with their send
// time, which keeps ties in the log readable.
func GenerateMessageID(t time.Time) string {
	return t.UTC().Format("20060102-150405.000") + "-" + uuid.NewString()[:8]
}

// Log appends to and reads conversation message logs.
type Log struct {
	store         store.Store
	conversations *directory.Conversations
	subs          *subscription.Manager
	logger        zerolog.Logger

	maxBodyLength int
	now           func() time.Time
	idGenerator   func(time.Time) string
}

// Option configures a Log.
type Option func(*Log)

// WithNow sets the clock that stamps SentAt.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(gen func(time.Time) string) Option {
	return func(l *Log) {
		if gen != nil {
			l.idGenerator = gen
		}
	}
}

// WithMaxBodyLength sets the body limit in runes.
func WithMaxBodyLength(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxBodyLength = n
		}
	}
}

// New creates a Log.
func New(st store.Store, conversations *directory.Conversations, subs *subscription.Manager, opts ...Option) *Log {
	l := &Log{
		store:         st,
		conversations: conversations,
		subs:          subs,
		logger:        logging.Component("messagelog"),
		maxBodyLength: models.DefaultMaxBodyLength,
		now:           time.Now,
		idGenerator:   GenerateMessageID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxBodyLength returns the configured body limit in runes.
func (l *Log) MaxBodyLength() int {
	return l.maxBodyLength
}

// Append validates body and writes a new message from sender. It fails with
// a ValidationError for an empty or oversized body, NotFoundError for an
// unknown conversation, NotAuthorizedError when sender is not a participant
// and TransientStoreError when the store write fails.
func (l *Log) Append(ctx context.Context, conv models.ConversationID, sender models.UserID, body string) (models.Message, error) {
	if _, err := models.NormalizeBody(body, l.maxBodyLength); err != nil {
		return models.Message{}, err
	}
	record, err := l.conversations.Authorize(ctx, conv, sender)
	if err != nil {
		return models.Message{}, err
	}
	return l.AppendTo(ctx, record, sender, body)
}

// AppendTo appends to an already loaded conversation record.
func (l *Log) AppendTo(ctx context.Context, conv models.Conversation, sender models.UserID, body string) (models.Message, error) {
	normalized, err := models.NormalizeBody(body, l.maxBodyLength)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(sender) {
		return models.Message{}, &models.NotAuthorizedError{UserID: sender, ConversationID: conv.ID}
	}

	msg := models.Message{
		ConversationID: conv.ID,
		SenderID:       sender,
		Body:           normalized,
		SentAt:         l.now().UTC(),
	}

	for attempt := 0; attempt < maxIDRetries; attempt++ {
		msg.ID = models.MessageID(l.idGenerator(msg.SentAt))
		path := store.MessagePath(conv.ID, msg.ID)
		raw, err := store.Encode(msg)
		if err != nil {
			return models.Message{}, err
		}
		created, err := l.store.Create(ctx, path, raw)
		if err != nil {
			return models.Message{}, store.Transient("create", path, err)
		}
		if created {
			l.logger.Debug().
				Str("conversation_id", string(conv.ID)).
				Str("message_id", string(msg.ID)).
				Msg("message appended")
			return msg, nil
		}
	}
	return models.Message{}, fmt.Errorf("append to %s: %w", conv.ID, ErrIDCollision)
}

// Snapshot returns the conversation's messages in log order. Malformed
// records fail the read.
func (l *Log) Snapshot(ctx context.Context, conv models.ConversationID) ([]models.Message, error) {
	if _, err := l.conversations.Get(ctx, conv); err != nil {
		return nil, err
	}
	prefix := store.MessagesPrefix(conv)
	entries, err := l.store.List(ctx, prefix)
	if err != nil {
		return nil, store.Transient("list", prefix, err)
	}

	messages := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := store.DecodeMessage(e.Path, e.Value)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	models.SortMessages(messages)
	return messages, nil
}

// Subscribe streams the conversation's log: a replay of every message,
// then each append in log order.
func (l *Log) Subscribe(conv models.ConversationID, handler subscription.Handler) (subscription.Subscription, error) {
	return l.subs.Subscribe(subscription.MessagesKey(conv), handler)
}
