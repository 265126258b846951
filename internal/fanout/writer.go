// Package fanout sends messages: one append to the conversation's log,
// then one independent inbox write per participant.
//
// The inbox writes are not atomic with the append or with each other. When
// some of them fail the message still counts as sent and the caller gets a
// *models.PartialFanoutError naming the stale inboxes. A stale entry heals
// on the next successful send in that conversation, or through Refanout.
package fanout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/parley/internal/directory"
	"github.com/tOgg1/parley/internal/inbox"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/messagelog"
	"github.com/tOgg1/parley/internal/models"
)

// DefaultSeedPreview is the preview written when a conversation starts.
const DefaultSeedPreview = "Conversation started"

// DefaultConcurrency bounds parallel inbox writes per send.
const DefaultConcurrency = 4

// Writer is the only component that writes inbox entries.
type Writer struct {
	log           *messagelog.Log
	inbox         *inbox.Index
	conversations *directory.Conversations
	participants  *directory.Participants
	logger        zerolog.Logger

	concurrency int
	seedPreview string
	now         func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithConcurrency bounds parallel inbox writes.
func WithConcurrency(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithSeedPreview sets the preview Seed writes.
func WithSeedPreview(preview string) Option {
	return func(w *Writer) {
		if preview != "" {
			w.seedPreview = preview
		}
	}
}

// WithNow sets the clock Seed stamps entries with.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a Writer.
func New(log *messagelog.Log, idx *inbox.Index, conversations *directory.Conversations, participants *directory.Participants, opts ...Option) *Writer {
	w := &Writer{
		log:           log,
		inbox:         idx,
		conversations: conversations,
		participants:  participants,
		logger:        logging.Component("fanout"),
		concurrency:   DefaultConcurrency,
		seedPreview:   DefaultSeedPreview,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send appends body to conv and updates every participant's inbox entry.
// Any failure before or during the append returns no message and writes
// nothing else. After a successful append the message is always returned;
// the error is then nil or a *models.PartialFanoutError.
func (w *Writer) Send(ctx context.Context, conv models.ConversationID, sender models.UserID, body string) (models.Message, error) {
	if _, err := models.NormalizeBody(body, w.log.MaxBodyLength()); err != nil {
		return models.Message{}, err
	}
	record, err := w.conversations.Authorize(ctx, conv, sender)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := w.log.AppendTo(ctx, record, sender, body)
	if err != nil {
		return models.Message{}, err
	}

	summary := models.InboxSummary{
		LastMessageAt:      msg.SentAt,
		LastMessagePreview: msg.Body,
		LastSenderID:       msg.SenderID,
	}
	if perr := w.fanout(ctx, record, msg.ID, summary, record.ParticipantIDs, w.upsert); perr != nil {
		return msg, perr
	}
	return msg, nil
}

// Refanout rewrites the inbox entries of owners (every participant when
// owners is empty) from msg. An entry already showing a newer message is
// left alone.
func (w *Writer) Refanout(ctx context.Context, msg models.Message, owners []models.UserID) error {
	record, err := w.conversations.Get(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		owners = record.ParticipantIDs
	}

	targets := make([]models.UserID, 0, len(owners))
	for _, owner := range owners {
		if !record.HasParticipant(owner) {
			return &models.NotAuthorizedError{UserID: owner, ConversationID: record.ID}
		}
		current, err := w.inbox.Get(ctx, owner, record.ID)
		switch {
		case err == nil && current.LastMessageAt.After(msg.SentAt):
			w.logger.Debug().Str("owner_id", string(owner)).Msg("inbox entry already newer; skipping")
			continue
		case err != nil && !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrValidation):
			return err
		}
		targets = append(targets, owner)
	}

	summary := models.InboxSummary{
		LastMessageAt:      msg.SentAt,
		LastMessagePreview: msg.Body,
		LastSenderID:       msg.SenderID,
	}
	if perr := w.fanout(ctx, record, msg.ID, summary, targets, w.upsert); perr != nil {
		return perr
	}
	return nil
}

// Seed writes the starting entry for each participant that has no entry
// for conv yet, so a new conversation shows in both inboxes before any
// message. Existing entries are left alone, which makes Seed safe to
// repeat after a partial failure.
func (w *Writer) Seed(ctx context.Context, conv models.ConversationID, initiator models.UserID) error {
	record, err := w.conversations.Authorize(ctx, conv, initiator)
	if err != nil {
		return err
	}
	summary := models.InboxSummary{
		LastMessageAt:      w.now().UTC(),
		LastMessagePreview: w.seedPreview,
		LastSenderID:       initiator,
	}
	if perr := w.fanout(ctx, record, "", summary, record.ParticipantIDs, w.create); perr != nil {
		return perr
	}
	return nil
}

// entryWrite stores one owner's summary.
type entryWrite func(ctx context.Context, owner models.UserID, conv models.ConversationID, summary models.InboxSummary) error

func (w *Writer) upsert(ctx context.Context, owner models.UserID, conv models.ConversationID, summary models.InboxSummary) error {
	_, err := w.inbox.UpsertEntry(ctx, owner, conv, summary)
	return err
}

func (w *Writer) create(ctx context.Context, owner models.UserID, conv models.ConversationID, summary models.InboxSummary) error {
	_, err := w.inbox.CreateEntry(ctx, owner, conv, summary)
	return err
}

// fanout writes one entry per owner in parallel. Each owner's entry names
// that owner's peer. It returns nil or a *models.PartialFanoutError.
func (w *Writer) fanout(ctx context.Context, conv models.Conversation, msgID models.MessageID, summary models.InboxSummary, owners []models.UserID, write entryWrite) *models.PartialFanoutError {
	if len(owners) == 0 {
		return nil
	}
	logger := w.logger.With().
		Str("conversation_id", string(conv.ID)).
		Str("message_id", string(msgID)).
		Logger()

	var (
		mu     sync.Mutex
		causes = make(map[models.UserID]error)
	)
	fail := func(owner models.UserID, err error) {
		mu.Lock()
		causes[owner] = err
		mu.Unlock()
		logger.Warn().Err(err).Str("owner_id", string(owner)).Msg("inbox fan-out failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, owner := range owners {
		g.Go(func() error {
			peer, ok := conv.Peer(owner)
			if !ok {
				fail(owner, &models.NotAuthorizedError{UserID: owner, ConversationID: conv.ID})
				return nil
			}
			name, err := w.participants.NameOrID(gctx, peer)
			if err != nil {
				fail(owner, err)
				return nil
			}
			entrySummary := summary
			entrySummary.PeerDisplayName = name
			if err := write(gctx, owner, conv.ID, entrySummary); err != nil {
				fail(owner, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(causes) == 0 {
		return nil
	}
	stale := make([]models.UserID, 0, len(causes))
	for owner := range causes {
		stale = append(stale, owner)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return &models.PartialFanoutError{
		ConversationID: conv.ID,
		MessageID:      msgID,
		Stale:          stale,
		Causes:         causes,
	}
}
