// Package chat wires the sync engine together for one client process.
// Every operation takes the acting user explicitly.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/directory"
	"github.com/tOgg1/parley/internal/fanout"
	"github.com/tOgg1/parley/internal/inbox"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/messagelog"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
	"github.com/tOgg1/parley/internal/subscription"
)

// ErrNoDatabase is returned by maintenance calls on a Service built over a
// bare store.
var ErrNoDatabase = errors.New("service has no database")

// Options tunes a Service.
type Options struct {
	MaxBodyLength     int
	FanoutConcurrency int
	StartedPreview    string
	BufferSize        int

	// Now overrides the clock for message and seed timestamps.
	Now func() time.Time
}

// OptionsFromConfig maps loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxBodyLength:     cfg.Chat.MaxBodyLength,
		FanoutConcurrency: cfg.Chat.FanoutConcurrency,
		StartedPreview:    cfg.Chat.ConversationStartedPreview,
		BufferSize:        cfg.Subscriptions.BufferSize,
	}
}

// Service is the surface a client shell talks to.
type Service struct {
	db     *db.DB
	store  store.Store
	subs   *subscription.Manager
	logger zerolog.Logger

	users         *directory.Users
	participants  *directory.Participants
	conversations *directory.Conversations
	log           *messagelog.Log
	inbox         *inbox.Index
	writer        *fanout.Writer
}

// New builds a Service over st.
func New(st store.Store, opts Options) *Service {
	subs := subscription.NewManager(st, subscription.WithBufferSize(opts.BufferSize))

	var convOpts []directory.ConversationsOption
	logOpts := []messagelog.Option{messagelog.WithMaxBodyLength(opts.MaxBodyLength)}
	writerOpts := []fanout.Option{
		fanout.WithConcurrency(opts.FanoutConcurrency),
		fanout.WithSeedPreview(opts.StartedPreview),
	}
	if opts.Now != nil {
		convOpts = append(convOpts, directory.WithConversationClock(opts.Now))
		logOpts = append(logOpts, messagelog.WithNow(opts.Now))
		writerOpts = append(writerOpts, fanout.WithNow(opts.Now))
	}

	conversations := directory.NewConversations(st, convOpts...)
	participants := directory.NewParticipants(st)
	msgLog := messagelog.New(st, conversations, subs, logOpts...)
	idx := inbox.New(st, subs)

	return &Service{
		store:         st,
		subs:          subs,
		logger:        logging.Component("chat"),
		users:         directory.NewUsers(st),
		participants:  participants,
		conversations: conversations,
		log:           msgLog,
		inbox:         idx,
		writer:        fanout.New(msgLog, idx, conversations, participants, writerOpts...),
	}
}

// Open opens and migrates the configured database and builds a Service
// that owns it.
func Open(ctx context.Context, cfg *config.Config) (*Service, error) {
	database, err := db.Open(db.Config{
		Path:           cfg.DatabasePath(),
		MaxConnections: cfg.Database.MaxConnections,
		BusyTimeoutMs:  cfg.Database.BusyTimeoutMs,
		PollInterval:   cfg.Subscriptions.PollInterval,
		PollMax:        cfg.Subscriptions.PollMax,
	})
	if err != nil {
		return nil, err
	}
	applied, err := database.MigrateUp(ctx)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if applied > 0 {
		logging.Logger.Debug().Int("applied", applied).Msg("database migrated")
	}

	s := New(db.NewNodeRepository(database), OptionsFromConfig(cfg))
	s.db = database
	return s, nil
}

// Close cancels every live subscription and closes the owned database.
func (s *Service) Close() error {
	s.subs.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Register adds a user to the registry.
func (s *Service) Register(ctx context.Context, user models.User) (models.User, error) {
	registered, err := s.users.Register(ctx, user)
	if err != nil {
		return models.User{}, err
	}
	s.logger.Info().
		Str("user_id", string(registered.ID)).
		Str("contact", logging.Redact(registered.Email)).
		Msg("user registered")
	return registered, nil
}

// User reads one user record.
func (s *Service) User(ctx context.Context, id models.UserID) (models.User, error) {
	return s.users.Get(ctx, id)
}

// ListUsers lists possible chat partners for me, filtered by query.
func (s *Service) ListUsers(ctx context.Context, me models.UserID, query string) ([]models.User, error) {
	return s.users.List(ctx, me, query)
}

// DisplayName resolves a user's display name.
func (s *Service) DisplayName(ctx context.Context, id models.UserID) (string, error) {
	return s.participants.DisplayNameOf(ctx, id)
}

// Start resolves the conversation between me and peer, creating it if
// needed. Both users must be registered. Every call seeds the inbox entries
// that are still missing, so a seed that failed earlier is repaired by the
// next Start. A seed failure is returned as a *models.PartialFanoutError
// next to the conversation.
func (s *Service) Start(ctx context.Context, me, peer models.UserID) (models.Conversation, bool, error) {
	for _, id := range []models.UserID{me, peer} {
		if _, err := s.users.Get(ctx, id); err != nil {
			return models.Conversation{}, false, err
		}
	}
	id, created, err := s.conversations.ResolveOrCreate(ctx, me, peer)
	if err != nil {
		return models.Conversation{}, false, err
	}
	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return models.Conversation{}, false, err
	}
	if err := s.writer.Seed(ctx, id, me); err != nil {
		return conv, created, err
	}
	return conv, created, nil
}

// Conversation reads a conversation me belongs to.
func (s *Service) Conversation(ctx context.Context, me models.UserID, id models.ConversationID) (models.Conversation, error) {
	return s.conversations.Authorize(ctx, id, me)
}

// Send appends body as me and fans it out. See fanout.Writer.Send for the
// error contract.
func (s *Service) Send(ctx context.Context, me models.UserID, conv models.ConversationID, body string) (models.Message, error) {
	return s.writer.Send(ctx, conv, me, body)
}

// RetryFanout rewrites the stale inboxes named by a PartialFanoutError.
func (s *Service) RetryFanout(ctx context.Context, me models.UserID, msg models.Message, stale []models.UserID) error {
	if _, err := s.conversations.Authorize(ctx, msg.ConversationID, me); err != nil {
		return err
	}
	return s.writer.Refanout(ctx, msg, stale)
}

// Messages returns the conversation's log.
func (s *Service) Messages(ctx context.Context, me models.UserID, conv models.ConversationID) ([]models.Message, error) {
	if _, err := s.conversations.Authorize(ctx, conv, me); err != nil {
		return nil, err
	}
	return s.log.Snapshot(ctx, conv)
}

// Inbox returns me's chat list, newest first.
func (s *Service) Inbox(ctx context.Context, me models.UserID) ([]models.InboxEntry, error) {
	return s.inbox.List(ctx, me)
}

// SubscribeMessages streams a conversation me belongs to.
func (s *Service) SubscribeMessages(ctx context.Context, me models.UserID, conv models.ConversationID, handler subscription.Handler) (subscription.Subscription, error) {
	if _, err := s.conversations.Authorize(ctx, conv, me); err != nil {
		return nil, err
	}
	return s.log.Subscribe(conv, handler)
}

// SubscribeInbox streams me's chat list.
func (s *Service) SubscribeInbox(me models.UserID, handler subscription.Handler) (subscription.Subscription, error) {
	return s.inbox.Subscribe(me, handler)
}

// SubscriberCount reports live subscriptions.
func (s *Service) SubscriberCount() int {
	return s.subs.SubscriberCount()
}

// PruneChanges trims the change feed. Watches that fall behind the
// pruned range expire.
func (s *Service) PruneChanges(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if s.db == nil {
		return 0, ErrNoDatabase
	}
	return s.db.PruneChanges(ctx, time.Now().Add(-maxAge), batchSize)
}

// RunRetention prunes the change feed every interval until ctx ends.
func (s *Service) RunRetention(ctx context.Context, interval, maxAge time.Duration, batchSize int) error {
	if s.db == nil {
		return ErrNoDatabase
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		deleted, err := s.PruneChanges(ctx, maxAge, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("change feed prune failed")
			continue
		}
		if deleted > 0 {
			s.logger.Info().Int64("deleted", deleted).Msg("pruned change feed")
		}
	}
}
