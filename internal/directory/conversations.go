package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
)

// conversationNamespace scopes name-based conversation ids.
var conversationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("parley:conversations"))

// ConversationIDFor returns the conversation id for an unordered pair. The
// same two users always map to the same id.
func ConversationIDFor(a, b models.UserID) models.ConversationID {
	pair := models.SortedPair(a, b)
	name := string(pair[0]) + "\x00" + string(pair[1])
	return models.ConversationID(uuid.NewSHA1(conversationNamespace, []byte(name)).String())
}

// Conversations resolves and creates two-party conversations.
type Conversations struct {
	store  store.Store
	now    func() time.Time
	logger zerolog.Logger
}

// ConversationsOption configures Conversations.
type ConversationsOption func(*Conversations)

// WithConversationClock sets the clock used for CreatedAt.
func WithConversationClock(now func() time.Time) ConversationsOption {
	return func(c *Conversations) {
		if now != nil {
			c.now = now
		}
	}
}

// NewConversations creates a Conversations directory.
func NewConversations(st store.Store, opts ...ConversationsOption) *Conversations {
	c := &Conversations{
		store:  st,
		now:    time.Now,
		logger: logging.Component("directory"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveOrCreate returns the conversation linking a and b, creating it if
// needed. created reports whether this call created it. Concurrent calls for
// the same pair, from any process, converge on one conversation: the id is
// derived from the pair and the record is written create-if-absent.
func (c *Conversations) ResolveOrCreate(ctx context.Context, a, b models.UserID) (models.ConversationID, bool, error) {
	if err := validatePair(a, b); err != nil {
		return "", false, err
	}

	id := ConversationIDFor(a, b)
	path := store.ConversationPath(id)

	_, err := c.store.Get(ctx, path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, store.Transient("get", path, err)
	}

	pair := models.SortedPair(a, b)
	conv := models.Conversation{
		ID:             id,
		ParticipantIDs: []models.UserID{pair[0], pair[1]},
		CreatedAt:      c.now().UTC(),
	}
	raw, err := store.Encode(conv)
	if err != nil {
		return "", false, err
	}
	created, err := c.store.Create(ctx, path, raw)
	if err != nil {
		return "", false, store.Transient("create", path, err)
	}
	if created {
		c.logger.Info().Str("conversation_id", string(id)).Msg("conversation created")
	}
	return id, created, nil
}

// Get reads a conversation record.
func (c *Conversations) Get(ctx context.Context, id models.ConversationID) (models.Conversation, error) {
	if !store.ValidSegment(string(id)) {
		return models.Conversation{}, models.Invalid("conversation_id", "a valid conversation id is required")
	}
	path := store.ConversationPath(id)
	raw, err := c.store.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return models.Conversation{}, &models.NotFoundError{Kind: "conversation", ID: string(id)}
	}
	if err != nil {
		return models.Conversation{}, store.Transient("get", path, err)
	}
	return store.DecodeConversation(path, raw)
}

// Authorize reads the conversation and checks user belongs to it.
func (c *Conversations) Authorize(ctx context.Context, id models.ConversationID, user models.UserID) (models.Conversation, error) {
	conv, err := c.Get(ctx, id)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(user) {
		return models.Conversation{}, &models.NotAuthorizedError{UserID: user, ConversationID: id}
	}
	return conv, nil
}

func validatePair(a, b models.UserID) error {
	v := &models.ValidationErrors{}
	if !store.ValidSegment(string(a)) {
		v.AddMessage("user_a", "a valid user id is required")
	}
	if !store.ValidSegment(string(b)) {
		v.AddMessage("user_b", "a valid user id is required")
	}
	if a == b && a != "" {
		v.AddMessage("user_b", "cannot start a conversation with yourself")
	}
	return v.Err()
}
