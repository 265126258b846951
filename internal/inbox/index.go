// Package inbox maintains each user's denormalized chat list.
package inbox

import (
	"context"
	"errors"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
	"github.com/tOgg1/parley/internal/subscription"
)

// Index reads and writes inbox/{owner}/{conversation} entries.
type Index struct {
	store store.Store
	subs  *subscription.Manager
}

// New creates an Index.
func New(st store.Store, subs *subscription.Manager) *Index {
	return &Index{store: st, subs: subs}
}

// UpsertEntry overwrites owner's entry for conv. The write is last-write-wins
// in arrival order, not by LastMessageAt: a delayed write for an older
// message can replace a newer summary.
func (x *Index) UpsertEntry(ctx context.Context, owner models.UserID, conv models.ConversationID, summary models.InboxSummary) (models.InboxEntry, error) {
	entry, raw, err := encodeEntry(owner, conv, summary)
	if err != nil {
		return models.InboxEntry{}, err
	}
	path := store.InboxPath(owner, conv)
	if err := x.store.Put(ctx, path, raw); err != nil {
		return models.InboxEntry{}, store.Transient("put", path, err)
	}
	return entry, nil
}

// CreateEntry writes owner's entry for conv only if owner has none yet, and
// reports whether it did.
func (x *Index) CreateEntry(ctx context.Context, owner models.UserID, conv models.ConversationID, summary models.InboxSummary) (bool, error) {
	_, raw, err := encodeEntry(owner, conv, summary)
	if err != nil {
		return false, err
	}
	path := store.InboxPath(owner, conv)
	created, err := x.store.Create(ctx, path, raw)
	if err != nil {
		return false, store.Transient("create", path, err)
	}
	return created, nil
}

func encodeEntry(owner models.UserID, conv models.ConversationID, summary models.InboxSummary) (models.InboxEntry, []byte, error) {
	if !store.ValidSegment(string(owner)) {
		return models.InboxEntry{}, nil, models.Invalid("owner_id", "a valid owner id is required")
	}
	if !store.ValidSegment(string(conv)) {
		return models.InboxEntry{}, nil, models.Invalid("conversation_id", "a valid conversation id is required")
	}
	entry := models.NewInboxEntry(owner, conv, summary)
	if err := entry.Validate(); err != nil {
		return models.InboxEntry{}, nil, err
	}
	raw, err := store.Encode(entry)
	if err != nil {
		return models.InboxEntry{}, nil, err
	}
	return entry, raw, nil
}

// Get reads owner's entry for conv, or a NotFoundError.
func (x *Index) Get(ctx context.Context, owner models.UserID, conv models.ConversationID) (models.InboxEntry, error) {
	path := store.InboxPath(owner, conv)
	raw, err := x.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.InboxEntry{}, &models.NotFoundError{Kind: "inbox entry", ID: path}
		}
		return models.InboxEntry{}, store.Transient("get", path, err)
	}
	return store.DecodeInboxEntry(path, raw)
}

// List returns owner's entries, newest first, ties by conversation id.
func (x *Index) List(ctx context.Context, owner models.UserID) ([]models.InboxEntry, error) {
	if !store.ValidSegment(string(owner)) {
		return nil, models.Invalid("owner_id", "a valid owner id is required")
	}
	prefix := store.InboxPrefix(owner)
	entries, err := x.store.List(ctx, prefix)
	if err != nil {
		return nil, store.Transient("list", prefix, err)
	}

	out := make([]models.InboxEntry, 0, len(entries))
	for _, e := range entries {
		entry, err := store.DecodeInboxEntry(e.Path, e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	models.SortInbox(out)
	return out, nil
}

// Subscribe streams owner's inbox: a replay of the ordered list, then one
// change per entry write.
func (x *Index) Subscribe(owner models.UserID, handler subscription.Handler) (subscription.Subscription, error) {
	return x.subs.Subscribe(subscription.InboxKey(owner), handler)
}
