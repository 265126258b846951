package subscription

import (
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/store"
)

// StreamKind names the two live streams the core exposes.
type StreamKind string

const (
	StreamMessages StreamKind = "messages"
	StreamInbox    StreamKind = "inbox"
)

// StreamKey identifies one live stream: a conversation's message log or
// an owner's inbox.
type StreamKey struct {
	Kind           StreamKind
	ConversationID models.ConversationID
	OwnerID        models.UserID
}

// MessagesKey is the stream of a conversation's messages.
func MessagesKey(conv models.ConversationID) StreamKey {
	return StreamKey{Kind: StreamMessages, ConversationID: conv}
}

// InboxKey is the stream of an owner's inbox entries.
func InboxKey(owner models.UserID) StreamKey {
	return StreamKey{Kind: StreamInbox, OwnerID: owner}
}

func (k StreamKey) String() string {
	switch k.Kind {
	case StreamMessages:
		return "messages:" + string(k.ConversationID)
	case StreamInbox:
		return "inbox:" + string(k.OwnerID)
	default:
		return string(k.Kind)
	}
}

// Validate checks the key names a known stream with a usable id.
func (k StreamKey) Validate() error {
	switch k.Kind {
	case StreamMessages:
		if !store.ValidSegment(string(k.ConversationID)) {
			return models.Invalid("conversation_id", "a valid conversation id is required")
		}
	case StreamInbox:
		if !store.ValidSegment(string(k.OwnerID)) {
			return models.Invalid("owner_id", "a valid owner id is required")
		}
	default:
		return models.Invalidf("kind", "unknown stream kind %q", k.Kind)
	}
	return nil
}

func (k StreamKey) prefix() string {
	if k.Kind == StreamMessages {
		return store.MessagesPrefix(k.ConversationID)
	}
	return store.InboxPrefix(k.OwnerID)
}

// ChangeKind describes a Change.
type ChangeKind string

const (
	// ChangeReplay carries the full current view; always the first change.
	ChangeReplay ChangeKind = "replay"
	// ChangeAdded is a message appended to the view.
	ChangeAdded ChangeKind = "added"
	// ChangeUpserted is an inbox entry added or replaced.
	ChangeUpserted ChangeKind = "upserted"
	// ChangeError ends the subscription.
	ChangeError ChangeKind = "error"
)

// Change is one delivery to a Handler. Messages or Entries always hold the
// complete ordered view after the change; the slices belong to the handler.
type Change struct {
	Kind ChangeKind
	Key  StreamKey

	// Message is set for ChangeAdded, Entry for ChangeUpserted. Index is
	// the delta's position in the view.
	Message *models.Message
	Entry   *models.InboxEntry
	Index   int

	// Previous is the entry's index before an upsert, or -1 if it is new.
	Previous int

	Messages []models.Message
	Entries  []models.InboxEntry

	Err error
}

// view is a subscription's ordered state. Only the dispatch loop touches it.
type view struct {
	key      StreamKey
	logger   zerolog.Logger
	messages []models.Message
	seen     map[models.MessageID]struct{}
	entries  []models.InboxEntry
}

func newView(key StreamKey, logger zerolog.Logger) *view {
	return &view{key: key, logger: logger, seen: make(map[models.MessageID]struct{})}
}

// apply folds a store event into the view and returns the change to
// deliver, or false when the event changes nothing visible.
func (v *view) apply(ev store.Event) (Change, bool) {
	switch ev.Kind {
	case store.EventSnapshot:
		return v.replay(ev.Entries), true
	case store.EventPut:
		if v.key.Kind == StreamMessages {
			return v.addMessage(ev.Entry)
		}
		return v.upsertEntry(ev.Entry)
	case store.EventError:
		return Change{
			Kind: ChangeError,
			Key:  v.key,
			Err:  &models.TransientStoreError{Op: "watch", Path: v.key.prefix(), Err: ev.Err},
		}, true
	}
	return Change{}, false
}

func (v *view) replay(entries []store.Entry) Change {
	change := Change{Kind: ChangeReplay, Key: v.key, Index: -1, Previous: -1}
	if v.key.Kind == StreamMessages {
		v.messages = v.messages[:0]
		for _, e := range entries {
			msg, err := store.DecodeMessage(e.Path, e.Value)
			if err != nil {
				v.skip(e.Path, err)
				continue
			}
			if _, dup := v.seen[msg.ID]; dup {
				continue
			}
			v.seen[msg.ID] = struct{}{}
			v.messages = append(v.messages, msg)
		}
		models.SortMessages(v.messages)
		change.Messages = append([]models.Message(nil), v.messages...)
		return change
	}

	v.entries = v.entries[:0]
	for _, e := range entries {
		entry, err := store.DecodeInboxEntry(e.Path, e.Value)
		if err != nil {
			v.skip(e.Path, err)
			continue
		}
		v.entries = append(v.entries, entry)
	}
	models.SortInbox(v.entries)
	change.Entries = append([]models.InboxEntry(nil), v.entries...)
	return change
}

func (v *view) addMessage(e store.Entry) (Change, bool) {
	msg, err := store.DecodeMessage(e.Path, e.Value)
	if err != nil {
		v.skip(e.Path, err)
		return Change{}, false
	}
	if _, dup := v.seen[msg.ID]; dup {
		return Change{}, false
	}
	v.seen[msg.ID] = struct{}{}

	var idx int
	v.messages, idx = models.InsertMessage(v.messages, msg)
	return Change{
		Kind:     ChangeAdded,
		Key:      v.key,
		Message:  &msg,
		Index:    idx,
		Previous: -1,
		Messages: append([]models.Message(nil), v.messages...),
	}, true
}

func (v *view) upsertEntry(e store.Entry) (Change, bool) {
	entry, err := store.DecodeInboxEntry(e.Path, e.Value)
	if err != nil {
		v.skip(e.Path, err)
		return Change{}, false
	}

	previous := -1
	for i := range v.entries {
		if v.entries[i].ConversationID == entry.ConversationID {
			if v.entries[i].Equal(entry) {
				return Change{}, false
			}
			previous = i
			break
		}
	}

	var idx int
	v.entries, idx = models.UpsertInbox(v.entries, entry)
	return Change{
		Kind:     ChangeUpserted,
		Key:      v.key,
		Entry:    &entry,
		Index:    idx,
		Previous: previous,
		Entries:  append([]models.InboxEntry(nil), v.entries...),
	}, true
}

func (v *view) skip(path string, err error) {
	v.logger.Warn().Err(err).Str("path", path).Msg("skipping malformed record")
}
