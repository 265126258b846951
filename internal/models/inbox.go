package models

import (
	"sort"
	"time"
)

// InboxSummary is the payload the fan-out writer stores per owner.
type InboxSummary struct {
	LastMessageAt      time.Time
	LastMessagePreview string
	LastSenderID       UserID
	PeerDisplayName    string
}

// InboxEntry is the denormalized chat-list row for one owner and conversation.
type InboxEntry struct {
	OwnerID            UserID         `json:"owner_id"`
	ConversationID     ConversationID `json:"conversation_id"`
	LastMessageAt      time.Time      `json:"last_message_at"`
	LastMessagePreview string         `json:"last_message_preview"`
	LastSenderID       UserID         `json:"last_sender_id"`
	PeerDisplayName    string         `json:"peer_display_name"`
}

// NewInboxEntry builds the entry for owner from a summary.
func NewInboxEntry(owner UserID, conv ConversationID, summary InboxSummary) InboxEntry {
	return InboxEntry{
		OwnerID:            owner,
		ConversationID:     conv,
		LastMessageAt:      summary.LastMessageAt.UTC(),
		LastMessagePreview: summary.LastMessagePreview,
		LastSenderID:       summary.LastSenderID,
		PeerDisplayName:    summary.PeerDisplayName,
	}
}

// Validate checks a decoded inbox record.
func (e *InboxEntry) Validate() error {
	v := &ValidationErrors{}
	v.Require(e.OwnerID != "", "owner_id", "owner id is required")
	v.Require(e.ConversationID != "", "conversation_id", "conversation id is required")
	v.Require(!e.LastMessageAt.IsZero(), "last_message_at", "last_message_at is required")
	v.Require(e.LastSenderID != "", "last_sender_id", "last sender id is required")
	return v.Err()
}

// Equal reports whether two entries render identically.
func (e InboxEntry) Equal(other InboxEntry) bool {
	return e.OwnerID == other.OwnerID &&
		e.ConversationID == other.ConversationID &&
		e.LastMessageAt.Equal(other.LastMessageAt) &&
		e.LastMessagePreview == other.LastMessagePreview &&
		e.LastSenderID == other.LastSenderID &&
		e.PeerDisplayName == other.PeerDisplayName
}

// InboxLess orders entries by LastMessageAt descending, then ConversationID ascending.
func InboxLess(a, b *InboxEntry) bool {
	if !a.LastMessageAt.Equal(b.LastMessageAt) {
		return a.LastMessageAt.After(b.LastMessageAt)
	}
	return a.ConversationID < b.ConversationID
}

// SortInbox sorts entries in place into chat-list order.
func SortInbox(entries []InboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return InboxLess(&entries[i], &entries[j])
	})
}

// UpsertInbox replaces (or adds) the entry for e.ConversationID in an ordered
// slice, keeping it ordered. It returns the new slice and the entry's index.
func UpsertInbox(entries []InboxEntry, e InboxEntry) ([]InboxEntry, int) {
	for i := range entries {
		if entries[i].ConversationID == e.ConversationID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	idx := sort.Search(len(entries), func(i int) bool {
		return InboxLess(&e, &entries[i])
	})
	entries = append(entries, InboxEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries, idx
}
