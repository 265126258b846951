// Package models defines the records exchanged through the realtime store.
package models

import (
	"sort"
	"strings"
	"time"
)

// UserID is an opaque, stable identifier for an authenticated identity.
type UserID string

// ConversationID identifies a two-party conversation.
type ConversationID string

// MessageID identifies a message within its conversation. It is not
// globally unique.
type MessageID string

// Conversation is a two-party thread. Participants are stored sorted.
type Conversation struct {
	ID             ConversationID `json:"id"`
	ParticipantIDs []UserID       `json:"participant_ids"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HasParticipant reports whether user belongs to the conversation.
func (c *Conversation) HasParticipant(user UserID) bool {
	for _, id := range c.ParticipantIDs {
		if id == user {
			return true
		}
	}
	return false
}

// Peer returns the participant that is not user.
func (c *Conversation) Peer(user UserID) (UserID, bool) {
	if !c.HasParticipant(user) {
		return "", false
	}
	for _, id := range c.ParticipantIDs {
		if id != user {
			return id, true
		}
	}
	return "", false
}

// Validate checks the conversation record.
func (c *Conversation) Validate() error {
	v := &ValidationErrors{}
	if strings.TrimSpace(string(c.ID)) == "" {
		v.AddMessage("id", "conversation id is required")
	}
	if len(c.ParticipantIDs) != 2 {
		v.AddMessage("participant_ids", "conversation must have exactly 2 participants")
	} else {
		if c.ParticipantIDs[0] == "" || c.ParticipantIDs[1] == "" {
			v.AddMessage("participant_ids", "participant id is required")
		}
		if c.ParticipantIDs[0] == c.ParticipantIDs[1] {
			v.AddMessage("participant_ids", "participants must be distinct")
		}
	}
	return v.Err()
}

// SortedPair returns a and b in ascending order.
func SortedPair(a, b UserID) [2]UserID {
	pair := []UserID{a, b}
	sort.Slice(pair, func(i, j int) bool { return pair[i] < pair[j] })
	return [2]UserID{pair[0], pair[1]}
}
