package models

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxBodyLength is the default body limit in runes.
const DefaultMaxBodyLength = 4096

// Message is an immutable entry in a conversation's message log.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	Body           string         `json:"body"`
	SentAt         time.Time      `json:"sent_at"`
}

// Validate checks a decoded message record.
func (m *Message) Validate() error {
	v := &ValidationErrors{}
	v.Require(m.ID != "", "id", "message id is required")
	v.Require(m.ConversationID != "", "conversation_id", "conversation id is required")
	v.Require(m.SenderID != "", "sender_id", "sender id is required")
	v.Require(m.Body != "", "body", "message body is required")
	v.Require(!m.SentAt.IsZero(), "sent_at", "sent_at is required")
	return v.Err()
}

// NormalizeBody trims body and enforces 1..maxLen runes.
func NormalizeBody(body string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLength
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", Invalid("body", "message body is required")
	}
	if n := utf8.RuneCountInString(trimmed); n > maxLen {
		return "", Invalidf("body", "message body is %d characters; the limit is %d", n, maxLen)
	}
	return trimmed, nil
}

// MessageLess orders messages by (SentAt, ID) ascending.
func MessageLess(a, b *Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts messages in place into log order.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return MessageLess(&messages[i], &messages[j])
	})
}

// InsertMessage inserts m into an already ordered slice and returns the
// new slice and the insertion index.
func InsertMessage(messages []Message, m Message) ([]Message, int) {
	idx := sort.Search(len(messages), func(i int) bool {
		return MessageLess(&m, &messages[i])
	})
	messages = append(messages, Message{})
	copy(messages[idx+1:], messages[idx:])
	messages[idx] = m
	return messages, idx
}
