package store

import (
	"encoding/json"
	"fmt"

	"github.com/tOgg1/parley/internal/models"
)

// Records are validated as they cross the store boundary: malformed or
// incomplete documents become validation errors, never zero values.

// Encode marshals a record for storage.
func Encode(record any) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decode(path string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		v := &models.ValidationErrors{}
		v.Add(path, err)
		return v.Err()
	}
	return nil
}

// DecodeConversation decodes and validates a conversations/{id} record.
func DecodeConversation(path string, raw []byte) (models.Conversation, error) {
	var conv models.Conversation
	if err := decode(path, raw, &conv); err != nil {
		return models.Conversation{}, err
	}
	if err := conv.Validate(); err != nil {
		return models.Conversation{}, wrapField(path, err)
	}
	if path != ConversationPath(conv.ID) {
		return models.Conversation{}, models.Invalid(path, "conversation id does not match its path")
	}
	return conv, nil
}

// DecodeMessage decodes and validates a message record.
func DecodeMessage(path string, raw []byte) (models.Message, error) {
	var msg models.Message
	if err := decode(path, raw, &msg); err != nil {
		return models.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, wrapField(path, err)
	}
	if path != MessagePath(msg.ConversationID, msg.ID) {
		return models.Message{}, models.Invalid(path, "message id does not match its path")
	}
	msg.SentAt = msg.SentAt.UTC()
	return msg, nil
}

// DecodeInboxEntry decodes and validates an inbox record.
func DecodeInboxEntry(path string, raw []byte) (models.InboxEntry, error) {
	var entry models.InboxEntry
	if err := decode(path, raw, &entry); err != nil {
		return models.InboxEntry{}, err
	}
	if err := entry.Validate(); err != nil {
		return models.InboxEntry{}, wrapField(path, err)
	}
	if path != InboxPath(entry.OwnerID, entry.ConversationID) {
		return models.InboxEntry{}, models.Invalid(path, "inbox entry does not match its path")
	}
	entry.LastMessageAt = entry.LastMessageAt.UTC()
	return entry, nil
}

// DecodeUser decodes and validates a users/{id} record.
func DecodeUser(path string, raw []byte) (models.User, error) {
	var user models.User
	if err := decode(path, raw, &user); err != nil {
		return models.User{}, err
	}
	if err := user.Validate(); err != nil {
		return models.User{}, wrapField(path, err)
	}
	id, err := lastSegment(path, UsersPrefix())
	if err != nil || models.UserID(id) != user.ID {
		return models.User{}, models.Invalid(path, "user id does not match its path")
	}
	return user, nil
}

func wrapField(path string, err error) error {
	v := &models.ValidationErrors{}
	v.Add(path, err)
	return v.Err()
}
