package store

import (
	"fmt"
	"strings"

	"github.com/tOgg1/parley/internal/models"
)

const (
	conversationsRoot = "conversations"
	messagesSegment   = "messages"
	inboxRoot         = "inbox"
	usersRoot         = "users"
)

// ConversationPath is conversations/{id}.
func ConversationPath(id models.ConversationID) string {
	return conversationsRoot + "/" + string(id)
}

// MessagesPrefix is the watch/list prefix for a conversation's message log.
func MessagesPrefix(id models.ConversationID) string {
	return ConversationPath(id) + "/" + messagesSegment + "/"
}

// MessagePath is conversations/{id}/messages/{mid}.
func MessagePath(id models.ConversationID, mid models.MessageID) string {
	return MessagesPrefix(id) + string(mid)
}

// InboxPrefix is the watch/list prefix for an owner's inbox.
func InboxPrefix(owner models.UserID) string {
	return inboxRoot + "/" + string(owner) + "/"
}

// InboxPath is inbox/{owner}/{conv}.
func InboxPath(owner models.UserID, conv models.ConversationID) string {
	return InboxPrefix(owner) + string(conv)
}

// UsersPrefix lists every user record.
func UsersPrefix() string {
	return usersRoot + "/"
}

// UserPath is users/{id}.
func UserPath(id models.UserID) string {
	return UsersPrefix() + string(id)
}

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	return s != "" && !strings.Contains(s, "/") && strings.TrimSpace(s) == s
}

// lastSegment returns the final segment of path under prefix.
func lastSegment(path, prefix string) (string, error) {
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("path %q is not under %q", path, prefix)
	}
	rest := strings.TrimPrefix(path, prefix)
	if !ValidSegment(rest) {
		return "", fmt.Errorf("path %q has an invalid trailing segment", path)
	}
	return rest, nil
}
