package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for the chat core. Match with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrAlreadyExists = errors.New("already exists")
)

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotAuthorizedError reports a user acting on a conversation they are not part of.
type NotAuthorizedError struct {
	UserID         UserID
	ConversationID ConversationID
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("user %q is not a participant of conversation %q", e.UserID, e.ConversationID)
}

func (e *NotAuthorizedError) Is(target error) bool {
	return target == ErrNotAuthorized
}

// TransientStoreError wraps a rejected or timed out store read/write.
type TransientStoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientStoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientStoreError.
func IsTransient(err error) bool {
	var transient *TransientStoreError
	return errors.As(err, &transient)
}

// PartialFanoutError is returned alongside a successfully appended message
// when one or more inbox writes failed. The listed owners' inbox entries are
// stale until the next successful send in the conversation or a refanout.
type PartialFanoutError struct {
	ConversationID ConversationID
	MessageID      MessageID
	Stale          []UserID
	Causes         map[UserID]error
}

func (e *PartialFanoutError) Error() string {
	stale := make([]string, 0, len(e.Stale))
	for _, id := range e.Stale {
		stale = append(stale, string(id))
	}
	sort.Strings(stale)
	return fmt.Sprintf("message %s appended to %s but inbox fan-out failed for [%s]",
		e.MessageID, e.ConversationID, strings.Join(stale, ", "))
}

// Unwrap exposes the per-owner causes to errors.Is / errors.As.
func (e *PartialFanoutError) Unwrap() []error {
	causes := make([]error, 0, len(e.Causes))
	for _, err := range e.Causes {
		causes = append(causes, err)
	}
	return causes
}

// IsStale reports whether owner's entry was left stale.
func (e *PartialFanoutError) IsStale(owner UserID) bool {
	for _, id := range e.Stale {
		if id == owner {
			return true
		}
	}
	return false
}
