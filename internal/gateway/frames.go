package gateway

import (
	"errors"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/subscription"
)

// Op names a client request.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpSend        Op = "send"
	OpStart       Op = "start"
	OpRetry       Op = "retry"
)

// Stream values accepted by OpSubscribe.
const (
	StreamMessages = "messages"
	StreamInbox    = "inbox"
)

// FrameType names a server frame.
type FrameType string

const (
	FrameChange FrameType = "change"
	FrameAck    FrameType = "ack"
	FrameError  FrameType = "error"
)

// Error codes carried in error frames.
const (
	CodeBadRequest    = "bad_request"
	CodeValidation    = "validation"
	CodeNotFound      = "not_found"
	CodeNotAuthorized = "not_authorized"
	CodeTransient     = "transient"
	CodePartialFanout = "partial_fanout"
	CodeInternal      = "internal"
)

// ClientFrame is one request from a client. ID is echoed back.
type ClientFrame struct {
	ID             string                `json:"id,omitempty"`
	Op             Op                    `json:"op"`
	Stream         string                `json:"stream,omitempty"`
	ConversationID models.ConversationID `json:"conversation_id,omitempty"`
	PeerID         models.UserID         `json:"peer_id,omitempty"`
	Body           string                `json:"body,omitempty"`
	SubscriptionID string                `json:"subscription_id,omitempty"`
	Message        *models.Message       `json:"message,omitempty"`
	Stale          []models.UserID       `json:"stale,omitempty"`
}

// ServerFrame is one frame sent to a client.
type ServerFrame struct {
	Type           FrameType            `json:"type"`
	ID             string               `json:"id,omitempty"`
	SubscriptionID string               `json:"subscription_id,omitempty"`
	Change         *ChangePayload       `json:"change,omitempty"`
	Message        *models.Message      `json:"message,omitempty"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	Created        bool                 `json:"created,omitempty"`
	Error          *ErrorPayload        `json:"error,omitempty"`
}

// ErrorPayload describes a failed request or a broken stream.
type ErrorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Stale   []models.UserID   `json:"stale,omitempty"`
}

// ChangePayload is the wire form of subscription.Change.
type ChangePayload struct {
	Kind     subscription.ChangeKind `json:"kind"`
	Stream   string                  `json:"stream"`
	Message  *models.Message         `json:"message,omitempty"`
	Entry    *models.InboxEntry      `json:"entry,omitempty"`
	Index    int                     `json:"index"`
	Previous int                     `json:"previous"`
	Messages []models.Message        `json:"messages,omitempty"`
	Entries  []models.InboxEntry     `json:"entries,omitempty"`
	Error    *ErrorPayload           `json:"error,omitempty"`
}

func changePayload(c subscription.Change) *ChangePayload {
	p := &ChangePayload{
		Kind:     c.Kind,
		Stream:   c.Key.String(),
		Message:  c.Message,
		Entry:    c.Entry,
		Index:    c.Index,
		Previous: c.Previous,
		Messages: c.Messages,
		Entries:  c.Entries,
	}
	if c.Err != nil {
		p.Error = errorPayload(c.Err)
	}
	return p
}

func errorPayload(err error) *ErrorPayload {
	p := &ErrorPayload{Code: errorCode(err), Message: err.Error()}
	var partial *models.PartialFanoutError
	if errors.As(err, &partial) {
		p.Stale = partial.Stale
	}
	var invalid *models.ValidationErrors
	if errors.As(err, &invalid) {
		p.Fields = invalid.Fields()
	}
	return p
}

func errorCode(err error) string {
	var partial *models.PartialFanoutError
	switch {
	case errors.As(err, &partial):
		return CodePartialFanout
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	case errors.Is(err, models.ErrValidation):
		return CodeValidation
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrNotAuthorized):
		return CodeNotAuthorized
	case models.IsTransient(err):
		return CodeTransient
	default:
		return CodeInternal
	}
}
