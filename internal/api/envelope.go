package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pliu/opschat/internal/models"
)

// Envelope wraps every REST response body.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewMessage is the body of an append-message request.
type NewMessage struct {
	SenderID string      `json:"senderId"`
	Content  string      `json:"content"`
	Kind     models.Kind `json:"type"`
	*models.Attachment
}

type OpenConversationRequest struct {
	UserID        string `json:"userId"`
	ParticipantID string `json:"participantId"`
}

type MarkReadRequest struct {
	UserID string `json:"userId"`
}

// ErrRequest is matched by every failed collaborator call.
var ErrRequest = errors.New("api: request failed")

// Error describes a non-success response.
// Status is zero when the request never got a response; Err then holds the
// transport error.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
	}
	if e.Message == "" {
		return fmt.Sprintf("api: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("api: %s: status %d: %s", e.Op, e.Status, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRequest, e.Err}
	}
	return []error{ErrRequest}
}
