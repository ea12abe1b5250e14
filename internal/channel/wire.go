package channel

import (
	"encoding/json"
	"time"

	"github.com/pliu/opschat/internal/models"
)

// Wire event names. The client emits the first group, the server the second.
const (
	WireJoinUser  = "join_user"
	WireHeartbeat = "heartbeat"

	WireTypingStart    = "typing_start"
	WireTypingStop     = "typing_stop"
	WireNewMessage     = "new_message"
	WireMessageDeleted = "message_deleted"
	WireStatusChanged  = "user_status_changed"
	WireMessagesRead   = "messages_read"
)

// Frame is one websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeFrame builds the JSON text of a frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

type JoinPayload struct {
	UserID string `json:"userId"`
}

type HeartbeatPayload struct {
	UserID string `json:"userId"`
}

type TypingPayload struct {
	ChatID     string `json:"chatId"`
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId,omitempty"`
}

type NewMessagePayload struct {
	ChatID  string          `json:"chatId"`
	Message *models.Message `json:"message"`
}

type MessageDeletedPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type StatusChangedPayload struct {
	UserID   string    `json:"userId"`
	IsOnline *bool     `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// MessagesReadPayload is pushed to the author of the messages. UserID, the
// reader, is optional; absent means the other participant.
type MessagesReadPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId,omitempty"`
}
