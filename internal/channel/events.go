package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pliu/opschat/internal/models"
)

type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventDegraded        EventType = "degraded"
	EventMessageNew      EventType = "message:new"
	EventMessageDeleted  EventType = "message:deleted"
	EventTypingStart     EventType = "typing:start"
	EventTypingStop      EventType = "typing:stop"
	EventPresenceChanged EventType = "presence:changed"
	EventReadBulkUpdate  EventType = "read:bulk-update"
)

// Event is one of the typed values below.
type Event interface {
	Type() EventType
}

// Connected follows every successful join. Reconnect is false only for the
// first connection of a Connect call.
type Connected struct {
	UserID    string
	Reconnect bool
}

type Disconnected struct {
	Err error
}

// Degraded means reconnection gave up after Attempts tries.
type Degraded struct {
	Err      error
	Attempts int
}

type MessageNew struct {
	ChatID  string
	Message models.Message
}

type MessageDeleted struct {
	ChatID    string
	MessageID string
}

type Typing struct {
	ChatID string
	UserID string
	Active bool
}

type PresenceChanged struct {
	UserID   string
	IsOnline bool
	LastSeen time.Time
}

type ReadBulkUpdate struct {
	ChatID   string
	ReaderID string
}

func (Connected) Type() EventType       { return EventConnected }
func (Disconnected) Type() EventType    { return EventDisconnected }
func (Degraded) Type() EventType        { return EventDegraded }
func (MessageNew) Type() EventType      { return EventMessageNew }
func (MessageDeleted) Type() EventType  { return EventMessageDeleted }
func (PresenceChanged) Type() EventType { return EventPresenceChanged }
func (ReadBulkUpdate) Type() EventType  { return EventReadBulkUpdate }

func (t Typing) Type() EventType {
	if t.Active {
		return EventTypingStart
	}
	return EventTypingStop
}

// ErrMalformed is returned by Decode for frames that fail validation.
var ErrMalformed = errors.New("channel: malformed event")

// ErrUnknownEvent is returned by Decode for event names the client does not consume.
var ErrUnknownEvent = errors.New("channel: unknown event")

func malformed(event, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, event, reason)
}

// Decode validates a server frame and converts it into a typed Event.
func Decode(raw []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.Event == "" {
		return nil, malformed("?", "missing event name")
	}
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return nil, malformed(frame.Event, "missing data")
	}

	switch frame.Event {
	case WireNewMessage:
		var p NewMessagePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, malformed(frame.Event, err.Error())
		}
		return decodeNewMessage(p)

	case WireMessageDeleted:
		var p MessageDeletedPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, malformed(frame.Event, err.Error())
		}
		if blank(p.ChatID) || blank(p.MessageID) {
			return nil, malformed(frame.Event, "chatId and messageId are required")
		}
		return MessageDeleted{ChatID: p.ChatID, MessageID: p.MessageID}, nil

	case WireTypingStart, WireTypingStop:
		var p TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, malformed(frame.Event, err.Error())
		}
		if blank(p.ChatID) || blank(p.UserID) {
			return nil, malformed(frame.Event, "chatId and userId are required")
		}
		return Typing{ChatID: p.ChatID, UserID: p.UserID, Active: frame.Event == WireTypingStart}, nil

	case WireStatusChanged:
		var p StatusChangedPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, malformed(frame.Event, err.Error())
		}
		if blank(p.UserID) || p.IsOnline == nil {
			return nil, malformed(frame.Event, "userId and isOnline are required")
		}
		return PresenceChanged{UserID: p.UserID, IsOnline: *p.IsOnline, LastSeen: p.LastSeen}, nil

	case WireMessagesRead:
		var p MessagesReadPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return nil, malformed(frame.Event, err.Error())
		}
		if blank(p.ChatID) {
			return nil, malformed(frame.Event, "chatId is required")
		}
		return ReadBulkUpdate{ChatID: p.ChatID, ReaderID: p.UserID}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, frame.Event)
}

func decodeNewMessage(p NewMessagePayload) (Event, error) {
	if blank(p.ChatID) {
		return nil, malformed(WireNewMessage, "chatId is required")
	}
	if p.Message == nil {
		return nil, malformed(WireNewMessage, "message is required")
	}
	msg := *p.Message
	if blank(msg.ServerID) {
		return nil, malformed(WireNewMessage, "message id is required")
	}
	if blank(msg.Sender.ID) {
		return nil, malformed(WireNewMessage, "message sender is required")
	}
	switch msg.Kind {
	case "":
		msg.Kind = models.KindText
	case models.KindText:
	case models.KindFile:
		if msg.Attachment == nil || blank(msg.FileURL) {
			return nil, malformed(WireNewMessage, "file message without attachment")
		}
	default:
		return nil, malformed(WireNewMessage, "unknown message type "+string(msg.Kind))
	}
	if msg.Kind == models.KindText && blank(msg.Content) {
		return nil, malformed(WireNewMessage, "empty text message")
	}
	if !msg.Status.Valid() || msg.Status == models.StatusSending || msg.Status == "" {
		msg.Status = models.StatusSent
	}
	if msg.ChatID == "" {
		msg.ChatID = p.ChatID
	} else if msg.ChatID != p.ChatID {
		return nil, malformed(WireNewMessage, "chatId mismatch")
	}
	msg.LocalID = ""
	return MessageNew{ChatID: p.ChatID, Message: msg}, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
