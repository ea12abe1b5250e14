package models

import (
	"bytes"
	"encoding/json"
	"time"
)

type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	Role     string    `json:"role,omitempty"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Status is the delivery state of a message. The zero value is treated as
// StatusSent, which is how pushed copies from peers are interpreted.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent, "":
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

func (s Status) Valid() bool { return s.rank() >= 0 }

// Advance returns whichever of s and next is further along. Unknown values
// never win.
func (s Status) Advance(next Status) Status {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Before reports whether s precedes other in the delivery order.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

// Attachment describes an uploaded file. It is flattened into the message
// payload on the wire.
type Attachment struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
	FileURL  string `json:"fileUrl"`
}

// Sender is either a bare user id or an embedded user object on the wire.
type Sender struct {
	ID   string
	User *User
}

func (s Sender) MarshalJSON() ([]byte, error) {
	if s.User != nil {
		return json.Marshal(s.User)
	}
	return json.Marshal(s.ID)
}

func (s *Sender) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*s = Sender{}
		return nil
	case data[0] == '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*s = Sender{ID: id}
		return nil
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*s = Sender{ID: u.ID, User: &u}
	return nil
}

type Message struct {
	LocalID  string `json:"localId,omitempty"`
	ServerID string `json:"id,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	Sender   Sender `json:"sender"`
	Content  string `json:"content"`
	Kind     Kind   `json:"type"`
	*Attachment
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	IsDeleted bool      `json:"isDeleted,omitempty"`
}

func (m Message) SenderID() string { return m.Sender.ID }

func (m Message) AuthoredBy(userID string) bool {
	return userID != "" && m.Sender.ID == userID
}

type Conversation struct {
	ID            string         `json:"id"`
	Participants  []string       `json:"participants"`
	Unread        map[string]int `json:"unreadCount,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
}

// Peer returns the participant that is not self.
func (c Conversation) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

func (c Conversation) Has(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
