package conversation

import (
	"sort"

	"github.com/pliu/opschat/internal/models"
)

// Snapshot is an immutable copy of the store for rendering.
type Snapshot struct {
	Open         bool
	Conversation models.Conversation
	Messages     []models.Message
	Typing       []string
	// Unread is the server's counter for the local user.
	Unread int
}

func (s *Store) Snapshot() Snapshot {
	if s.conv == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Open:         true,
		Conversation: *s.conv,
		Messages:     make([]models.Message, len(s.messages)),
		Unread:       s.conv.Unread[s.self],
	}
	snap.Conversation.Participants = append([]string(nil), s.conv.Participants...)
	snap.Conversation.Unread = copyUnread(s.conv.Unread)
	for i, m := range s.messages {
		if m.Attachment != nil {
			att := *m.Attachment
			m.Attachment = &att
		}
		snap.Messages[i] = m
	}
	for id := range s.typing {
		snap.Typing = append(snap.Typing, id)
	}
	sort.Strings(snap.Typing)
	return snap
}

// PeerTyping reports whether anyone other than the local user is typing.
func (s Snapshot) PeerTyping() bool { return len(s.Typing) > 0 }
