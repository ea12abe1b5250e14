// Package conversation holds the in-memory model of the open conversation.
//
// A Store is owned by one goroutine (the session loop) and is not safe for
// concurrent use. Every mutation names the conversation it targets; calls for
// anything other than the open conversation are ignored, which is what keeps
// late network completions and stale channel events from leaking into a
// newly opened conversation.
package conversation

import (
	"errors"
	"sort"

	"github.com/pliu/opschat/internal/models"
)

var (
	ErrNotOpen          = errors.New("conversation: not open")
	ErrDuplicateLocalID = errors.New("conversation: duplicate local id")
)

// remotePrefix marks local ids minted for messages that did not originate here.
const remotePrefix = "srv-"

type Store struct {
	self     string
	conv     *models.Conversation
	messages []models.Message
	typing   map[string]bool
}

func New(selfID string) *Store {
	return &Store{self: selfID, typing: make(map[string]bool)}
}

func (s *Store) Self() string { return s.self }

// SetSelf changes the local identity and closes whatever was open.
func (s *Store) SetSelf(userID string) {
	s.self = userID
	s.Reset()
}

// OpenID returns the id of the open conversation, or "".
func (s *Store) OpenID() string {
	if s.conv == nil {
		return ""
	}
	return s.conv.ID
}

func (s *Store) IsOpen(chatID string) bool {
	return s.conv != nil && chatID != "" && s.conv.ID == chatID
}

// Peer returns the other participant of the open conversation.
func (s *Store) Peer() string {
	if s.conv == nil {
		return ""
	}
	return s.conv.Peer(s.self)
}

// Load installs a bootstrapped conversation, replacing all prior state.
func (s *Store) Load(conv models.Conversation, msgs []models.Message) {
	cp := conv
	cp.Participants = append([]string(nil), conv.Participants...)
	cp.Unread = copyUnread(conv.Unread)
	s.conv = &cp
	s.messages = normalize(conv.ID, msgs)
	s.typing = make(map[string]bool)
}

// Refresh swaps in a re-fetched history for the open conversation. Local
// messages missing from the history stay at the end, and statuses already
// observed locally are never demoted.
func (s *Store) Refresh(conv models.Conversation, msgs []models.Message) bool {
	if !s.IsOpen(conv.ID) {
		return false
	}
	prev := s.messages
	next := normalize(conv.ID, msgs)
	known := make(map[string]models.Message, len(prev))
	for _, m := range prev {
		if m.ServerID != "" {
			known[m.ServerID] = m
		}
	}
	for i := range next {
		old, ok := known[next[i].ServerID]
		if !ok {
			continue
		}
		next[i].Status = old.Status.Advance(next[i].Status)
		if !isRemoteID(old.LocalID) {
			next[i].LocalID = old.LocalID
		}
	}
	fetched := make(map[string]bool, len(next))
	for _, m := range next {
		fetched[m.ServerID] = true
	}
	// Local sends confirmed after the history was fetched are kept too.
	for _, m := range prev {
		if m.ServerID == "" || (!isRemoteID(m.LocalID) && !fetched[m.ServerID]) {
			next = append(next, m)
		}
	}
	s.messages = next
	s.conv.Unread = copyUnread(conv.Unread)
	if len(conv.Participants) > 0 {
		s.conv.Participants = append([]string(nil), conv.Participants...)
	}
	return true
}

// Reset closes the open conversation.
func (s *Store) Reset() {
	s.conv = nil
	s.messages = nil
	s.typing = make(map[string]bool)
}

// AppendLocal adds an optimistic message authored by the local user.
func (s *Store) AppendLocal(chatID string, msg models.Message) error {
	if !s.IsOpen(chatID) {
		return ErrNotOpen
	}
	if msg.LocalID == "" || s.indexLocal(msg.LocalID) >= 0 {
		return ErrDuplicateLocalID
	}
	msg.ChatID = chatID
	if msg.Status == "" {
		msg.Status = models.StatusSending
	}
	s.messages = append(s.messages, msg)
	return nil
}

// Confirm reconciles an optimistic message with the copy the server stored.
// If a pushed echo of the same server id got here first, the echo is folded
// into the optimistic entry so only one copy remains.
func (s *Store) Confirm(chatID, localID string, saved models.Message) bool {
	if !s.IsOpen(chatID) || saved.ServerID == "" {
		return false
	}
	i := s.indexLocal(localID)
	j := s.indexServer(saved.ServerID)
	if i < 0 {
		if j >= 0 {
			return false
		}
		saved.LocalID = localID
		saved.ChatID = chatID
		saved.Status = models.StatusSending.Advance(saved.Status).Advance(models.StatusSent)
		s.messages = append(s.messages, saved)
		return true
	}

	status := s.messages[i].Status.Advance(models.StatusSent)
	if j >= 0 && j != i {
		status = status.Advance(s.messages[j].Status)
		s.messages = append(s.messages[:j], s.messages[j+1:]...)
		if j < i {
			i--
		}
	}
	m := &s.messages[i]
	m.ServerID = saved.ServerID
	m.Status = status
	if !saved.CreatedAt.IsZero() {
		m.CreatedAt = saved.CreatedAt
	}
	if saved.Attachment != nil {
		att := *saved.Attachment
		m.Attachment = &att
	}
	return true
}

// Advance moves a message forward in the delivery order. It never demotes.
func (s *Store) Advance(chatID, localID string, status models.Status) bool {
	if !s.IsOpen(chatID) {
		return false
	}
	i := s.indexLocal(localID)
	if i < 0 {
		return false
	}
	next := s.messages[i].Status.Advance(status)
	if next == s.messages[i].Status {
		return false
	}
	s.messages[i].Status = next
	return true
}

// RemoveLocal drops an optimistic message whose send failed.
func (s *Store) RemoveLocal(chatID, localID string) bool {
	if !s.IsOpen(chatID) {
		return false
	}
	i := s.indexLocal(localID)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// ApplyRemoteMessage appends a pushed message unless one with the same server
// id is already present.
func (s *Store) ApplyRemoteMessage(chatID string, msg models.Message) bool {
	if !s.IsOpen(chatID) || msg.ServerID == "" || msg.IsDeleted {
		return false
	}
	if s.indexServer(msg.ServerID) >= 0 {
		return false
	}
	msg.ChatID = chatID
	msg.LocalID = remotePrefix + msg.ServerID
	if !msg.Status.Valid() || msg.Status == "" || msg.Status == models.StatusSending {
		msg.Status = models.StatusSent
	}
	s.messages = append(s.messages, msg)
	if sender := msg.SenderID(); sender != "" {
		delete(s.typing, sender)
	}
	return true
}

// ApplyDeletion removes the message with serverID, if present.
func (s *Store) ApplyDeletion(chatID, serverID string) bool {
	if !s.IsOpen(chatID) {
		return false
	}
	i := s.indexServer(serverID)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// ApplyReadBulkUpdate marks every persisted message of the local user as read
// when the remote participant reports having read the conversation. An empty
// readerID means the remote participant. It returns how many messages changed.
func (s *Store) ApplyReadBulkUpdate(chatID, readerID string) int {
	if !s.IsOpen(chatID) {
		return 0
	}
	peer := s.conv.Peer(s.self)
	if readerID == "" {
		readerID = peer
	}
	if readerID == s.self || readerID != peer {
		return 0
	}
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if !m.AuthoredBy(s.self) || m.ServerID == "" || m.Status == models.StatusRead {
			continue
		}
		m.Status = m.Status.Advance(models.StatusRead)
		n++
	}
	return n
}

// SetTyping sets or clears the typing flag of a remote participant.
func (s *Store) SetTyping(chatID, userID string, active bool) bool {
	if !s.IsOpen(chatID) || userID == "" || userID == s.self {
		return false
	}
	if s.typing[userID] == active {
		return false
	}
	if active {
		s.typing[userID] = true
	} else {
		delete(s.typing, userID)
	}
	return true
}

// ClearTyping drops every typing flag, used when typing_stop may have been lost.
func (s *Store) ClearTyping() bool {
	if len(s.typing) == 0 {
		return false
	}
	s.typing = make(map[string]bool)
	return true
}

// UnreadFromPeer counts remote messages not yet marked read.
func (s *Store) UnreadFromPeer() int {
	if s.conv == nil {
		return 0
	}
	n := 0
	for _, m := range s.messages {
		if !m.AuthoredBy(s.self) && m.Status != models.StatusRead {
			n++
		}
	}
	return n
}

// UnreadPeerIDs returns the server ids of remote messages not yet marked read.
func (s *Store) UnreadPeerIDs() []string {
	if s.conv == nil {
		return nil
	}
	var ids []string
	for _, m := range s.messages {
		if !m.AuthoredBy(s.self) && m.Status != models.StatusRead && m.ServerID != "" {
			ids = append(ids, m.ServerID)
		}
	}
	return ids
}

// MarkPeerRead records locally that the listed remote messages were
// acknowledged. Remote messages outside serverIDs keep their status.
func (s *Store) MarkPeerRead(chatID string, serverIDs []string) int {
	if !s.IsOpen(chatID) || len(serverIDs) == 0 {
		return 0
	}
	acked := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		acked[id] = true
	}
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.AuthoredBy(s.self) || m.Status == models.StatusRead || !acked[m.ServerID] {
			continue
		}
		m.Status = models.StatusRead
		n++
	}
	return n
}

// Find looks a message up by local id.
func (s *Store) Find(localID string) (models.Message, bool) {
	i := s.indexLocal(localID)
	if i < 0 {
		return models.Message{}, false
	}
	return s.messages[i], true
}

// FindServer looks a message up by server id.
func (s *Store) FindServer(serverID string) (models.Message, bool) {
	i := s.indexServer(serverID)
	if i < 0 {
		return models.Message{}, false
	}
	return s.messages[i], true
}

func (s *Store) Len() int { return len(s.messages) }

func (s *Store) indexLocal(localID string) int {
	if localID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (s *Store) indexServer(serverID string) int {
	if serverID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ServerID == serverID {
			return i
		}
	}
	return -1
}

func normalize(chatID string, msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.IsDeleted || m.ServerID == "" || seen[m.ServerID] {
			continue
		}
		seen[m.ServerID] = true
		m.ChatID = chatID
		if m.LocalID == "" {
			m.LocalID = remotePrefix + m.ServerID
		}
		if m.Kind == "" {
			m.Kind = models.KindText
		}
		if !m.Status.Valid() || m.Status == "" || m.Status == models.StatusSending {
			m.Status = models.StatusSent
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func isRemoteID(localID string) bool {
	return len(localID) > len(remotePrefix) && localID[:len(remotePrefix)] == remotePrefix
}

func copyUnread(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
