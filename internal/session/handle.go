package session

import (
	"github.com/pliu/opschat/internal/channel"
)

// handle applies one channel event. It runs on the loop.
func (s *Session) handle(rt *runtime, ev channel.Event) {
	switch e := ev.(type) {
	case channel.Connected:
		rt.state = channel.StateConnected
		if e.Reconnect {
			s.notify(LevelInfo, "reconnected", nil)
			s.resync(rt)
		}
	case channel.Disconnected:
		rt.state = channel.StateConnecting
		// a typing_stop sent while we were away is never replayed
		rt.store.ClearTyping()
		s.notify(LevelWarn, "connection lost, reconnecting", e.Err)
	case channel.Degraded:
		rt.state = channel.StateDegraded
		rt.store.ClearTyping()
		s.notify(LevelError, "live updates unavailable", e.Err)
	case channel.MessageNew:
		if !rt.store.ApplyRemoteMessage(e.ChatID, e.Message) {
			if !rt.store.IsOpen(e.ChatID) && !e.Message.AuthoredBy(rt.userID) {
				s.notify(LevelInfo, "new message from "+s.displayName(rt, e.Message.SenderID()), nil)
			}
			return
		}
		rt.signals.Evaluate()
	case channel.MessageDeleted:
		if !rt.store.ApplyDeletion(e.ChatID, e.MessageID) {
			return
		}
	case channel.Typing:
		if !rt.store.SetTyping(e.ChatID, e.UserID, e.Active) {
			return
		}
	case channel.PresenceChanged:
		if !rt.presence.Apply(e) {
			return
		}
	case channel.ReadBulkUpdate:
		if rt.store.ApplyReadBulkUpdate(e.ChatID, e.ReaderID) == 0 {
			return
		}
	default:
		return
	}
	s.changed()
}

// resync refetches what may have been missed while the channel was down.
// Pending optimistic messages survive the refresh.
func (s *Session) resync(rt *runtime) {
	chatID := rt.store.OpenID()
	seq := rt.opens.Load()
	go func() {
		users, err := rt.api.ListUsers(rt.ctx)
		if err == nil {
			rt.loop.Post(func() {
				rt.presence.Seed(users)
				s.changed()
			})
		}
		if chatID == "" {
			return
		}
		conv, msgs, err := bootstrap(rt.ctx, rt.api, chatID)
		if err != nil {
			s.logger.Warn("resync failed", "conversation_id", chatID, "error", err)
			return
		}
		rt.loop.Post(func() {
			if rt.opens.Load() != seq || !rt.store.Refresh(conv, msgs) {
				return
			}
			rt.signals.Evaluate()
			s.changed()
		})
	}()
}

func (s *Session) displayName(rt *runtime, userID string) string {
	if u, ok := rt.presence.Get(userID); ok && u.Name != "" {
		return u.Name
	}
	return userID
}
