package session

import (
	"context"

	"github.com/pliu/opschat/internal/channel"
	"github.com/pliu/opschat/internal/conversation"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/outbound"
)

// View is a point-in-time copy of everything a renderer needs.
type View struct {
	UserID       string
	State        channel.State
	Conversation conversation.Snapshot
	Peer         models.User
	Draft        string
	Staged       *outbound.Staged
	Sending      bool
	Users        []models.User
}

func (s *Session) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := s.on(ctx, func(rt *runtime) { v = view(rt) })
	return v, err
}

func view(rt *runtime) View {
	v := View{
		UserID:       rt.userID,
		State:        rt.state,
		Conversation: rt.store.Snapshot(),
		Draft:        rt.pipeline.Draft(),
		Sending:      rt.pipeline.InFlight(),
		Users:        rt.presence.Users(),
	}
	if peer := rt.store.Peer(); peer != "" {
		if u, ok := rt.presence.Get(peer); ok {
			v.Peer = u
		} else {
			v.Peer = models.User{ID: peer}
		}
	}
	if st, ok := rt.pipeline.Staged(); ok {
		v.Staged = &st
	}
	return v
}
