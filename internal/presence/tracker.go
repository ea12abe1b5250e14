// Package presence keeps online/last-seen state for users of the directory.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/pliu/opschat/internal/channel"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
)

// Tracker is not safe for concurrent use; it lives on the session loop.
type Tracker struct {
	users  map[string]*models.User
	logger *slog.Logger
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{users: make(map[string]*models.User), logger: obs.OrDiscard(logger)}
}

// Seed records directory entries. Existing records keep their presence
// unless the directory reports a later last-seen.
func (t *Tracker) Seed(users []models.User) {
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		cur, ok := t.users[u.ID]
		if !ok {
			cp := u
			t.users[u.ID] = &cp
			continue
		}
		cur.Name, cur.Avatar, cur.Role = u.Name, u.Avatar, u.Role
		if u.LastSeen.After(cur.LastSeen) {
			cur.IsOnline = u.IsOnline
			cur.LastSeen = u.LastSeen
		}
	}
}

// Apply updates the matching user. Events for users outside the directory are
// ignored and reported as false.
func (t *Tracker) Apply(ev channel.PresenceChanged) bool {
	u, ok := t.users[ev.UserID]
	if !ok {
		t.logger.Debug("presence for unknown user ignored", "user_id", ev.UserID)
		return false
	}
	u.IsOnline = ev.IsOnline
	if ev.LastSeen.After(u.LastSeen) {
		u.LastSeen = ev.LastSeen
	}
	return true
}

func (t *Tracker) Get(userID string) (models.User, bool) {
	u, ok := t.users[userID]
	if !ok {
		return models.User{}, false
	}
	return *u, true
}

// Users returns a copy of the directory ordered by name.
func (t *Tracker) Users() []models.User {
	out := make([]models.User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Heartbeater is satisfied by *channel.Client.
type Heartbeater interface {
	Heartbeat() error
}

// RunHeartbeat emits a liveness signal every interval until ctx is done.
// Failures are not critical and only logged at debug level.
func RunHeartbeat(ctx context.Context, hb Heartbeater, interval time.Duration, logger *slog.Logger) {
	logger = obs.OrDiscard(logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hb.Heartbeat(); err != nil {
				logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}
