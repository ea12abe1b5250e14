package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/pliu/opschat/internal/channel"
	"github.com/pliu/opschat/internal/metrics"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/store"
)

// inbound is a frame received from a client.
type inbound struct {
	client *Client
	frame  channel.Frame
}

// notification is a frame addressed to every connection of one user.
type notification struct {
	userID string
	frame  []byte
}

type Hub struct {
	// Connections by identified user. A connection joins once it sends join_user.
	users map[string]map[*Client]bool

	// Connections that have not identified yet.
	pending map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	notify     chan notification

	// done is closed when Run returns.
	done chan struct{}

	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewHub(store store.Store, logger *slog.Logger) *Hub {
	return &Hub{
		users:      make(map[string]map[*Client]bool),
		pending:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		notify:     make(chan notification, 256),
		done:       make(chan struct{}),
		store:      store,
		logger:     obs.OrDiscard(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.pending {
				h.drop(c)
			}
			for _, conns := range h.users {
				for c := range conns {
					h.drop(c)
				}
			}
			return
		case client := <-h.register:
			h.pending[client] = true
			metrics.Connections.Inc()
		case client := <-h.unregister:
			h.remove(client)
		case in := <-h.inbound:
			h.route(in.client, in.frame)
		case n := <-h.notify:
			for c := range h.users[n.userID] {
				h.deliver(c, n.frame)
			}
		}
	}
}

// SendNotification queues a frame for every connection of userID.
func (h *Hub) SendNotification(userID, event string, payload any) {
	frame, err := channel.EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode notification", "event", event, "error", err)
		return
	}
	metrics.Frames.WithLabelValues("out", event).Inc()
	select {
	case h.notify <- notification{userID: userID, frame: frame}:
	case <-h.done:
	}
}

func (h *Hub) route(c *Client, frame channel.Frame) {
	metrics.Frames.WithLabelValues("in", frame.Event).Inc()
	switch frame.Event {
	case channel.WireJoinUser:
		var p channel.JoinPayload
		if err := decode(frame, &p); err != nil || p.UserID == "" {
			h.logger.Debug("bad join", "error", err)
			return
		}
		h.join(c, p.UserID)

	case channel.WireHeartbeat:
		if c.userID == "" {
			return
		}
		h.setPresence(c.userID, true)

	case channel.WireTypingStart, channel.WireTypingStop:
		var p channel.TypingPayload
		if err := decode(frame, &p); err != nil || c.userID == "" || p.ChatID == "" || p.ReceiverID == "" {
			return
		}
		ok, err := h.store.IsParticipant(p.ChatID, c.userID)
		if err != nil || !ok {
			return
		}
		p.UserID = c.userID
		out, err := channel.EncodeFrame(frame.Event, p)
		if err != nil {
			return
		}
		for rc := range h.users[p.ReceiverID] {
			h.deliver(rc, out)
		}

	default:
		h.logger.Debug("ignoring client frame", "event", frame.Event)
	}
}

func (h *Hub) join(c *Client, userID string) {
	if c.userID == userID {
		return
	}
	if c.userID != "" {
		h.leave(c)
	}
	delete(h.pending, c)
	c.userID = userID
	conns, ok := h.users[userID]
	if !ok {
		conns = make(map[*Client]bool)
		h.users[userID] = conns
	}
	conns[c] = true
	if !ok {
		metrics.OnlineUsers.Inc()
		h.setPresence(userID, true)
	}
}

// leave detaches c from its user. The last connection marks the user offline.
func (h *Hub) leave(c *Client) {
	conns := h.users[c.userID]
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.users, c.userID)
		metrics.OnlineUsers.Dec()
		h.setPresence(c.userID, false)
	}
}

func (h *Hub) remove(c *Client) {
	if h.pending[c] {
		delete(h.pending, c)
		h.drop(c)
		return
	}
	if conns, ok := h.users[c.userID]; ok && conns[c] {
		h.leave(c)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	metrics.Connections.Dec()
}

func (h *Hub) deliver(c *Client, frame []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("dropping slow connection", "user_id", c.userID)
		if c.userID != "" {
			h.leave(c)
		} else {
			delete(h.pending, c)
		}
		h.drop(c)
	}
}

// setPresence persists the flag and tells every identified connection.
func (h *Hub) setPresence(userID string, online bool) {
	seen := h.now()
	if err := h.store.SetPresence(userID, online, seen); err != nil {
		h.logger.Debug("presence not stored", "user_id", userID, "error", err)
		return
	}
	out, err := channel.EncodeFrame(channel.WireStatusChanged, channel.StatusChangedPayload{UserID: userID, IsOnline: &online, LastSeen: seen})
	if err != nil {
		return
	}
	metrics.Frames.WithLabelValues("out", channel.WireStatusChanged).Inc()
	for _, conns := range h.users {
		for c := range conns {
			h.deliver(c, out)
		}
	}
}
