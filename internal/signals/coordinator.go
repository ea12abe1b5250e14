// Package signals emits the ephemeral typing and read acknowledgements for
// the open conversation.
package signals

import (
	"context"
	"log/slog"
	"time"

	"github.com/pliu/opschat/internal/conversation"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/schedule"
)

const (
	KindTyping = "typing"
	KindRead   = "read"
)

// Emitter sends typing signals over the channel. Errors are not retried.
type Emitter interface {
	TypingStart(chatID, receiverID string) error
	TypingStop(chatID, receiverID string) error
}

// Marker issues the read-mark request.
type Marker interface {
	MarkRead(ctx context.Context, chatID, userID string) error
}

type Config struct {
	TypingQuiet time.Duration
	ReadDelay   time.Duration
}

// Coordinator lives on the session loop.
type Coordinator struct {
	ctx     context.Context
	emitter Emitter
	marker  Marker
	store   *conversation.Store
	sched   *schedule.Scheduler
	post    schedule.Poster
	cfg     Config
	changed func()
	logger  *slog.Logger

	typingChat string
	typingPeer string
	reading    map[string]bool
	// failed holds the unread count at the last failed read-mark, so the
	// request is only retried once more messages arrive.
	failed map[string]int
}

func New(ctx context.Context, emitter Emitter, marker Marker, store *conversation.Store, sched *schedule.Scheduler, post schedule.Poster, cfg Config, changed func(), logger *slog.Logger) *Coordinator {
	if cfg.TypingQuiet <= 0 {
		cfg.TypingQuiet = time.Second
	}
	if cfg.ReadDelay <= 0 {
		cfg.ReadDelay = time.Second
	}
	if changed == nil {
		changed = func() {}
	}
	return &Coordinator{
		ctx:     ctx,
		emitter: emitter,
		marker:  marker,
		store:   store,
		sched:   sched,
		post:    post,
		cfg:     cfg,
		changed: changed,
		logger:  obs.OrDiscard(logger),
		reading: make(map[string]bool),
		failed:  make(map[string]int),
	}
}

// Typing reports the conversation a typing_start was emitted for, if any.
func (c *Coordinator) Typing() string { return c.typingChat }

// Input records a compose change. The first change of a burst emits
// typing_start; each change pushes the typing_stop deadline back.
func (c *Coordinator) Input() {
	chatID := c.store.OpenID()
	if chatID == "" {
		return
	}
	if c.typingChat != chatID {
		c.FlushTyping()
		peer := c.store.Peer()
		if err := c.emitter.TypingStart(chatID, peer); err != nil {
			c.logger.Debug("typing start not sent", "conversation_id", chatID, "error", err)
		}
		c.typingChat, c.typingPeer = chatID, peer
	}
	c.sched.After(schedule.Key{Kind: KindTyping, Conversation: chatID}, c.cfg.TypingQuiet, c.FlushTyping)
}

// FlushTyping emits typing_stop now if a burst is open.
func (c *Coordinator) FlushTyping() {
	if c.typingChat == "" {
		return
	}
	chatID, peer := c.typingChat, c.typingPeer
	c.typingChat, c.typingPeer = "", ""
	c.sched.Cancel(schedule.Key{Kind: KindTyping, Conversation: chatID})
	if err := c.emitter.TypingStop(chatID, peer); err != nil {
		c.logger.Debug("typing stop not sent", "conversation_id", chatID, "error", err)
	}
}

// Evaluate arms the read-mark timer when the open conversation holds peer
// messages that are not read yet. It is a no-op while a request is in flight;
// the request re-runs it when it returns.
func (c *Coordinator) Evaluate() {
	chatID := c.store.OpenID()
	if chatID == "" || c.reading[chatID] {
		return
	}
	unread := c.store.UnreadFromPeer()
	if unread == 0 {
		delete(c.failed, chatID)
		return
	}
	if n, ok := c.failed[chatID]; ok && unread <= n {
		return
	}
	key := schedule.Key{Kind: KindRead, Conversation: chatID}
	if c.sched.Pending(key) {
		return
	}
	c.sched.After(key, c.cfg.ReadDelay, func() { c.markRead(chatID) })
}

func (c *Coordinator) markRead(chatID string) {
	if !c.store.IsOpen(chatID) || c.reading[chatID] {
		return
	}
	// Only the messages seen now are covered by this request; anything
	// arriving while it is in flight needs a request of its own.
	batch := c.store.UnreadPeerIDs()
	if len(batch) == 0 {
		return
	}
	c.reading[chatID] = true
	self := c.store.Self()
	go func() {
		err := c.marker.MarkRead(c.ctx, chatID, self)
		c.post(func() { c.marked(chatID, batch, err) })
	}()
}

func (c *Coordinator) marked(chatID string, batch []string, err error) {
	delete(c.reading, chatID)
	if err != nil {
		c.failed[chatID] = len(batch)
		c.logger.Debug("mark read failed", "conversation_id", chatID, "error", err)
		return
	}
	delete(c.failed, chatID)
	if c.store.MarkPeerRead(chatID, batch) > 0 {
		c.changed()
	}
	c.Evaluate()
}

// Close drops per-conversation state after typing has been flushed.
func (c *Coordinator) Close(chatID string) {
	if c.typingChat == chatID {
		c.FlushTyping()
	}
	c.sched.Cancel(schedule.Key{Kind: KindRead, Conversation: chatID})
	delete(c.failed, chatID)
}
