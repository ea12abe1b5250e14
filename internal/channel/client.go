package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/pliu/opschat/internal/obs"
)

var (
	ErrNotConnected     = errors.New("channel: not connected")
	ErrAlreadyConnected = errors.New("channel: already connected")
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	}
	return "idle"
}

// Config defines websocket client settings.
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Dialer            *websocket.Dialer
}

// Handler receives events on the client's read goroutine. It must not block
// and must not call Disconnect.
type Handler func(Event)

// Client owns at most one websocket connection for one user at a time.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	userID string
	cancel context.CancelFunc
	done   chan struct{}

	writeMu   sync.Mutex
	state     atomic.Int32
	malformed atomic.Int64
}

func New(cfg Config, handler Handler, logger *slog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if handler == nil {
		handler = func(Event) {}
	}
	return &Client{cfg: cfg, handler: handler, logger: obs.OrDiscard(logger)}
}

func (c *Client) State() State { return State(c.state.Load()) }

// Malformed returns how many server frames failed validation and were dropped.
func (c *Client) Malformed() int64 { return c.malformed.Load() }

// Connect starts maintaining a connection scoped to userID. It returns
// immediately; progress is reported through Connected, Disconnected and
// Degraded events.
func (c *Client) Connect(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("channel: user id required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.userID = userID
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.Store(int32(StateConnecting))
	go c.run(runCtx, userID, c.done)
	return nil
}

// Disconnect tears the connection down and returns once no further event can
// be delivered to the handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done, c.conn = nil, nil, nil
	c.userID = ""
	if cancel != nil {
		// Canceled under the lock so run cannot publish a fresh conn afterwards.
		cancel()
	}
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	<-done
	c.state.Store(int32(StateIdle))
}

func (c *Client) run(ctx context.Context, userID string, done chan struct{}) {
	defer close(done)
	first := true
	for {
		conn, attempts, err := c.dialWithRetry(ctx, userID)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			c.state.Store(int32(StateDegraded))
			c.logger.Warn("channel degraded", "user_id", userID, "attempts", attempts, "error", err)
			c.deliver(ctx, Degraded{Err: err, Attempts: attempts})
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.state.Store(int32(StateConnected))
		c.logger.Info("channel connected", "user_id", userID, "reconnect", !first)
		c.deliver(ctx, Connected{UserID: userID, Reconnect: !first})
		first = false

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.state.Store(int32(StateConnecting))
		c.logger.Warn("channel disconnected", "user_id", userID, "error", err)
		c.deliver(ctx, Disconnected{Err: err})
	}
}

// dialWithRetry makes one immediate attempt plus up to ReconnectAttempts
// retries spaced by ReconnectDelay. Every successful dial is followed by
// join_user before it counts as connected.
func (c *Client) dialWithRetry(ctx context.Context, userID string) (*websocket.Conn, int, error) {
	var conn *websocket.Conn
	attempts := 0
	op := func() error {
		attempts++
		cn, err := c.dial(ctx, userID)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), uint64(c.cfg.ReconnectAttempts)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("channel dial failed", "user_id", userID, "attempt", attempts, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, attempts, err
	}
	return conn, attempts, nil
}

func (c *Client) dial(ctx context.Context, userID string) (*websocket.Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("channel: invalid url: %w", err))
	}
	q := target.Query()
	q.Set("userId", userID)
	target.RawQuery = q.Encode()

	conn, _, err := c.cfg.Dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, err
	}
	frame, err := EncodeFrame(WireJoinUser, JoinPayload{UserID: userID})
	if err != nil {
		conn.Close()
		return nil, backoff.Permanent(err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		ev, err := Decode(raw)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				c.malformed.Add(1)
			}
			c.logger.Debug("channel frame dropped", "error", err)
			continue
		}
		c.deliver(ctx, ev)
	}
}

func (c *Client) deliver(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	c.handler(ev)
}

// TypingStart tells receiverID that the local user is typing in chatID.
func (c *Client) TypingStart(chatID, receiverID string) error {
	return c.emitAs(WireTypingStart, func(userID string) any {
		return TypingPayload{ChatID: chatID, UserID: userID, ReceiverID: receiverID}
	})
}

func (c *Client) TypingStop(chatID, receiverID string) error {
	return c.emitAs(WireTypingStop, func(userID string) any {
		return TypingPayload{ChatID: chatID, UserID: userID, ReceiverID: receiverID}
	})
}

// Heartbeat refreshes the local user's last-seen on the server.
func (c *Client) Heartbeat() error {
	return c.emitAs(WireHeartbeat, func(userID string) any {
		return HeartbeatPayload{UserID: userID}
	})
}

func (c *Client) emitAs(event string, build func(userID string) any) error {
	c.mu.Lock()
	conn, userID := c.conn, c.userID
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := EncodeFrame(event, build(userID))
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("channel: emit %s: %w", event, err)
	}
	return nil
}
