// Package session wires the engine together for one user identity at a time.
//
// Every piece of engine state lives on a single loop goroutine. Public
// methods hand their work to that loop and wait for it; network calls run on
// their own goroutines and post results back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pliu/opschat/internal/api"
	"github.com/pliu/opschat/internal/channel"
	"github.com/pliu/opschat/internal/config"
	"github.com/pliu/opschat/internal/conversation"
	"github.com/pliu/opschat/internal/loop"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/outbound"
	"github.com/pliu/opschat/internal/presence"
	"github.com/pliu/opschat/internal/schedule"
	"github.com/pliu/opschat/internal/signals"
)

var (
	ErrNotStarted     = errors.New("session: not started")
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotParticipant = errors.New("session: not a participant of this conversation")
	ErrSuperseded     = errors.New("session: superseded by a newer open")
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is user-facing feedback.
type Notice struct {
	Level Level
	Text  string
	Err   error
	At    time.Time
}

type Session struct {
	cfg    config.Client
	base   *api.Client
	logger *slog.Logger

	notices  chan Notice
	onChange atomic.Value // func()

	mu  sync.Mutex
	run *runtime
}

// runtime holds everything scoped to one identity.
type runtime struct {
	userID   string
	ctx      context.Context
	cancel   context.CancelFunc
	loop     *loop.Loop
	sched    *schedule.Scheduler
	api      *api.Client
	channel  *channel.Client
	store    *conversation.Store
	presence *presence.Tracker
	pipeline *outbound.Pipeline
	signals  *signals.Coordinator
	wg       sync.WaitGroup

	opens atomic.Uint64
	state channel.State
}

func New(cfg config.Client, logger *slog.Logger) (*Session, error) {
	logger = obs.OrDiscard(logger)
	base, err := api.NewClient(api.Config{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout}, logger.With("component", "api"))
	if err != nil {
		return nil, err
	}
	if cfg.ChannelURL == "" {
		if cfg.ChannelURL, err = config.ChannelURLFromAPI(cfg.APIURL); err != nil {
			return nil, err
		}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Session{
		cfg:     cfg,
		base:    base,
		logger:  logger,
		notices: make(chan Notice, 64),
	}, nil
}

// Notices streams user feedback. Notices are dropped when nobody reads them.
func (s *Session) Notices() <-chan Notice { return s.notices }

// OnChange registers fn to run on the loop after every visible state change.
// fn must not call back into the Session.
func (s *Session) OnChange(fn func()) { s.onChange.Store(fn) }

// UserID returns the active identity, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return ""
	}
	return s.run.userID
}

// Start seeds the directory and connects the channel for userID.
func (s *Session) Start(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("session: user id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		userID: userID,
		ctx:    runCtx,
		cancel: cancel,
		loop:   loop.New(0),
		api:    s.base.WithUser(userID),
		store:  conversation.New(userID),
		state:  channel.StateConnecting,
	}
	rt.sched = schedule.New(rt.loop.Post)
	rt.presence = presence.NewTracker(s.logger)
	rt.channel = channel.New(channel.Config{
		URL:               s.cfg.ChannelURL,
		ReconnectAttempts: s.cfg.ReconnectAttempts,
		ReconnectDelay:    s.cfg.ReconnectDelay,
	}, func(ev channel.Event) {
		rt.loop.Post(func() { s.handle(rt, ev) })
	}, s.logger.With("component", "channel"))
	rt.pipeline = outbound.New(runCtx, rt.api, rt.store, rt.sched, rt.loop.Post, outbound.Config{
		MaxUploadBytes: s.cfg.MaxUploadBytes,
		DeliveredDelay: s.cfg.DeliveredDelay,
	}, outbound.Hooks{
		Changed: s.changed,
		Failed:  func(err error) { s.notify(LevelError, describe(err), err) },
	}, s.logger.With("component", "outbound"))
	rt.signals = signals.New(runCtx, rt.channel, rt.api, rt.store, rt.sched, rt.loop.Post, signals.Config{
		TypingQuiet: s.cfg.TypingQuiet,
		ReadDelay:   s.cfg.ReadDelay,
	}, s.changed, s.logger.With("component", "signals"))

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.loop.Run(runCtx)
	}()

	users, err := rt.api.ListUsers(ctx)
	if err != nil {
		s.notify(LevelWarn, "user directory unavailable", err)
	} else {
		rt.loop.Post(func() {
			rt.presence.Seed(users)
			s.changed()
		})
	}

	if err := rt.channel.Connect(runCtx, userID); err != nil {
		s.teardown(rt)
		return fmt.Errorf("session: connect: %w", err)
	}
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		presence.RunHeartbeat(runCtx, rt.channel, s.cfg.HeartbeatInterval, s.logger)
	}()

	s.run = rt
	s.logger.Info("session started", "user_id", userID)
	return nil
}

// Stop disconnects and discards all state of the active identity.
func (s *Session) Stop() {
	s.mu.Lock()
	rt := s.run
	s.run = nil
	s.mu.Unlock()
	if rt == nil {
		return
	}
	s.teardown(rt)
	s.logger.Info("session stopped", "user_id", rt.userID)
}

func (s *Session) teardown(rt *runtime) {
	rt.loop.Do(context.Background(), func() {
		if chatID := rt.store.OpenID(); chatID != "" {
			rt.signals.Close(chatID)
		}
	})
	rt.channel.Disconnect()
	rt.sched.Stop()
	rt.cancel()
	rt.loop.Stop()
	rt.wg.Wait()
}

// SwitchUser tears the current identity down before starting the next one.
func (s *Session) SwitchUser(ctx context.Context, userID string) error {
	s.Stop()
	return s.Start(ctx, userID)
}

func (s *Session) current() (*runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil, ErrNotStarted
	}
	return s.run, nil
}

// on runs fn on the loop of the active identity.
func (s *Session) on(ctx context.Context, fn func(rt *runtime)) error {
	rt, err := s.current()
	if err != nil {
		return err
	}
	if err := rt.loop.Do(ctx, func() { fn(rt) }); err != nil {
		if errors.Is(err, loop.ErrStopped) {
			return ErrNotStarted
		}
		return err
	}
	return nil
}

// OpenConversation fetches a conversation and its history, then makes it the
// open one. On failure nothing is open.
func (s *Session) OpenConversation(ctx context.Context, chatID string) error {
	rt, err := s.current()
	if err != nil {
		return err
	}
	seq := rt.opens.Add(1)
	conv, msgs, err := bootstrap(ctx, rt.api, chatID)
	if err == nil && !conv.Has(rt.userID) {
		err = ErrNotParticipant
	}

	var applyErr error
	doErr := rt.loop.Do(ctx, func() {
		if rt.opens.Load() != seq {
			applyErr = ErrSuperseded
			return
		}
		s.closeOpen(rt)
		if err != nil {
			return
		}
		rt.store.Load(conv, msgs)
		rt.signals.Evaluate()
		s.changed()
	})
	if doErr != nil {
		return doErr
	}
	if applyErr != nil {
		return applyErr
	}
	if err != nil {
		s.notify(LevelError, "could not open conversation", err)
		return fmt.Errorf("session: open %s: %w", chatID, err)
	}
	return nil
}

// OpenWith opens, creating if needed, the conversation with peerID.
func (s *Session) OpenWith(ctx context.Context, peerID string) error {
	rt, err := s.current()
	if err != nil {
		return err
	}
	conv, err := rt.api.OpenConversation(ctx, rt.userID, peerID)
	if err != nil {
		s.notify(LevelError, "could not open conversation", err)
		return fmt.Errorf("session: open with %s: %w", peerID, err)
	}
	return s.OpenConversation(ctx, conv.ID)
}

func (s *Session) CloseConversation(ctx context.Context) error {
	return s.on(ctx, func(rt *runtime) {
		rt.opens.Add(1)
		s.closeOpen(rt)
		s.changed()
	})
}

func (s *Session) closeOpen(rt *runtime) {
	chatID := rt.store.OpenID()
	if chatID == "" {
		return
	}
	rt.signals.Close(chatID)
	rt.sched.CancelConversation(chatID)
	rt.pipeline.Reset()
	rt.store.Reset()
}

// SetDraft replaces the compose text and drives the typing signal.
func (s *Session) SetDraft(ctx context.Context, text string) error {
	return s.on(ctx, func(rt *runtime) {
		rt.pipeline.SetDraft(text)
		if strings.TrimSpace(text) == "" {
			rt.signals.FlushTyping()
		} else {
			rt.signals.Input()
		}
	})
}

// Stage starts uploading the file at path as the next attachment.
func (s *Session) Stage(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("session: stage: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("session: stage: %s is a directory", path)
	}
	var stageErr error
	err = s.on(ctx, func(rt *runtime) {
		if info.Size() > s.maxUpload() {
			// rejected before the file is even opened
			stageErr = rt.pipeline.Stage(filepath.Base(path), info.Size(), nil)
			return
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			stageErr = fmt.Errorf("session: stage: %w", openErr)
			return
		}
		stageErr = rt.pipeline.Stage(filepath.Base(path), info.Size(), f)
	})
	if err != nil {
		return err
	}
	if stageErr != nil {
		s.notify(LevelError, describe(stageErr), stageErr)
	}
	return stageErr
}

// Unstage drops the staged attachment.
func (s *Session) Unstage(ctx context.Context) error {
	return s.on(ctx, func(rt *runtime) {
		rt.pipeline.Unstage()
		s.changed()
	})
}

// Send sends the draft and any staged attachment. It returns the local id.
func (s *Session) Send(ctx context.Context) (string, error) {
	var localID string
	var sendErr error
	err := s.on(ctx, func(rt *runtime) {
		localID, sendErr = rt.pipeline.Send()
		if sendErr == nil {
			rt.signals.FlushTyping()
		}
	})
	if err != nil {
		return "", err
	}
	if sendErr != nil {
		s.notify(LevelWarn, describe(sendErr), sendErr)
	}
	return localID, sendErr
}

// SendText is SetDraft followed by Send.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	if err := s.on(ctx, func(rt *runtime) { rt.pipeline.SetDraft(text) }); err != nil {
		return "", err
	}
	return s.Send(ctx)
}

// Delete removes one of the local user's messages by server id.
func (s *Session) Delete(ctx context.Context, serverID string) error {
	var delErr error
	if err := s.on(ctx, func(rt *runtime) { delErr = rt.pipeline.Delete(serverID) }); err != nil {
		return err
	}
	return delErr
}

// Conversations lists the conversations the local user takes part in.
func (s *Session) Conversations(ctx context.Context) ([]models.Conversation, error) {
	rt, err := s.current()
	if err != nil {
		return nil, err
	}
	return rt.api.ListConversations(ctx, rt.userID)
}

// Presence returns the last known presence of userID.
func (s *Session) Presence(ctx context.Context, userID string) (models.User, bool, error) {
	var u models.User
	var ok bool
	err := s.on(ctx, func(rt *runtime) { u, ok = rt.presence.Get(userID) })
	return u, ok, err
}

// Malformed reports how many channel frames were dropped as invalid.
func (s *Session) Malformed() int64 {
	rt, err := s.current()
	if err != nil {
		return 0
	}
	return rt.channel.Malformed()
}

func (s *Session) maxUpload() int64 {
	if s.cfg.MaxUploadBytes > 0 {
		return s.cfg.MaxUploadBytes
	}
	return config.DefaultMaxUpload
}

func (s *Session) changed() {
	if fn, ok := s.onChange.Load().(func()); ok && fn != nil {
		fn()
	}
}

func (s *Session) notify(level Level, text string, err error) {
	n := Notice{Level: level, Text: text, Err: err, At: time.Now()}
	select {
	case s.notices <- n:
	default:
		s.logger.Debug("notice dropped", "text", text)
	}
}

func bootstrap(ctx context.Context, client *api.Client, chatID string) (models.Conversation, []models.Message, error) {
	conv, err := client.GetConversation(ctx, chatID)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	msgs, err := client.ListMessages(ctx, chatID)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	return conv, msgs, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, outbound.ErrEmptyMessage):
		return "nothing to send"
	case errors.Is(err, outbound.ErrFileTooLarge):
		return "file too large"
	case errors.Is(err, outbound.ErrSendInFlight):
		return "previous message still sending"
	case errors.Is(err, outbound.ErrNoConversation):
		return "no conversation open"
	case errors.Is(err, outbound.ErrUploadInProgress):
		return "attachment still uploading"
	}
	var sendErr *outbound.SendError
	if errors.As(err, &sendErr) {
		return "message not sent"
	}
	var upErr *outbound.UploadError
	if errors.As(err, &upErr) {
		return "upload failed: " + upErr.FileName
	}
	return err.Error()
}
