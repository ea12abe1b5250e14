// Package outbound turns composed text and staged files into persisted
// messages, showing them optimistically while the request is in flight.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/pliu/opschat/internal/api"
	"github.com/pliu/opschat/internal/conversation"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/schedule"
)

var (
	ErrEmptyMessage     = errors.New("outbound: nothing to send")
	ErrFileTooLarge     = errors.New("outbound: file too large")
	ErrSendInFlight     = errors.New("outbound: a send is already in flight")
	ErrNoConversation   = errors.New("outbound: no conversation open")
	ErrUploadInProgress = errors.New("outbound: attachment still uploading")
	ErrNotDeletable     = errors.New("outbound: message cannot be deleted")
)

// KindDelivered is the schedule kind of the cosmetic sent to delivered step.
const KindDelivered = "delivered"

// Backend is the part of the request/response API the pipeline needs.
type Backend interface {
	SendMessage(ctx context.Context, chatID string, msg api.NewMessage) (models.Message, error)
	Upload(ctx context.Context, fileName string, content io.Reader) (models.Attachment, error)
	DeleteMessage(ctx context.Context, chatID, messageID, userID string) error
}

// SendError reports a persist failure after the optimistic copy was removed.
type SendError struct {
	ChatID  string
	LocalID string
	Err     error
}

func (e *SendError) Error() string { return fmt.Sprintf("send failed: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// UploadError reports a failed attachment upload.
type UploadError struct {
	FileName string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed: %v", e.FileName, e.Err)
}
func (e *UploadError) Unwrap() error { return e.Err }

type Config struct {
	MaxUploadBytes int64
	DeliveredDelay time.Duration
}

// Staged is the attachment waiting for the next send.
type Staged struct {
	FileName   string
	Size       int64
	Attachment *models.Attachment
	seq        uint64
}

// Ready reports whether the upload finished.
func (s Staged) Ready() bool { return s.Attachment != nil }

// Hooks are invoked on the loop.
type Hooks struct {
	Changed func()
	Failed  func(error)
}

// Pipeline must only be used from the session loop, apart from InFlight.
type Pipeline struct {
	ctx     context.Context
	backend Backend
	store   *conversation.Store
	sched   *schedule.Scheduler
	post    schedule.Poster
	hooks   Hooks
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	draft     string
	staged    *Staged
	uploadSeq uint64
	inFlight  atomic.Bool
}

func New(ctx context.Context, backend Backend, store *conversation.Store, sched *schedule.Scheduler, post schedule.Poster, cfg Config, hooks Hooks, logger *slog.Logger) *Pipeline {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 * 1024 * 1024
	}
	if cfg.DeliveredDelay <= 0 {
		cfg.DeliveredDelay = time.Second
	}
	if hooks.Changed == nil {
		hooks.Changed = func() {}
	}
	if hooks.Failed == nil {
		hooks.Failed = func(error) {}
	}
	return &Pipeline{
		ctx:     ctx,
		backend: backend,
		store:   store,
		sched:   sched,
		post:    post,
		hooks:   hooks,
		cfg:     cfg,
		logger:  obs.OrDiscard(logger),
		now:     time.Now,
	}
}

func (p *Pipeline) SetDraft(text string) { p.draft = text }
func (p *Pipeline) Draft() string        { return p.draft }

// InFlight reports whether a persist request is outstanding.
func (p *Pipeline) InFlight() bool { return p.inFlight.Load() }

// Staged returns the current attachment, if any.
func (p *Pipeline) Staged() (Staged, bool) {
	if p.staged == nil {
		return Staged{}, false
	}
	return *p.staged, true
}

// Unstage drops the staged attachment. A running upload finishes unobserved.
func (p *Pipeline) Unstage() {
	p.staged = nil
}

// Reset clears compose state, used when the conversation changes.
func (p *Pipeline) Reset() {
	p.draft = ""
	p.staged = nil
}

// Stage checks the size and starts uploading content right away. If content
// is an io.Closer it is closed once the upload returns. size is only what the
// caller claims; content that turns out longer than the limit fails the
// upload with ErrFileTooLarge before the request is sent.
func (p *Pipeline) Stage(fileName string, size int64, content io.Reader) error {
	if size > p.cfg.MaxUploadBytes {
		closeReader(content)
		return fmt.Errorf("%w: %s is %s, limit is %s", ErrFileTooLarge, fileName,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(p.cfg.MaxUploadBytes)))
	}
	p.uploadSeq++
	seq := p.uploadSeq
	p.staged = &Staged{FileName: fileName, Size: size, seq: seq}
	p.hooks.Changed()

	go func() {
		defer closeReader(content)
		capped := &cappedReader{r: content, max: p.cfg.MaxUploadBytes}
		att, err := p.backend.Upload(p.ctx, fileName, capped)
		if capped.over {
			err = fmt.Errorf("%w: %s exceeds %s", ErrFileTooLarge, fileName, humanize.IBytes(uint64(p.cfg.MaxUploadBytes)))
		}
		p.post(func() { p.uploaded(seq, fileName, att, err) })
	}()
	return nil
}

func (p *Pipeline) uploaded(seq uint64, fileName string, att models.Attachment, err error) {
	if p.staged == nil || p.staged.seq != seq {
		p.logger.Debug("discarding stale upload", "file", fileName)
		return
	}
	if err != nil {
		p.staged = nil
		p.logger.Warn("upload failed", "file", fileName, "error", err)
		p.hooks.Failed(&UploadError{FileName: fileName, Err: err})
		p.hooks.Changed()
		return
	}
	if att.FileName == "" {
		att.FileName = fileName
	}
	p.staged.Attachment = &att
	p.hooks.Changed()
}

// Send appends an optimistic copy of the draft and persists it in the
// background. It returns the local id of the new message.
func (p *Pipeline) Send() (string, error) {
	chatID := p.store.OpenID()
	if chatID == "" {
		return "", ErrNoConversation
	}
	content := strings.TrimSpace(p.draft)
	var att *models.Attachment
	if p.staged != nil {
		if !p.staged.Ready() {
			return "", ErrUploadInProgress
		}
		cp := *p.staged.Attachment
		att = &cp
	}
	if content == "" && att == nil {
		return "", ErrEmptyMessage
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return "", ErrSendInFlight
	}

	id, err := uuid.NewV7()
	if err != nil {
		p.inFlight.Store(false)
		return "", fmt.Errorf("outbound: local id: %w", err)
	}
	localID := id.String()
	self := p.store.Self()
	msg := models.Message{
		LocalID:    localID,
		ChatID:     chatID,
		Sender:     models.Sender{ID: self},
		Content:    content,
		Kind:       models.KindText,
		Attachment: att,
		Status:     models.StatusSending,
		CreatedAt:  p.now(),
	}
	if att != nil {
		msg.Kind = models.KindFile
	}
	if err := p.store.AppendLocal(chatID, msg); err != nil {
		p.inFlight.Store(false)
		return "", err
	}
	p.draft = ""
	p.staged = nil
	p.hooks.Changed()

	req := api.NewMessage{SenderID: self, Content: content, Kind: msg.Kind, Attachment: att}
	go func() {
		saved, err := p.backend.SendMessage(p.ctx, chatID, req)
		if !p.post(func() { p.persisted(chatID, localID, saved, err) }) {
			p.inFlight.Store(false)
		}
	}()
	return localID, nil
}

func (p *Pipeline) persisted(chatID, localID string, saved models.Message, err error) {
	p.inFlight.Store(false)
	if err != nil {
		p.store.RemoveLocal(chatID, localID)
		p.logger.Warn("send failed", "conversation_id", chatID, "local_id", localID, "error", err)
		p.hooks.Failed(&SendError{ChatID: chatID, LocalID: localID, Err: err})
		p.hooks.Changed()
		return
	}
	if !p.store.Confirm(chatID, localID, saved) {
		p.logger.Debug("send confirmed outside open conversation", "conversation_id", chatID, "message_id", saved.ServerID)
		return
	}
	p.hooks.Changed()
	p.sched.After(schedule.Key{Kind: KindDelivered, Conversation: chatID, ID: localID}, p.cfg.DeliveredDelay, func() {
		if p.store.Advance(chatID, localID, models.StatusDelivered) {
			p.hooks.Changed()
		}
	})
}

// Delete removes one of the local user's persisted messages.
func (p *Pipeline) Delete(serverID string) error {
	chatID := p.store.OpenID()
	if chatID == "" {
		return ErrNoConversation
	}
	self := p.store.Self()
	m, ok := p.store.FindServer(serverID)
	if !ok || !m.AuthoredBy(self) {
		return ErrNotDeletable
	}
	go func() {
		err := p.backend.DeleteMessage(p.ctx, chatID, serverID, self)
		p.post(func() {
			if err != nil {
				p.logger.Warn("delete failed", "conversation_id", chatID, "message_id", serverID, "error", err)
				p.hooks.Failed(fmt.Errorf("delete message: %w", err))
				return
			}
			if p.store.ApplyDeletion(chatID, serverID) {
				p.hooks.Changed()
			}
		})
	}()
	return nil
}

// cappedReader fails once more than max bytes have been read.
type cappedReader struct {
	r    io.Reader
	max  int64
	n    int64
	over bool
}

func (c *cappedReader) Read(b []byte) (int, error) {
	if c.over {
		return 0, ErrFileTooLarge
	}
	if rest := c.max + 1 - c.n; int64(len(b)) > rest {
		b = b[:rest]
	}
	n, err := c.r.Read(b)
	c.n += int64(n)
	if c.n > c.max {
		c.over = true
		return n, ErrFileTooLarge
	}
	return n, err
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}
