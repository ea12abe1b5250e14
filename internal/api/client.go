package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
)

// UserHeader carries the requester identity on every call.
const UserHeader = "X-User-ID"

// Config defines REST client settings.
type Config struct {
	BaseURL    string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client wraps the collaborator request/response API.
type Client struct {
	baseURL string
	userID  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("api: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: base,
		userID:  cfg.UserID,
		timeout: timeout,
		http:    httpClient,
		logger:  obs.OrDiscard(logger),
	}, nil
}

// WithUser returns a copy of the client that identifies as userID.
func (c *Client) WithUser(userID string) *Client {
	cp := *c
	cp.userID = userID
	return &cp
}

func (c *Client) UserID() string { return c.userID }

// ListUsers returns the user directory.
func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, "list users", http.MethodGet, "/users", nil, &users)
	return users, err
}

func (c *Client) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := c.do(ctx, "get user", http.MethodGet, "/users/"+url.PathEscape(userID), nil, &user)
	return user, err
}

// ListConversations returns every conversation userID takes part in.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var chats []models.Conversation
	err := c.do(ctx, "list conversations", http.MethodGet, "/users/"+url.PathEscape(userID)+"/chats", nil, &chats)
	return chats, err
}

// OpenConversation fetches or creates the conversation between two users.
func (c *Client) OpenConversation(ctx context.Context, userID, participantID string) (models.Conversation, error) {
	var chat models.Conversation
	body := OpenConversationRequest{UserID: userID, ParticipantID: participantID}
	err := c.do(ctx, "open conversation", http.MethodPost, "/chats", body, &chat)
	return chat, err
}

func (c *Client) GetConversation(ctx context.Context, chatID string) (models.Conversation, error) {
	var chat models.Conversation
	err := c.do(ctx, "get conversation", http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &chat)
	return chat, err
}

// ListMessages returns the full message history in creation order.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := c.do(ctx, "list messages", http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, &messages)
	return messages, err
}

// SendMessage persists a message and returns it with its server id.
func (c *Client) SendMessage(ctx context.Context, chatID string, msg NewMessage) (models.Message, error) {
	var saved models.Message
	err := c.do(ctx, "send message", http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", msg, &saved)
	if err == nil && saved.ServerID == "" {
		return models.Message{}, &Error{Op: "send message", Status: http.StatusOK, Message: "response without message id"}
	}
	return saved, err
}

// MarkRead marks every message of the peer in chatID as read by userID.
func (c *Client) MarkRead(ctx context.Context, chatID, userID string) error {
	return c.do(ctx, "mark read", http.MethodPut, "/chats/"+url.PathEscape(chatID)+"/read", MarkReadRequest{UserID: userID}, nil)
}

// DeleteMessage soft-deletes a message on behalf of userID.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID, userID string) error {
	path := "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID) + "?userId=" + url.QueryEscape(userID)
	return c.do(ctx, "delete message", http.MethodDelete, path, nil, nil)
}

// Upload sends a file as multipart form data and returns its descriptor.
func (c *Client) Upload(ctx context.Context, fileName string, content io.Reader) (models.Attachment, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return models.Attachment{}, &Error{Op: "upload", Err: err}
	}
	if _, err := io.Copy(part, content); err != nil {
		return models.Attachment{}, &Error{Op: "upload", Err: err}
	}
	if err := form.Close(); err != nil {
		return models.Attachment{}, &Error{Op: "upload", Err: err}
	}

	ctx, cancel := c.wrapCall(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return models.Attachment{}, &Error{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	var att models.Attachment
	err = c.send(req, "upload", &att)
	return att, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := c.wrapCall(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.userID != "" {
		req.Header.Set(UserHeader, c.userID)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("api call failed", "op", op, "error", err)
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("api call", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusMultipleChoices {
			return &Error{Op: op, Status: resp.StatusCode}
		}
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.StatusCode >= http.StatusMultipleChoices || !env.Success {
		return &Error{Op: op, Status: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func (c *Client) wrapCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}
