package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/opschat/internal/api"
	"github.com/pliu/opschat/internal/channel"
	"github.com/pliu/opschat/internal/metrics"
	"github.com/pliu/opschat/internal/middleware"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/store"
)

type ChatHandler struct {
	Store  store.Store
	Hub    Notifier
	Logger *slog.Logger
}

// actor resolves who a request acts for: the body or query value, which
// must agree with the caller identity when one is present.
func actor(r *http.Request, claimed string) (string, bool) {
	caller := middleware.UserID(r)
	switch {
	case claimed == "":
		return caller, caller != ""
	case caller == "" || caller == claimed:
		return claimed, true
	}
	return "", false
}

// CreateChat returns the conversation between two users, creating it once.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req api.OpenConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, ok := actor(r, req.UserID)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if req.ParticipantID == "" || req.ParticipantID == userID {
		writeError(w, http.StatusBadRequest, "participantId must name another user")
		return
	}
	chat, err := h.Store.GetOrCreateChat(userID, req.ParticipantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	if !h.authorize(w, r, chatID) {
		return
	}
	chat, err := h.Store.GetChat(chatID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	if !h.authorize(w, r, chatID) {
		return
	}
	messages, err := h.Store.GetChatMessages(chatID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessage persists a message and pushes it to every participant,
// including the sender's other connections.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	var req api.NewMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	senderID, ok := actor(r, req.SenderID)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if senderID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	msg := &models.Message{
		ChatID:  chatID,
		Sender:  models.Sender{ID: senderID},
		Content: sanitize(req.Content),
		Kind:    req.Kind,
	}
	switch msg.Kind {
	case "", models.KindText:
		msg.Kind = models.KindText
		if msg.Content == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
	case models.KindFile:
		if req.Attachment == nil || req.FileURL == "" {
			writeError(w, http.StatusBadRequest, "file messages need an attachment")
			return
		}
		att := *req.Attachment
		att.FileName = sanitize(att.FileName)
		msg.Attachment = &att
	default:
		writeError(w, http.StatusBadRequest, "unknown message type")
		return
	}

	if err := h.Store.SaveMessage(msg); err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.MessagesSaved.WithLabelValues(string(msg.Kind)).Inc()
	h.pushToParticipants(chatID, channel.WireNewMessage, channel.NewMessagePayload{ChatID: chatID, Message: msg})
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead marks the peer's messages as read and tells the peer.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chatId"]
	var req api.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	readerID, ok := actor(r, req.UserID)
	if !ok || readerID == "" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	n, err := h.Store.MarkRead(chatID, readerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if n > 0 {
		h.pushToOthers(chatID, readerID, channel.WireMessagesRead, channel.MessagesReadPayload{ChatID: chatID, UserID: readerID})
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chatID, messageID := vars["chatId"], vars["messageId"]
	userID, ok := actor(r, r.URL.Query().Get("userId"))
	if !ok || userID == "" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.Store.DeleteMessage(chatID, messageID, userID); err != nil {
		writeStoreError(w, err)
		return
	}
	h.pushToParticipants(chatID, channel.WireMessageDeleted, channel.MessageDeletedPayload{ChatID: chatID, MessageID: messageID})
	writeJSON(w, http.StatusOK, nil)
}

// authorize requires an identified caller that takes part in chatID.
func (h *ChatHandler) authorize(w http.ResponseWriter, r *http.Request, chatID string) bool {
	userID := middleware.UserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	isParticipant, err := h.Store.IsParticipant(chatID, userID)
	if err != nil {
		writeStoreError(w, err)
		return false
	}
	if !isParticipant {
		if _, err := h.Store.GetChat(chatID); err != nil {
			writeStoreError(w, err)
			return false
		}
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (h *ChatHandler) pushToParticipants(chatID, event string, payload any) {
	h.pushToOthers(chatID, "", event, payload)
}

func (h *ChatHandler) pushToOthers(chatID, except, event string, payload any) {
	if h.Hub == nil {
		return
	}
	chat, err := h.Store.GetChat(chatID)
	if err != nil {
		obs.OrDiscard(h.Logger).Warn("push skipped", "conversation_id", chatID, "event", event, "error", err)
		return
	}
	for _, p := range chat.Participants {
		if p != except {
			h.Hub.SendNotification(p, event, payload)
		}
	}
}
