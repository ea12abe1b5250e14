package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/opschat/internal/metrics"
	"github.com/pliu/opschat/internal/middleware"
	"github.com/pliu/opschat/internal/store"
	"github.com/pliu/opschat/internal/ws"
)

type Deps struct {
	Store  store.Store
	Hub    *ws.Hub
	Files  *FileHandler
	Logger *slog.Logger
}

// NewRouter wires every endpoint of the collaborator server.
func NewRouter(d Deps) *mux.Router {
	userHandler := &UserHandler{Store: d.Store}
	chatHandler := &ChatHandler{Store: d.Store, Logger: d.Logger}
	if d.Hub != nil {
		chatHandler.Hub = d.Hub
	}

	r := mux.NewRouter()
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.IdentityMiddleware)

	// API Endpoints
	r.HandleFunc("/users", userHandler.ListUsers).Methods("GET")
	r.HandleFunc("/users/{userId}", userHandler.GetUser).Methods("GET")
	r.HandleFunc("/users/{userId}/chats", userHandler.GetUserChats).Methods("GET")
	r.HandleFunc("/chats", chatHandler.CreateChat).Methods("POST")
	r.HandleFunc("/chats/{chatId}", chatHandler.GetChat).Methods("GET")
	r.HandleFunc("/chats/{chatId}/messages", chatHandler.GetChatMessages).Methods("GET")
	r.HandleFunc("/chats/{chatId}/messages", chatHandler.SendMessage).Methods("POST")
	r.HandleFunc("/chats/{chatId}/messages/{messageId}", chatHandler.DeleteMessage).Methods("DELETE")
	r.HandleFunc("/chats/{chatId}/read", chatHandler.MarkRead).Methods("PUT")
	if d.Files != nil {
		r.HandleFunc("/upload", d.Files.Upload).Methods("POST")
		r.PathPrefix("/files/").Handler(d.Files.Files()).Methods("GET")
	}
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// WebSocket Endpoint
	if d.Hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ws.ServeWs(d.Hub, w, r)
		})
	}
	return r
}
