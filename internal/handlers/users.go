package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/opschat/internal/middleware"
	"github.com/pliu/opschat/internal/store"
)

type UserHandler struct {
	Store store.Store
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(mux.Vars(r)["userId"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetUserChats lists the conversations of the user in the path. Callers may
// only list their own.
func (h *UserHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if caller := middleware.UserID(r); caller != "" && caller != userID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	chats, err := h.Store.GetUserChats(userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}
