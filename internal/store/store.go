package store

import (
	"errors"
	"time"

	"github.com/pliu/opschat/internal/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: forbidden")
)

type Store interface {
	// User operations
	CreateUser(user *models.User) error
	GetUserByID(id string) (*models.User, error)
	ListUsers() ([]models.User, error)
	SetPresence(userID string, online bool, lastSeen time.Time) error

	// Chat operations
	GetOrCreateChat(userID, participantID string) (*models.Conversation, error)
	GetChat(chatID string) (*models.Conversation, error)
	GetUserChats(userID string) ([]models.Conversation, error)
	IsParticipant(chatID, userID string) (bool, error)
	SaveMessage(msg *models.Message) error
	GetChatMessages(chatID string) ([]models.Message, error)
	MarkRead(chatID, readerID string) (int64, error)
	DeleteMessage(chatID, messageID, userID string) error
}
