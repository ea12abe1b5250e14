package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/store"
)

type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	if driverName != "sqlite3" {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driverName)
	}
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen DATETIME
	);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_low TEXT NOT NULL REFERENCES users(id),
		user_high TEXT NOT NULL REFERENCES users(id),
		created_at DATETIME NOT NULL,
		last_message_at DATETIME NOT NULL,
		UNIQUE (user_low, user_high)
	);

	CREATE TABLE IF NOT EXISTS participants (
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, user_id),
		FOREIGN KEY (chat_id) REFERENCES chats(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text',
		file_name TEXT,
		file_size INTEGER,
		file_type TEXT,
		file_url TEXT,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id),
		FOREIGN KEY (sender_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS messages_chat_created ON messages (chat_id, created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLStore) CreateUser(user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := s.db.Exec("INSERT INTO users (id, name, avatar, role, is_online, last_seen) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Name, user.Avatar, user.Role, user.IsOnline, nullTime(user.LastSeen))
	return err
}

const userColumns = "id, name, avatar, role, is_online, last_seen"

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	var lastSeen sql.NullTime
	if err := row.Scan(&u.ID, &u.Name, &u.Avatar, &u.Role, &u.IsOnline, &lastSeen); err != nil {
		return models.User{}, err
	}
	if lastSeen.Valid {
		u.LastSeen = lastSeen.Time
	}
	return u, nil
}

func (s *SQLStore) GetUserByID(id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query("SELECT " + userColumns + " FROM users ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetPresence records the online flag. A zero lastSeen leaves it unchanged.
func (s *SQLStore) SetPresence(userID string, online bool, lastSeen time.Time) error {
	var res sql.Result
	var err error
	if lastSeen.IsZero() {
		res, err = s.db.Exec("UPDATE users SET is_online = ? WHERE id = ?", online, userID)
	} else {
		res, err = s.db.Exec("UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?", online, lastSeen.UTC(), userID)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetOrCreateChat returns the one conversation between two distinct users.
func (s *SQLStore) GetOrCreateChat(userID, participantID string) (*models.Conversation, error) {
	if userID == "" || participantID == "" || userID == participantID {
		return nil, fmt.Errorf("sqlstore: a conversation needs two distinct users")
	}
	for _, id := range []string{userID, participantID} {
		if _, err := s.GetUserByID(id); err != nil {
			return nil, err
		}
	}
	low, high := userID, participantID
	if high < low {
		low, high = high, low
	}

	var chatID string
	err := s.db.QueryRow("SELECT id FROM chats WHERE user_low = ? AND user_high = ?", low, high).Scan(&chatID)
	if err == nil {
		return s.GetChat(chatID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	chatID = uuid.NewString()
	now := s.now()
	if _, err := tx.Exec("INSERT INTO chats (id, user_low, user_high, created_at, last_message_at) VALUES (?, ?, ?, ?, ?)",
		chatID, low, high, now, now); err != nil {
		return nil, err
	}
	for _, id := range []string{low, high} {
		if _, err := tx.Exec("INSERT INTO participants (chat_id, user_id) VALUES (?, ?)", chatID, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetChat(chatID)
}

func (s *SQLStore) GetChat(chatID string) (*models.Conversation, error) {
	c := models.Conversation{ID: chatID, Unread: map[string]int{}}
	err := s.db.QueryRow("SELECT created_at, last_message_at FROM chats WHERE id = ?", chatID).Scan(&c.CreatedAt, &c.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query("SELECT user_id, unread_count FROM participants WHERE chat_id = ? ORDER BY user_id", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		var unread int
		if err := rows.Scan(&userID, &unread); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, userID)
		c.Unread[userID] = unread
	}
	return &c, rows.Err()
}

// GetUserChats lists userID's conversations, most recent activity first.
func (s *SQLStore) GetUserChats(userID string) ([]models.Conversation, error) {
	rows, err := s.db.Query("SELECT chat_id FROM participants WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chats := []models.Conversation{}
	for _, id := range ids {
		c, err := s.GetChat(id)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	sort.SliceStable(chats, func(i, j int) bool { return chats[i].LastMessageAt.After(chats[j].LastMessageAt) })
	return chats, nil
}

func (s *SQLStore) IsParticipant(chatID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM participants WHERE chat_id = ? AND user_id = ?)", chatID, userID).Scan(&exists)
	return exists, err
}

// SaveMessage persists msg, assigning its id and timestamp, and bumps the
// unread counter of every other participant.
func (s *SQLStore) SaveMessage(msg *models.Message) error {
	senderID := msg.SenderID()
	ok, err := s.IsParticipant(msg.ChatID, senderID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrForbidden
	}
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	msg.ServerID = uuid.NewString()
	msg.CreatedAt = s.now()
	msg.Status = models.StatusSent
	msg.LocalID = ""

	var fileName, fileType, fileURL sql.NullString
	var fileSize sql.NullInt64
	if a := msg.Attachment; a != nil {
		fileName = sql.NullString{String: a.FileName, Valid: true}
		fileType = sql.NullString{String: a.FileType, Valid: true}
		fileURL = sql.NullString{String: a.FileURL, Valid: true}
		fileSize = sql.NullInt64{Int64: a.FileSize, Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO messages (id, chat_id, sender_id, content, type, file_name, file_size, file_type, file_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ServerID, msg.ChatID, senderID, msg.Content, string(msg.Kind), fileName, fileSize, fileType, fileURL, msg.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE participants SET unread_count = unread_count + 1 WHERE chat_id = ? AND user_id != ?", msg.ChatID, senderID); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE chats SET last_message_at = ? WHERE id = ?", msg.CreatedAt, msg.ChatID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetChatMessages returns the live messages of chatID in creation order, each
// with its sender embedded.
func (s *SQLStore) GetChatMessages(chatID string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.chat_id, m.sender_id, COALESCE(u.name, ''), COALESCE(u.avatar, ''), COALESCE(u.role, ''),
			m.content, m.type, m.file_name, m.file_size, m.file_type, m.file_url, m.is_read, m.created_at
		FROM messages m
		LEFT JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = ? AND m.is_deleted = FALSE
		ORDER BY m.created_at ASC, m.rowid ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var sender models.User
		var kind string
		var read bool
		var fileName, fileType, fileURL sql.NullString
		var fileSize sql.NullInt64
		if err := rows.Scan(&m.ServerID, &m.ChatID, &sender.ID, &sender.Name, &sender.Avatar, &sender.Role,
			&m.Content, &kind, &fileName, &fileSize, &fileType, &fileURL, &read, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = models.Kind(kind)
		m.Sender = models.Sender{ID: sender.ID}
		if sender.Name != "" {
			m.Sender.User = &sender
		}
		if fileURL.Valid {
			m.Attachment = &models.Attachment{FileName: fileName.String, FileSize: fileSize.Int64, FileType: fileType.String, FileURL: fileURL.String}
		}
		m.Status = models.StatusSent
		if read {
			m.Status = models.StatusRead
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkRead marks every message in chatID not written by readerID as read and
// resets readerID's unread counter. It returns the number of messages changed.
func (s *SQLStore) MarkRead(chatID, readerID string) (int64, error) {
	ok, err := s.IsParticipant(chatID, readerID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, store.ErrForbidden
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.Exec("UPDATE messages SET is_read = TRUE WHERE chat_id = ? AND sender_id != ? AND is_read = FALSE", chatID, readerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec("UPDATE participants SET unread_count = 0 WHERE chat_id = ? AND user_id = ?", chatID, readerID); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// DeleteMessage soft-deletes a message. Only its sender may delete it.
func (s *SQLStore) DeleteMessage(chatID, messageID, userID string) error {
	var senderID string
	var deleted bool
	err := s.db.QueryRow("SELECT sender_id, is_deleted FROM messages WHERE id = ? AND chat_id = ?", messageID, chatID).Scan(&senderID, &deleted)
	if errors.Is(err, sql.ErrNoRows) || deleted {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if senderID != userID {
		return store.ErrForbidden
	}
	_, err = s.db.Exec("UPDATE messages SET is_deleted = TRUE WHERE id = ?", messageID)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

