package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pliu/opschat/internal/models"
)

func writeEnvelope(w http.ResponseWriter, status int, data any, message string) {
	env := Envelope{Success: status < 300, Message: message}
	if data != nil {
		env.Data, _ = json.Marshal(data)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, UserID: "alice"}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestListMessagesDecodesEmbeddedSender(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/c1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(UserHeader) != "alice" {
			t.Errorf("Expected identity header, got %q", r.Header.Get(UserHeader))
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"data":[
			{"id":"m1","sender":"bob","content":"hi","type":"text","createdAt":"2024-01-01T00:00:00Z"},
			{"id":"m2","sender":{"id":"alice","name":"Alice"},"content":"","type":"file",
			 "fileName":"a.pdf","fileSize":12,"fileType":"application/pdf","fileUrl":"/files/a.pdf",
			 "createdAt":"2024-01-01T00:00:01Z"}]}`)
	})

	msgs, err := c.ListMessages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].SenderID() != "bob" || msgs[0].Attachment != nil {
		t.Errorf("Unexpected first message: %+v", msgs[0])
	}
	if msgs[1].SenderID() != "alice" || msgs[1].Sender.User == nil || msgs[1].Sender.User.Name != "Alice" {
		t.Errorf("Expected embedded sender, got %+v", msgs[1].Sender)
	}
	if msgs[1].Attachment == nil || msgs[1].FileName != "a.pdf" {
		t.Errorf("Expected attachment descriptor, got %+v", msgs[1].Attachment)
	}
}

func TestSendMessageNonSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusForbidden, nil, "not a chat participant")
	})

	_, err := c.SendMessage(context.Background(), "c1", NewMessage{SenderID: "alice", Content: "hi", Kind: models.KindText})
	if !errors.Is(err, ErrRequest) {
		t.Fatalf("Expected ErrRequest, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Errorf("Expected 403 api error, got %v", err)
	}
}

func TestSendMessageRequiresServerID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusCreated, map[string]string{"content": "hi"}, "")
	})

	if _, err := c.SendMessage(context.Background(), "c1", NewMessage{SenderID: "alice", Content: "hi"}); !errors.Is(err, ErrRequest) {
		t.Errorf("Expected ErrRequest for missing id, got %v", err)
	}
}

func TestTransportErrorMatchesErrRequest(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := NewClient(Config{BaseURL: url}, nil)
	err := c.MarkRead(context.Background(), "c1", "alice")
	if !errors.Is(err, ErrRequest) {
		t.Errorf("Expected ErrRequest, got %v", err)
	}
}

func TestUploadSendsMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile failed: %v", err)
			writeEnvelope(w, http.StatusBadRequest, nil, "no file")
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		writeEnvelope(w, http.StatusCreated, models.Attachment{
			FileName: header.Filename,
			FileSize: int64(len(body)),
			FileType: "text/plain",
			FileURL:  "/files/" + header.Filename,
		}, "")
	})

	att, err := c.Upload(context.Background(), "notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if att.FileName != "notes.txt" || att.FileSize != 5 {
		t.Errorf("Unexpected descriptor: %+v", att)
	}
}
