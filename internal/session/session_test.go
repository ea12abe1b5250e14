package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pliu/opschat/internal/channel"
	"github.com/pliu/opschat/internal/config"
	"github.com/pliu/opschat/internal/handlers"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/outbound"
	"github.com/pliu/opschat/internal/store/sqlstore"
	"github.com/pliu/opschat/internal/ws"
)

// hits counts the requests tests assert on and controls channel sockets.
type hits struct {
	mu     sync.Mutex
	reads  int
	upload int
	// sockets holds the server side of each channel connection by user
	sockets map[string][]net.Conn
	refuse  map[string]bool
}

func newHits() *hits {
	return &hits{sockets: make(map[string][]net.Conn), refuse: make(map[string]bool)}
}

func (h *hits) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/read"):
			h.reads++
		case r.URL.Path == "/upload":
			h.upload++
		}
		userID := r.URL.Query().Get("userId")
		refused := r.URL.Path == "/ws" && h.refuse[userID]
		h.mu.Unlock()

		if refused {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/ws" {
			w = &socketTracker{ResponseWriter: w, track: func(c net.Conn) {
				h.mu.Lock()
				h.sockets[userID] = append(h.sockets[userID], c)
				h.mu.Unlock()
			}}
		}
		next.ServeHTTP(w, r)
	})
}

// cut closes every channel socket of userID and refuses new ones until
// restore is called.
func (h *hits) cut(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refuse[userID] = true
	for _, c := range h.sockets[userID] {
		c.Close()
	}
	delete(h.sockets, userID)
}

func (h *hits) restore(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.refuse, userID)
}

type socketTracker struct {
	http.ResponseWriter
	track func(net.Conn)
}

func (s *socketTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		s.track(conn)
	}
	return conn, rw, err
}

func (h *hits) counts() (reads, upload int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads, h.upload
}

type testServer struct {
	url   string
	store *sqlstore.SQLStore
	hits  *hits
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	for _, u := range []models.User{
		{ID: "a", Name: "Alice", Role: "nurse"},
		{ID: "b", Name: "Bob", Role: "physician"},
		{ID: "c", Name: "Chloe", Role: "pharmacist"},
	} {
		u := u
		if err := store.CreateUser(&u); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(store, nil)
	go hub.Run(ctx)

	h := newHits()
	router := handlers.NewRouter(handlers.Deps{
		Store:  store,
		Hub:    hub,
		Files:  &handlers.FileHandler{Dir: t.TempDir(), MaxBytes: config.DefaultMaxUpload, Logger: obs.Discard()},
		Logger: obs.Discard(),
	})
	srv := httptest.NewServer(h.wrap(router))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		store.Close()
	})
	return &testServer{url: srv.URL, store: store, hits: h}
}

func (ts *testServer) start(t *testing.T, userID string) *Session {
	t.Helper()
	return ts.startWith(t, userID, nil)
}

func (ts *testServer) startWith(t *testing.T, userID string, tune func(*config.Client)) *Session {
	t.Helper()
	cfg := config.Client{
		APIURL:            ts.url,
		ReconnectAttempts: 2,
		ReconnectDelay:    20 * time.Millisecond,
		HeartbeatInterval: time.Second,
		TypingQuiet:       80 * time.Millisecond,
		ReadDelay:         30 * time.Millisecond,
		DeliveredDelay:    20 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
		MaxUploadBytes:    config.DefaultMaxUpload,
	}
	if tune != nil {
		tune(&cfg)
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background(), userID); err != nil {
		t.Fatalf("Failed to start session for %s: %v", userID, err)
	}
	t.Cleanup(s.Stop)
	return s
}

// waitView polls the session until cond holds.
func waitView(t *testing.T, s *Session, what string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		v, err := s.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func online(userID string) func(View) bool {
	return func(v View) bool {
		for _, u := range v.Users {
			if u.ID == userID {
				return u.IsOnline
			}
		}
		return false
	}
}

// pair starts a and b and returns once each has seen the other come online,
// which implies both channels are joined on the server.
func pair(t *testing.T, ts *testServer) (*Session, *Session) {
	t.Helper()
	a := ts.start(t, "a")
	b := ts.start(t, "b")
	waitView(t, a, "b online", online("b"))
	waitView(t, b, "a online", online("a"))
	return a, b
}

func message(v View, localID string) (models.Message, bool) {
	for _, m := range v.Conversation.Messages {
		if m.LocalID == localID {
			return m, true
		}
	}
	return models.Message{}, false
}

func TestSendReachesPeer(t *testing.T) {
	ts := newTestServer(t)
	a, b := pair(t, ts)
	ctx := context.Background()

	if err := a.OpenWith(ctx, "b"); err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	localID, err := a.SendText(ctx, "hello")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if localID == "" {
		t.Fatal("Expected a local id")
	}

	v := waitView(t, a, "delivered", func(v View) bool {
		m, ok := message(v, localID)
		return ok && m.Status == models.StatusDelivered
	})
	if len(v.Conversation.Messages) != 1 {
		t.Errorf("Expected 1 message after self echo, got %d", len(v.Conversation.Messages))
	}
	if m, _ := message(v, localID); m.ServerID == "" {
		t.Error("Expected confirmed message to carry a server id")
	}
	if v.Draft != "" {
		t.Errorf("Expected draft cleared, got %q", v.Draft)
	}

	select {
	case n := <-b.Notices():
		if !strings.Contains(n.Text, "Alice") {
			t.Errorf("Expected notice naming Alice, got %q", n.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected b to be told about the new message")
	}

	if err := b.OpenWith(ctx, "a"); err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	bv := waitView(t, b, "history", func(v View) bool { return len(v.Conversation.Messages) == 1 })
	got := bv.Conversation.Messages[0]
	if got.Content != "hello" || got.SenderID() != "a" {
		t.Errorf("Expected hello from a, got %q from %q", got.Content, got.SenderID())
	}
}

func TestReadMarkOncePerBatch(t *testing.T) {
	ts := newTestServer(t)
	a, b := pair(t, ts)
	ctx := context.Background()

	if err := a.OpenWith(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, text := range []string{"one", "two"} {
		id, err := a.SendText(ctx, text)
		if err != nil {
			t.Fatalf("SendText %q failed: %v", text, err)
		}
		ids = append(ids, id)
		waitView(t, a, "sent", func(v View) bool { return !v.Sending })
	}

	if err := b.OpenWith(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	waitView(t, a, "read", func(v View) bool {
		for _, id := range ids {
			if m, ok := message(v, id); !ok || m.Status != models.StatusRead {
				return false
			}
		}
		return true
	})

	time.Sleep(100 * time.Millisecond)
	if reads, _ := ts.hits.counts(); reads != 1 {
		t.Errorf("Expected 1 read-mark request, got %d", reads)
	}
	v := waitView(t, b, "snapshot", func(View) bool { return true })
	for _, m := range v.Conversation.Messages {
		if m.Status != models.StatusRead {
			t.Errorf("Expected %q read on b, got %s", m.Content, m.Status)
		}
	}
}

func TestTypingReachesOpenPeer(t *testing.T) {
	ts := newTestServer(t)
	a, b := pair(t, ts)
	ctx := context.Background()

	if err := a.OpenWith(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := b.OpenWith(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetDraft(ctx, "on my w"); err != nil {
		t.Fatal(err)
	}
	waitView(t, b, "typing", func(v View) bool { return v.Conversation.PeerTyping() })
	waitView(t, b, "typing stopped", func(v View) bool { return !v.Conversation.PeerTyping() })
}

func TestOversizedFileRejectedWithoutUpload(t *testing.T) {
	ts := newTestServer(t)
	a := ts.start(t, "a")
	ctx := context.Background()
	if err := a.OpenWith(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "scan.pdf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(15 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	err = a.Stage(ctx, path)
	if !errors.Is(err, outbound.ErrFileTooLarge) {
		t.Fatalf("Expected ErrFileTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "15 MiB") {
		t.Errorf("Expected size in error, got %q", err.Error())
	}
	v, _ := a.Snapshot(ctx)
	if v.Staged != nil {
		t.Error("Expected nothing staged")
	}
	if _, upload := ts.hits.counts(); upload != 0 {
		t.Errorf("Expected no upload request, got %d", upload)
	}
}

func TestSendAttachment(t *testing.T) {
	ts := newTestServer(t)
	a, b := pair(t, ts)
	ctx := context.Background()
	if err := a.OpenWith(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := b.OpenWith(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "rota.txt")
	if err := os.WriteFile(path, []byte("night shift: ward 4"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := a.Stage(ctx, path); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	waitView(t, a, "upload", func(v View) bool { return v.Staged != nil && v.Staged.Ready() })
	if _, err := a.Send(ctx); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	v := waitView(t, b, "file message", func(v View) bool { return len(v.Conversation.Messages) == 1 })
	m := v.Conversation.Messages[0]
	if m.Kind != models.KindFile {
		t.Errorf("Expected file message, got %s", m.Kind)
	}
	if m.Attachment == nil || m.FileName != "rota.txt" || m.FileURL == "" {
		t.Errorf("Expected rota.txt attachment, got %+v", m.Attachment)
	}
}

func TestOpenFailureLeavesNothingOpen(t *testing.T) {
	ts := newTestServer(t)
	a := ts.start(t, "a")
	ctx := context.Background()

	if err := a.OpenWith(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := a.OpenConversation(ctx, "no-such-chat"); err == nil {
		t.Fatal("Expected error opening unknown conversation")
	}
	v, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Conversation.Open {
		t.Errorf("Expected nothing open, got %s", v.Conversation.Conversation.ID)
	}
	if _, err := a.SendText(ctx, "hello"); !errors.Is(err, outbound.ErrNoConversation) {
		t.Errorf("Expected ErrNoConversation, got %v", err)
	}
}

func TestForeignConversationRejected(t *testing.T) {
	ts := newTestServer(t)
	chat, err := ts.store.GetOrCreateChat("b", "c")
	if err != nil {
		t.Fatal(err)
	}
	a := ts.start(t, "a")
	if err := a.OpenConversation(context.Background(), chat.ID); err == nil {
		t.Fatal("Expected error opening a conversation a is not part of")
	}
}

func TestSwitchUserDropsState(t *testing.T) {
	ts := newTestServer(t)
	s := ts.start(t, "a")
	ctx := context.Background()
	if err := s.OpenWith(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDraft(ctx, "half a thought"); err != nil {
		t.Fatal(err)
	}

	if err := s.SwitchUser(ctx, "c"); err != nil {
		t.Fatalf("SwitchUser failed: %v", err)
	}
	if s.UserID() != "c" {
		t.Errorf("Expected user c, got %q", s.UserID())
	}
	v, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Conversation.Open || v.Draft != "" {
		t.Errorf("Expected fresh state, got open=%v draft=%q", v.Conversation.Open, v.Draft)
	}
}

func TestStoppedSession(t *testing.T) {
	s, err := New(config.Client{APIURL: "http://127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Snapshot(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
	s.Stop()
}

func count(v View, content string) int {
	n := 0
	for _, m := range v.Conversation.Messages {
		if m.Content == content {
			n++
		}
	}
	return n
}

func TestReconnectRebootstrapsConversation(t *testing.T) {
	ts := newTestServer(t)
	a := ts.startWith(t, "a", func(cfg *config.Client) {
		cfg.ReconnectAttempts = 1000
	})
	b := ts.startWith(t, "b", func(cfg *config.Client) {
		// keep b's burst open so only the drop can clear it on a
		cfg.TypingQuiet = time.Minute
	})
	waitView(t, a, "b online", online("b"))
	waitView(t, b, "a online", online("a"))
	ctx := context.Background()

	if err := a.OpenWith(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := b.OpenWith(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	before, err := a.SendText(ctx, "before the drop")
	if err != nil {
		t.Fatal(err)
	}
	waitView(t, a, "delivered", func(v View) bool {
		m, ok := message(v, before)
		return ok && !m.Status.Before(models.StatusDelivered)
	})
	if err := b.SetDraft(ctx, "typing through the"); err != nil {
		t.Fatal(err)
	}
	waitView(t, a, "b typing", func(v View) bool { return v.Conversation.PeerTyping() })

	ts.hits.cut("a")
	waitView(t, a, "disconnected", func(v View) bool { return v.State != channel.StateConnected })
	v := waitView(t, a, "typing cleared", func(v View) bool { return !v.Conversation.PeerTyping() })
	if v.State == channel.StateDegraded {
		t.Fatal("Expected a to keep retrying")
	}
	waitView(t, b, "a offline", func(v View) bool { return !online("a")(v) })

	if _, err := b.SendText(ctx, "while you were away"); err != nil {
		t.Fatal(err)
	}
	waitView(t, b, "gap message sent", func(v View) bool { return !v.Sending && count(v, "while you were away") == 1 })

	ts.hits.restore("a")
	waitView(t, a, "gap message", func(v View) bool {
		return v.State == channel.StateConnected && count(v, "while you were away") == 1
	})
	waitView(t, b, "a back online", online("a"))

	// give any late push a chance to duplicate it
	time.Sleep(100 * time.Millisecond)
	v, err = a.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n := count(v, "while you were away"); n != 1 {
		t.Errorf("Expected gap message once, got %d", n)
	}
	if n := count(v, "before the drop"); n != 1 {
		t.Errorf("Expected earlier message once, got %d", n)
	}
	if m, ok := message(v, before); !ok || m.Status.Before(models.StatusDelivered) {
		t.Errorf("Expected own message to keep its local id and status, got %+v", m)
	}
	if len(v.Conversation.Messages) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(v.Conversation.Messages))
	}
}

func TestPresenceFollowsPeerConnection(t *testing.T) {
	ts := newTestServer(t)
	a, b := pair(t, ts)
	ctx := context.Background()

	first, ok, err := a.Presence(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("Expected presence for b, got ok=%v err=%v", ok, err)
	}
	b.Stop()
	waitView(t, a, "b offline", func(v View) bool { return !online("b")(v) })
	u, _, _ := a.Presence(ctx, "b")
	if u.LastSeen.Before(first.LastSeen) {
		t.Errorf("Expected last seen not to move back, got %v before %v", u.LastSeen, first.LastSeen)
	}
	if _, ok, _ := a.Presence(ctx, "nobody"); ok {
		t.Error("Expected no record for a user outside the directory")
	}
}
