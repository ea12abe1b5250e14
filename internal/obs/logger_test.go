package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("prod", &buf)
	logger.Info("channel connected", "user_id", "u1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "channel connected" {
		t.Errorf("Expected msg 'channel connected', got %v", entry["msg"])
	}
	if entry["user_id"] != "u1" {
		t.Errorf("Expected user_id 'u1', got %v", entry["user_id"])
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("Expected a logger for nil input")
	}
}
