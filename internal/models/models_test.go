package models

import (
	"encoding/json"
	"testing"
)

func TestSenderDecode(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"id":"m1","sender":"u1","content":"x","type":"text"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.SenderID() != "u1" || m.Sender.User != nil {
		t.Errorf("Expected bare sender u1, got %+v", m.Sender)
	}

	if err := json.Unmarshal([]byte(`{"id":"m2","sender":{"id":"u2","name":"Ana"},"type":"file","fileName":"a.pdf","fileSize":12,"fileType":"application/pdf","fileUrl":"/files/a.pdf"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.SenderID() != "u2" || m.Sender.User == nil || m.Sender.User.Name != "Ana" {
		t.Errorf("Expected embedded sender u2, got %+v", m.Sender)
	}
	if m.Attachment == nil || m.FileURL != "/files/a.pdf" || m.FileSize != 12 {
		t.Errorf("Expected flattened attachment, got %+v", m.Attachment)
	}
}

func TestSenderNull(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"id":"m1","sender":null}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.SenderID() != "" {
		t.Errorf("Expected empty sender, got %q", m.SenderID())
	}
}

func TestMessageEncodeFlattensAttachment(t *testing.T) {
	m := Message{ServerID: "m1", Sender: Sender{ID: "u1"}, Kind: KindFile, Attachment: &Attachment{FileName: "a.txt", FileURL: "/files/a.txt"}}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var flat map[string]any
	json.Unmarshal(raw, &flat)
	if flat["fileName"] != "a.txt" || flat["sender"] != "u1" {
		t.Errorf("Unexpected encoding %s", raw)
	}
}

func TestStatusAdvanceIsMonotonic(t *testing.T) {
	cases := []struct {
		from, to, want Status
	}{
		{StatusSending, StatusSent, StatusSent},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusSent, "bogus", StatusSent},
		{"", StatusSending, ""},
	}
	for _, c := range cases {
		if got := c.from.Advance(c.to); got != c.want {
			t.Errorf("%q.Advance(%q) = %q, want %q", c.from, c.to, got, c.want)
		}
	}
	if !StatusSending.Before(StatusRead) || StatusRead.Before(StatusSent) {
		t.Error("Unexpected ordering")
	}
}

func TestConversationPeer(t *testing.T) {
	c := Conversation{Participants: []string{"a", "b"}}
	if c.Peer("a") != "b" || c.Peer("b") != "a" {
		t.Error("Unexpected peer")
	}
	if !c.Has("a") || c.Has("z") {
		t.Error("Unexpected membership")
	}
}
