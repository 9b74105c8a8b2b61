package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"kronos/internal/user"
	"kronos/internal/wire"
)

type fixture struct {
	hub   *Hub
	store *MemoryStore
	users *user.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	users := user.NewMemoryStore()
	return &fixture{hub: NewHub(nil, store, users, zerolog.Nop()), store: store, users: users}
}

func (f *fixture) user(t *testing.T, name string) *user.User {
	t.Helper()
	u, err := f.users.CreateUser(context.Background(), &user.User{Username: name, Password: "hash"})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return u
}

func (f *fixture) connect(u *user.User) *Client {
	c := NewClient(f.hub, nil, u.ID, u.Username)
	f.hub.addClient(c)
	return c
}

func (f *fixture) send(t *testing.T, c *Client, event string, v any, ack uint64) {
	t.Helper()
	fr, err := wire.NewFrame(event, v)
	if err != nil {
		t.Fatal(err)
	}
	fr.Ack = ack
	f.hub.handle(context.Background(), c, fr)
}

// drain returns every frame queued for c.
func drain(t *testing.T, c *Client) []wire.Frame {
	t.Helper()
	var out []wire.Frame
	for {
		select {
		case raw, ok := <-c.Send:
			if !ok {
				return out
			}
			fr, err := wire.ParseFrame(raw)
			if err != nil {
				t.Fatalf("bad frame %s: %v", raw, err)
			}
			out = append(out, fr)
		default:
			return out
		}
	}
}

func only(frames []wire.Frame, event string) []wire.Frame {
	var out []wire.Frame
	for _, f := range frames {
		if f.Event == event && !f.Reply {
			out = append(out, f)
		}
	}
	return out
}

func replyFor(t *testing.T, frames []wire.Frame, ack uint64, v any) {
	t.Helper()
	for _, f := range frames {
		if f.Reply && f.Ack == ack {
			if err := json.Unmarshal(f.Data, v); err != nil {
				t.Fatal(err)
			}
			return
		}
	}
	t.Fatalf("no reply for ack %d in %v", ack, frames)
}

func decodeData[T any](t *testing.T, f wire.Frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", f.Event, err)
	}
	return v
}

func TestSendMessageAcksAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.connect(alice), f.connect(bob)
	f.send(t, a, wire.EventJoinChannel, wire.JoinChannel{ChannelID: "general"}, 0)
	f.send(t, b, wire.EventJoinChannel, wire.JoinChannel{ChannelID: "general"}, 0)

	f.send(t, a, wire.EventSendMessage, wire.SendMessage{
		ChannelID: "general",
		Content:   "hey @Bob <b>look</b>",
		ClientID:  "c-1",
	}, 7)

	fromA := drain(t, a)
	var ack wire.SendAck
	replyFor(t, fromA, 7, &ack)
	if ack.Status != wire.StatusOK || ack.Data == nil {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Data.ClientID != "c-1" || ack.Data.ID == "" {
		t.Fatalf("ack message = %+v", ack.Data)
	}
	if ack.Data.Content != "hey @Bob look" {
		t.Fatalf("content = %q", ack.Data.Content)
	}
	if len(ack.Data.MentionedUserIDs) != 1 || ack.Data.MentionedUserIDs[0] != bob.ID {
		t.Fatalf("mentions = %v", ack.Data.MentionedUserIDs)
	}
	if ack.Data.Author == nil || ack.Data.Author.Username != "alice" {
		t.Fatalf("author = %+v", ack.Data.Author)
	}
	if got := only(fromA, wire.EventNewMessage); len(got) != 1 {
		t.Fatalf("sender pushes = %d, want 1", len(got))
	}

	pushes := only(drain(t, b), wire.EventNewMessage)
	if len(pushes) != 1 {
		t.Fatalf("bob pushes = %d", len(pushes))
	}
	m := decodeData[wire.NewMessage](t, pushes[0])
	if m.ID != ack.Data.ID {
		t.Fatalf("push id %s != ack id %s", m.ID, ack.Data.ID)
	}
}

func TestSendMessageRejections(t *testing.T) {
	tests := []struct {
		name string
		req  wire.SendMessage
	}{
		{"empty", wire.SendMessage{ChannelID: "general", Content: "  <i></i> "}},
		{"unknown channel", wire.SendMessage{ChannelID: "nope", Content: "hi"}},
		{"no destination", wire.SendMessage{Content: "hi"}},
		{"unknown attachment", wire.SendMessage{ChannelID: "general", Content: "hi", Attachments: []wire.Attachment{{ID: "missing"}}}},
		{"unknown dm target", wire.SendMessage{DMTargetUserID: "ghost", Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.connect(f.user(t, "alice"))
			f.send(t, a, wire.EventSendMessage, tt.req, 1)

			var ack wire.SendAck
			replyFor(t, drain(t, a), 1, &ack)
			if ack.Status != wire.StatusError || ack.Message == "" {
				t.Fatalf("ack = %+v", ack)
			}
		})
	}
}

func TestDirectSendCreatesConversation(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.connect(alice), f.connect(bob)

	f.send(t, a, wire.EventSendMessage, wire.SendMessage{DMTargetUserID: bob.ID, Content: "psst", ClientID: "c-1"}, 1)

	fromA := drain(t, a)
	var ack wire.SendAck
	replyFor(t, fromA, 1, &ack)
	if ack.Status != wire.StatusOK {
		t.Fatalf("ack = %+v", ack)
	}
	channelID := ack.Data.ChannelID

	fromB := drain(t, b)
	created := only(fromB, wire.EventDMCreated)
	if len(created) != 1 {
		t.Fatalf("bob dm_conversation_created = %d", len(created))
	}
	ev := decodeData[wire.DMCreated](t, created[0])
	if ev.Channel.ID != channelID || ev.OtherUser.ID != alice.ID {
		t.Fatalf("created = %+v", ev)
	}
	if len(only(fromB, wire.EventNewMessage)) != 1 {
		t.Fatal("bob did not get the message without joining")
	}
	updated := only(fromB, wire.EventDMUpdated)
	if len(updated) != 1 || decodeData[wire.DMUpdated](t, updated[0]).LastMessage.Content != "psst" {
		t.Fatalf("updated = %v", updated)
	}

	// A second send reuses the channel and only updates.
	f.send(t, a, wire.EventSendMessage, wire.SendMessage{DMTargetUserID: bob.ID, Content: "again", ClientID: "c-2"}, 2)
	replyFor(t, drain(t, a), 2, &ack)
	if ack.Data.ChannelID != channelID {
		t.Fatalf("second send channel %s != %s", ack.Data.ChannelID, channelID)
	}
	if got := only(drain(t, b), wire.EventDMCreated); len(got) != 0 {
		t.Fatalf("unexpected second created event")
	}
}

func TestDirectChannelIsPrivate(t *testing.T) {
	f := newFixture(t)
	alice, bob, eve := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "eve")
	ch, _, err := f.store.DirectChannel(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	e := f.connect(eve)
	f.send(t, e, wire.EventSendMessage, wire.SendMessage{ChannelID: ch.ID, Content: "hi"}, 1)

	var ack wire.SendAck
	replyFor(t, drain(t, e), 1, &ack)
	if ack.Status != wire.StatusError {
		t.Fatalf("outsider send = %+v", ack)
	}
}

func TestEditOnlyByAuthor(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.connect(alice), f.connect(bob)
	f.send(t, b, wire.EventJoinChannel, wire.JoinChannel{ChannelID: "general"}, 0)

	f.send(t, a, wire.EventSendMessage, wire.SendMessage{ChannelID: "general", Content: "frist"}, 1)
	var ack wire.SendAck
	replyFor(t, drain(t, a), 1, &ack)
	drain(t, b)

	f.send(t, b, wire.EventEditMessage, wire.EditMessage{MessageID: ack.Data.ID, Content: "hijack"}, 0)
	if errs := only(drain(t, b), wire.EventError); len(errs) != 1 {
		t.Fatalf("non-author edit errors = %d", len(errs))
	}

	f.send(t, a, wire.EventEditMessage, wire.EditMessage{MessageID: ack.Data.ID, Content: "first"}, 0)
	edits := only(drain(t, b), wire.EventMessageEdited)
	if len(edits) != 1 {
		t.Fatalf("edits = %d", len(edits))
	}
	m := decodeData[wire.MessageEdited](t, edits[0])
	if m.Content != "first" || !m.Edited {
		t.Fatalf("edited = %+v", m.Message)
	}
}

func TestTypingRelayedToChannel(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.connect(alice), f.connect(bob)
	f.send(t, b, wire.EventJoinChannel, wire.JoinChannel{ChannelID: "general"}, 0)

	f.send(t, a, wire.EventTyping, wire.Typing{ChannelID: "general", Typing: true}, 0)
	got := only(drain(t, b), wire.EventUserTyping)
	if len(got) != 1 {
		t.Fatalf("typing events = %d", len(got))
	}
	ev := decodeData[wire.UserTyping](t, got[0])
	if ev.UserID != alice.ID || ev.Username != "alice" || !ev.IsTyping {
		t.Fatalf("typing = %+v", ev)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	f := newFixture(t)
	a := f.connect(f.user(t, "alice"))
	f.send(t, a, "dance", map[string]int{"x": 1}, 0)
	if got := drain(t, a); len(got) != 0 {
		t.Fatalf("frames = %v", got)
	}
}

func TestFullBufferDropsClient(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")
	a := f.connect(alice)
	for range sendBuffer {
		f.hub.sendTo(a, wire.EventError, wire.ServerError{Message: "x"})
	}
	f.hub.sendTo(a, wire.EventError, wire.ServerError{Message: "overflow"})

	if _, ok := f.hub.clients[a]; ok {
		t.Fatal("client still registered")
	}
	if _, ok := f.hub.rooms[userRoom(alice.ID)]; ok {
		t.Fatal("user room kept after drop")
	}
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"<b>bold</b> it's", "bold it's"},
		{"a < b & c", "a < b & c"},
		{"<script>alert(1)</script>hi", "hi"},
		{"  spaced  ", "spaced"},
		{"&lt;i&gt;x&lt;/i&gt;", "x"},
	}
	for _, tt := range tests {
		if got := SanitizeText(tt.in); got != tt.want {
			t.Errorf("SanitizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
