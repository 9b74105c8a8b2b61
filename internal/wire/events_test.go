package wire

import (
	"encoding/json"
	"testing"
)

func TestDecodeKnownEvents(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		check func(t *testing.T, ev Event)
	}{
		{
			name:  "new message keeps client id",
			event: EventNewMessage,
			data:  `{"id":"m1","channel_id":"c1","content":"hi","client_id":"cid","author":{"id":"u1","username":"ana"}}`,
			check: func(t *testing.T, ev Event) {
				m, ok := ev.(NewMessage)
				if !ok {
					t.Fatalf("got %T, want NewMessage", ev)
				}
				if m.ID != "m1" || m.ClientID != "cid" || m.AuthorID() != "u1" {
					t.Fatalf("unexpected message %+v", m.Message)
				}
			},
		},
		{
			name:  "fire result",
			event: EventFireResult,
			data:  `{"code":"ABC","x":3,"y":4,"hit":"hit","from":"p1","turn_id":"u2"}`,
			check: func(t *testing.T, ev Event) {
				r, ok := ev.(FireResult)
				if !ok {
					t.Fatalf("got %T, want FireResult", ev)
				}
				if r.X != 3 || r.Y != 4 || r.Hit != ShotHit || r.From != "p1" || r.TurnID != "u2" {
					t.Fatalf("unexpected result %+v", r)
				}
			},
		},
		{
			name:  "board cells",
			event: EventBSState,
			data:  `{"code":"ABC","status":"waiting","p1_board":[[{"s":1},{"s":3}]]}`,
			check: func(t *testing.T, ev Event) {
				s, ok := ev.(BSState)
				if !ok {
					t.Fatalf("got %T, want BSState", ev)
				}
				if len(s.P1Board) != 1 || s.P1Board[0][1].S != 3 {
					t.Fatalf("unexpected board %+v", s.P1Board)
				}
			},
		},
		{
			name:  "mute lifted",
			event: EventMuteState,
			data:  `{"mute_until":null}`,
			check: func(t *testing.T, ev Event) {
				m, ok := ev.(MuteState)
				if !ok {
					t.Fatalf("got %T, want MuteState", ev)
				}
				if m.MuteUntil != nil {
					t.Fatalf("expected nil mute, got %d", *m.MuteUntil)
				}
			},
		},
		{
			name:  "opponent left without data",
			event: EventOpponentLeft,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(OpponentLeft); !ok {
					t.Fatalf("got %T, want OpponentLeft", ev)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(Frame{Event: tt.event, Data: json.RawMessage(tt.data)})
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.EventName() != tt.event {
				t.Fatalf("event name %q, want %q", ev.EventName(), tt.event)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	ev, err := Decode(Frame{Event: "reaction_added", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := ev.(Unknown)
	if !ok {
		t.Fatalf("got %T, want Unknown", ev)
	}
	if u.Name != "reaction_added" {
		t.Fatalf("name %q", u.Name)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	if _, err := Decode(Frame{Event: EventFireResult, Data: json.RawMessage(`{"x":"nope"}`)}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEveryInboundEventDecodes(t *testing.T) {
	for _, name := range InboundEvents() {
		ev, err := Decode(Frame{Event: name})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, unknown := ev.(Unknown); unknown {
			t.Fatalf("%s decoded as Unknown", name)
		}
		if ev.EventName() != name {
			t.Fatalf("%s decoded as %s", name, ev.EventName())
		}
	}
}

func TestReplyToMirrorsRequest(t *testing.T) {
	req := Frame{Event: EventSendMessage, Ack: 7}
	if !req.WantsAck() {
		t.Fatal("request should want an ack")
	}
	rep, err := ReplyTo(req, SendAck{Status: StatusOK})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if rep.Ack != 7 || !rep.Reply || rep.Event != EventSendMessage {
		t.Fatalf("unexpected reply %+v", rep)
	}
	if rep.WantsAck() {
		t.Fatal("reply must not request another ack")
	}

	b, err := rep.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseFrame(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var ack SendAck
	if err := json.Unmarshal(back.Data, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if ack.Status != StatusOK {
		t.Fatalf("status %q", ack.Status)
	}
}

func TestParseFrameRequiresEvent(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for frame without event")
	}
}
