package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"kronos/internal/battleship"
	"kronos/internal/chat"
)

func TestFormatMessage(t *testing.T) {
	self := chat.User{ID: "u1", Username: "alice"}
	at := time.Date(2026, 5, 4, 9, 30, 0, 0, time.Local)

	tests := []struct {
		name string
		msg  chat.Message
		want []string
	}{
		{
			name: "own confirmed",
			msg:  chat.Message{ID: "m1", AuthorID: "u1", Content: "hi", CreatedAt: at, Status: chat.StatusConfirmed},
			want: []string{"9:30AM", "<you> hi", "#m1"},
		},
		{
			name: "peer edited",
			msg: chat.Message{ID: "m2", AuthorID: "u2", Author: &chat.User{ID: "u2", Username: "bob"},
				Content: "fixed", CreatedAt: at, Edited: true},
			want: []string{"<bob> fixed", "(edited)"},
		},
		{
			name: "failed keeps retry hint",
			msg:  chat.Message{ClientID: "c-9", AuthorID: "u1", Content: "lost", CreatedAt: at, Status: chat.StatusFailed},
			want: []string{"failed, /retry c-9"},
		},
		{
			name: "uploading attachment",
			msg: chat.Message{ClientID: "c-1", AuthorID: "u1", CreatedAt: at, Status: chat.StatusPending,
				Attachments: []chat.Attachment{{Name: "cat.png", Kind: "image", State: chat.Uploading, Progress: 0.5}}},
			want: []string{"[image cat.png 50%]", "…"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatMessage(tt.msg, self)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("%q missing %q", got, w)
				}
			}
		})
	}
}

func TestRenderBoards(t *testing.T) {
	var own, opp battleship.Board
	own.Set(battleship.Coord{X: 0, Y: 0}, battleship.Ship)
	own.Set(battleship.Coord{X: 1, Y: 0}, battleship.Hit)
	opp.Set(battleship.Coord{X: 9, Y: 9}, battleship.Miss)

	lines := strings.Split(strings.TrimRight(renderBoards(&own, &opp), "\n"), "\n")
	if len(lines) != battleship.Size+1 {
		t.Fatalf("got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[1], " 0 # X .") {
		t.Fatalf("row 0 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[10], ". . o") {
		t.Fatalf("row 9 = %q", lines[10])
	}
}

func TestParseCoord(t *testing.T) {
	tests := []struct {
		in      string
		want    battleship.Coord
		wantErr error
	}{
		{"3 4", battleship.Coord{X: 3, Y: 4}, nil},
		{"3,4", battleship.Coord{X: 3, Y: 4}, nil},
		{"10 0", battleship.Coord{}, battleship.ErrOutOfBounds},
	}
	for _, tt := range tests {
		got, err := parseCoord(tt.in)
		if !errors.Is(err, tt.wantErr) || got != tt.want {
			t.Fatalf("parseCoord(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := parseCoord("a b"); err == nil {
		t.Fatal("accepted letters")
	}
}

func TestFormatBadge(t *testing.T) {
	if got := formatBadge(chat.UnreadState{Count: 2, Mention: true}); got != "2 unread, mentioned" {
		t.Fatalf("badge = %q", got)
	}
}
