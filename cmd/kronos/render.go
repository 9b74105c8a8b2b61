package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"kronos/internal/battleship"
	"kronos/internal/chat"
	"kronos/internal/session"
	"kronos/internal/transport"
)

// terminal prints session changes as lines. It runs on the loop
// goroutine; out is shared with the prompt so writes are serialised.
type terminal struct {
	mu  sync.Mutex
	out io.Writer

	sess     *session.Session
	shown    map[string]string
	showGame bool
	fatal    chan string

	loaded     chan struct{}
	loadedOnce sync.Once
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{
		out:    out,
		shown:  make(map[string]string),
		fatal:  make(chan string, 1),
		loaded: make(chan struct{}),
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// MessagesChanged prints messages of the open list that are new or whose
// state changed since they were last shown.
func (t *terminal) MessagesChanged(key string) {
	if t.sess == nil || key != t.sess.ActiveKey() {
		return
	}
	self := t.sess.Self()
	for _, m := range t.sess.Pipeline.Messages(key) {
		id := m.ClientID
		if id == "" {
			id = m.ID
		}
		line := formatMessage(m, self)
		prev, seen := t.shown[id]
		t.shown[id] = line
		switch {
		case !seen:
			t.printf("%s\n", line)
		case prev != line && m.Status != chat.StatusConfirmed:
			t.printf("%s\n", line)
		case prev != line && m.Edited:
			t.printf("%s\n", line)
		}
	}
}

func (t *terminal) UnreadChanged(channelID string) {
	if t.sess == nil || channelID == t.sess.Active().ChannelID {
		return
	}
	st := t.sess.Unread.State(channelID)
	if st.Count == 0 {
		return
	}
	t.printf("  · %s: %s\n", t.destinationName(channelID), formatBadge(st))
}

func (t *terminal) TypingChanged(channelID string) {
	if t.sess == nil || channelID != t.sess.Active().ChannelID {
		return
	}
	if typers := t.sess.Typing.Typers(channelID); len(typers) > 0 {
		t.printf("  … %s typing\n", strings.Join(typers, ", "))
	}
}

func (t *terminal) ConversationsChanged() {}

func (t *terminal) ChannelsChanged() {
	if t.sess == nil {
		return
	}
	var names []string
	for _, c := range t.sess.Channels() {
		names = append(names, "#"+c.Name)
	}
	t.printf("channels: %s\n", strings.Join(names, " "))
	t.loadedOnce.Do(func() { close(t.loaded) })
}

func (t *terminal) GameChanged(code string) {
	if t.sess == nil || !t.showGame {
		return
	}
	if g := t.sess.Game(); g != nil && g.Code() == code {
		t.printf("%s", renderGame(g))
	}
}

func (t *terminal) ConnectionChanged(st transport.State) {
	t.printf("[%s]\n", st)
	if st == transport.Closed {
		t.Fatal("connection closed")
	}
}

func (t *terminal) Notice(text string) { t.printf("! %s\n", text) }

func (t *terminal) Fatal(reason string) {
	select {
	case t.fatal <- reason:
	default:
	}
}

// forget drops what was shown so the next list is printed in full.
func (t *terminal) forget() { t.shown = make(map[string]string) }

func (t *terminal) destinationName(channelID string) string {
	for _, c := range t.sess.Channels() {
		if c.ID == channelID {
			return "#" + c.Name
		}
	}
	if conv, ok := t.sess.Conversations.ByChannel(channelID); ok {
		return "@" + conv.OtherUser.Username
	}
	return channelID
}

func formatBadge(st chat.UnreadState) string {
	badge := fmt.Sprintf("%d unread", st.Count)
	if st.Mention {
		badge += ", mentioned"
	}
	return badge
}

func formatMessage(m chat.Message, self chat.User) string {
	var b strings.Builder
	b.WriteString(m.CreatedAt.Local().Format(time.Kitchen))
	b.WriteString(" ")

	author := m.AuthorID
	if m.Author != nil {
		author = m.Author.DisplayName
		if author == "" {
			author = m.Author.Username
		}
	}
	if m.AuthorID == self.ID {
		author = "you"
	}
	fmt.Fprintf(&b, "<%s> %s", author, m.Content)

	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " [%s %s", a.Kind, a.Name)
		if a.State == chat.Uploading {
			fmt.Fprintf(&b, " %d%%", int(a.Progress*100))
		} else if a.State == chat.UploadFailed {
			b.WriteString(" upload failed")
		}
		b.WriteString("]")
	}
	if m.Edited {
		b.WriteString(" (edited)")
	}
	switch m.Status {
	case chat.StatusPending:
		b.WriteString(" …")
	case chat.StatusFailed:
		fmt.Fprintf(&b, " ✗ failed, /retry %s", m.ClientID)
	}
	if m.ID != "" {
		fmt.Fprintf(&b, "  #%s", m.ID)
	}
	return b.String()
}

func renderGame(g *battleship.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "game %s  role=%s  status=%s", g.Code(), g.Role(), g.Status())
	switch {
	case g.Status() == battleship.StatusFinished:
		fmt.Fprintf(&b, "  winner=%s", g.Winner())
	case g.Status() == battleship.StatusInProgress && g.MyTurn():
		b.WriteString("  your turn")
	case g.OpponentAway():
		b.WriteString("  opponent away")
	}
	b.WriteString("\n")
	if size, ok := g.NextShip(); ok && g.Status() == battleship.StatusWaiting && g.Role().Player() {
		fmt.Fprintf(&b, "next ship: %d (%s)\n", size, g.Orientation())
	}
	own, opp := g.Own(), g.Opponent()
	b.WriteString(renderBoards(&own, &opp))
	for _, line := range g.Chat() {
		fmt.Fprintf(&b, "  [%s] %s: %s\n", line.From, line.Name, line.Message)
	}
	return b.String()
}

// renderBoards draws the two boards side by side, x across and y down.
func renderBoards(own, opp *battleship.Board) string {
	var b strings.Builder
	header := "   " + strings.Join(strings.Split("0123456789", ""), " ")
	fmt.Fprintf(&b, "%-24s%s\n", header, header)
	for y := 0; y < battleship.Size; y++ {
		left := fmt.Sprintf("%2d ", y)
		right := fmt.Sprintf("%2d ", y)
		for x := 0; x < battleship.Size; x++ {
			c := battleship.Coord{X: x, Y: y}
			left += cellGlyph(own.At(c)) + " "
			right += cellGlyph(opp.At(c)) + " "
		}
		fmt.Fprintf(&b, "%-24s%s\n", strings.TrimRight(left, " "), strings.TrimRight(right, " "))
	}
	return b.String()
}

func cellGlyph(c battleship.Cell) string {
	switch c {
	case battleship.Ship:
		return "#"
	case battleship.Hit:
		return "X"
	case battleship.Miss:
		return "o"
	}
	return "."
}
