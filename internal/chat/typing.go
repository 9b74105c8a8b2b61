package chat

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"kronos/internal/loop"
	"kronos/internal/wire"
)

const typingIdle = 3 * time.Second

// Typing debounces local typing notifications and tracks who else is
// typing per channel.
type Typing struct {
	emitter Emitter
	sched   loop.Scheduler
	self    string
	idle    time.Duration
	log     zerolog.Logger

	channel string
	stop    loop.Timer

	peers    map[string]map[string]*typingPeer
	onChange func(channelID string)
}

type typingPeer struct {
	name   string
	expiry loop.Timer
}

func NewTyping(emitter Emitter, sched loop.Scheduler, selfID string, logger zerolog.Logger) *Typing {
	return &Typing{
		emitter: emitter,
		sched:   sched,
		self:    selfID,
		idle:    typingIdle,
		log:     logger.With().Str("component", "typing").Logger(),
		peers:   make(map[string]map[string]*typingPeer),
	}
}

func (t *Typing) OnChange(fn func(channelID string)) {
	t.onChange = fn
}

// Keystroke emits typing:true once per burst and pushes the scheduled
// typing:false back to idle after the latest keystroke.
func (t *Typing) Keystroke(channelID string) {
	if channelID == "" {
		return
	}
	if t.channel != "" && t.channel != channelID {
		t.Stop()
	}
	if t.channel == "" {
		if err := t.emitter.Emit(wire.EventTyping, wire.Typing{ChannelID: channelID, Typing: true}, nil); err != nil {
			t.log.Debug().Err(err).Msg("typing start not sent")
			return
		}
		t.channel = channelID
	}
	if t.stop != nil {
		t.stop.Stop()
	}
	t.stop = t.sched.AfterFunc(t.idle, t.Stop)
}

// Stop ends the current burst immediately.
func (t *Typing) Stop() {
	if t.stop != nil {
		t.stop.Stop()
		t.stop = nil
	}
	if t.channel == "" {
		return
	}
	channel := t.channel
	t.channel = ""
	if err := t.emitter.Emit(wire.EventTyping, wire.Typing{ChannelID: channel, Typing: false}, nil); err != nil {
		t.log.Debug().Err(err).Msg("typing stop not sent")
	}
}

// Active reports the channel of the current burst.
func (t *Typing) Active() (string, bool) {
	return t.channel, t.channel != ""
}

// OnUserTyping applies a user_typing push. A typer drops out after the
// idle window unless refreshed.
func (t *Typing) OnUserTyping(ev wire.UserTyping) {
	if ev.UserID == "" || ev.UserID == t.self || ev.ChannelID == "" {
		return
	}
	peers := t.peers[ev.ChannelID]
	if !ev.IsTyping {
		if p, ok := peers[ev.UserID]; ok {
			p.expiry.Stop()
			delete(peers, ev.UserID)
			t.changed(ev.ChannelID)
		}
		return
	}
	if peers == nil {
		peers = make(map[string]*typingPeer)
		t.peers[ev.ChannelID] = peers
	}
	if p, ok := peers[ev.UserID]; ok {
		p.expiry.Stop()
	}
	name := ev.Username
	if name == "" {
		name = ev.UserID
	}
	channelID, userID := ev.ChannelID, ev.UserID
	peers[userID] = &typingPeer{
		name: name,
		expiry: t.sched.AfterFunc(t.idle, func() {
			t.OnUserTyping(wire.UserTyping{UserID: userID, ChannelID: channelID, IsTyping: false})
		}),
	}
	t.changed(channelID)
}

// Typers lists the names typing in a channel, sorted.
func (t *Typing) Typers(channelID string) []string {
	var names []string
	for _, p := range t.peers[channelID] {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}

func (t *Typing) changed(channelID string) {
	if t.onChange != nil {
		t.onChange(channelID)
	}
}
