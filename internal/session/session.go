// Package session wires the chat components and the game to one
// transport and presents their changes to a Renderer. Every method must
// run on the loop goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"kronos/internal/battleship"
	"kronos/internal/chat"
	"kronos/internal/drafts"
	"kronos/internal/loop"
	"kronos/internal/metrics"
	"kronos/internal/transport"
	"kronos/internal/upload"
	"kronos/internal/wire"
)

const (
	defaultHistory = 50
	apiTimeout     = 15 * time.Second
)

var (
	ErrMuted    = errors.New("you are muted")
	ErrNoTarget = errors.New("no channel selected")
)

// Renderer is the presentation layer. Callbacks name what changed; the
// renderer reads the current state back from the session.
type Renderer interface {
	MessagesChanged(key string)
	UnreadChanged(channelID string)
	TypingChanged(channelID string)
	ConversationsChanged()
	ChannelsChanged()
	GameChanged(code string)
	ConnectionChanged(state transport.State)
	Notice(text string)
	Fatal(reason string)
}

// Transport is the event channel to the relay.
type Transport interface {
	Emit(event string, payload any, ack func(json.RawMessage)) error
	OnFrame(handler func(wire.Frame))
	OnState(handler func(transport.State))
	Close() error
}

// API is the HTTP side of the relay.
type API interface {
	Channels(ctx context.Context) ([]wire.Channel, error)
	History(ctx context.Context, channelID string, limit int) ([]wire.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	Conversations(ctx context.Context) ([]wire.DMUpdated, error)
}

type Options struct {
	Self         chat.User
	Transport    Transport
	API          API
	Uploader     chat.Uploader
	Drafts       drafts.Store
	Scheduler    loop.Scheduler
	Renderer     Renderer
	AckTimeout   time.Duration
	HistoryLimit int
	Logger       zerolog.Logger
}

type Session struct {
	self     chat.User
	sched    loop.Scheduler
	conn     Transport
	api      API
	renderer Renderer
	log      zerolog.Logger
	limit    int

	Pipeline      *chat.Pipeline
	Unread        *chat.Unread
	Conversations *chat.Conversations
	Typing        *chat.Typing

	channels  []chat.Channel
	active    chat.Destination
	loaded    map[string]chat.Destination
	game      *battleship.Session
	muteUntil time.Time
	connected bool
	everUp    bool
	closed    bool
}

func New(opts Options) *Session {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistory
	}
	s := &Session{
		self:     opts.Self,
		sched:    opts.Scheduler,
		conn:     opts.Transport,
		api:      opts.API,
		renderer: opts.Renderer,
		log:      opts.Logger.With().Str("component", "session").Logger(),
		limit:    opts.HistoryLimit,
		loaded:   make(map[string]chat.Destination),
	}
	emitter := guardedEmitter{s}

	s.Pipeline = chat.NewPipeline(chat.PipelineOptions{
		Self:       opts.Self,
		AckTimeout: opts.AckTimeout,
		Emitter:    emitter,
		Scheduler:  opts.Scheduler,
		Uploader:   opts.Uploader,
		Deleter:    opts.API,
		Drafts:     opts.Drafts,
		Observer:   s,
		Logger:     opts.Logger,
	})
	s.Unread = chat.NewUnread(opts.Self)
	s.Conversations = chat.NewConversations()
	s.Typing = chat.NewTyping(emitter, opts.Scheduler, opts.Self.ID, opts.Logger)

	s.Unread.OnChange(s.renderer.UnreadChanged)
	s.Typing.OnChange(s.renderer.TypingChanged)
	s.Pipeline.OnBind(func(userID, channelID string) {
		s.Conversations.Bind(userID, channelID)
		s.Unread.MarkDirect(channelID)
		if s.active.TargetUserID == userID && s.active.ChannelID != channelID {
			s.active = s.active.WithChannel(channelID)
			s.Unread.OnChannelSelected(channelID)
		}
		s.renderer.ConversationsChanged()
	})

	s.conn.OnFrame(s.Dispatch)
	s.conn.OnState(s.onState)
	return s
}

// guardedEmitter refuses to emit once the session is closed.
type guardedEmitter struct{ s *Session }

func (g guardedEmitter) Emit(event string, payload any, ack func(json.RawMessage)) error {
	if g.s.closed {
		return transport.ErrClosed
	}
	return g.s.conn.Emit(event, payload, ack)
}

// MessagesChanged and Notice let the session observe the pipeline and the
// game.
func (s *Session) MessagesChanged(key string) { s.renderer.MessagesChanged(key) }

func (s *Session) Notice(text string) { s.renderer.Notice(text) }

func (s *Session) GameChanged(code string) { s.renderer.GameChanged(code) }

func (s *Session) Self() chat.User { return s.self }

func (s *Session) Closed() bool { return s.closed }

func (s *Session) Connected() bool { return s.connected }

func (s *Session) Active() chat.Destination { return s.active }

// ActiveKey is the list key of the selected destination.
func (s *Session) ActiveKey() string { return s.Pipeline.KeyFor(s.active) }

func (s *Session) Channels() []chat.Channel {
	return append([]chat.Channel(nil), s.channels...)
}

func (s *Session) Game() *battleship.Session { return s.game }

// MutedUntil is the zero time when not muted.
func (s *Session) MutedUntil() time.Time {
	if s.sched.Now().Before(s.muteUntil) {
		return s.muteUntil
	}
	return time.Time{}
}

// Load fetches channels and DM conversations.
func (s *Session) Load() {
	var (
		channels []wire.Channel
		convs    []wire.DMUpdated
		chErr    error
		convErr  error
	)
	s.sched.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()
		channels, chErr = s.api.Channels(ctx)
		convs, convErr = s.api.Conversations(ctx)
	}, func() {
		if chErr != nil {
			s.log.Warn().Err(chErr).Msg("load channels failed")
			s.renderer.Notice("could not load channels: " + chErr.Error())
		} else {
			s.setChannels(channels)
		}
		if convErr != nil {
			s.log.Warn().Err(convErr).Msg("load conversations failed")
		} else {
			s.applyConversations(convs)
		}
	})
}

func (s *Session) setChannels(channels []wire.Channel) {
	s.channels = s.channels[:0]
	for _, c := range channels {
		if c.Type == wire.ChannelDM {
			continue
		}
		s.channels = append(s.channels, chat.ChannelFromWire(c))
	}
	sort.SliceStable(s.channels, func(i, j int) bool {
		if s.channels[i].Category != s.channels[j].Category {
			return s.channels[i].Category < s.channels[j].Category
		}
		return s.channels[i].Name < s.channels[j].Name
	})
	if s.connected {
		s.joinChannels()
	}
	s.renderer.ChannelsChanged()
}

func (s *Session) applyConversations(convs []wire.DMUpdated) {
	now := s.sched.Now()
	for _, c := range convs {
		s.Conversations.OnUpdated(c, now)
		if c.Channel.ID != "" {
			s.Pipeline.Bind(c.OtherUser.ID, c.Channel.ID)
			s.Unread.MarkDirect(c.Channel.ID)
		}
	}
	s.renderer.ConversationsChanged()
}

func (s *Session) joinChannels() {
	for _, c := range s.channels {
		if err := s.conn.Emit(wire.EventJoinChannel, wire.JoinChannel{ChannelID: c.ID}, nil); err != nil {
			s.log.Warn().Err(err).Str("channel_id", c.ID).Msg("join failed")
		}
	}
}

func (s *Session) onState(st transport.State) {
	s.renderer.ConnectionChanged(st)
	if st != transport.Connected {
		s.connected = false
		return
	}
	s.connected = true
	s.joinChannels()
	if !s.everUp {
		s.everUp = true
		return
	}

	s.log.Info().Int("lists", len(s.loaded)).Msg("reconnected, resyncing")
	for _, dest := range s.loaded {
		s.fetchHistory(dest, true)
	}
	if s.game != nil {
		if err := s.game.Join(); err != nil {
			s.log.Warn().Err(err).Msg("game rejoin failed")
		}
	}
}

// Select makes dest the active destination, resets its unread state and
// loads its history. It returns the saved draft.
func (s *Session) Select(dest chat.Destination) string {
	if dest.Direct() && !dest.Bound() {
		if conv, ok := s.Conversations.ByUser(dest.TargetUserID); ok && conv.Channel != nil {
			dest = dest.WithChannel(conv.Channel.ID)
		}
	}
	if active, ok := s.Typing.Active(); ok && active != dest.ChannelID {
		s.Typing.Stop()
	}
	s.active = dest
	s.Unread.OnChannelSelected(dest.ChannelID)
	if dest.Bound() {
		s.fetchHistory(dest, false)
	}
	return s.Pipeline.Draft(dest)
}

// OpenDirect selects a DM with u, reserving the conversation locally when
// it has no channel yet.
func (s *Session) OpenDirect(u chat.User) string {
	s.Conversations.Reserve(u, s.sched.Now())
	s.renderer.ConversationsChanged()
	return s.Select(chat.DirectDestination(u.ID))
}

// fetchHistory loads history for dest. After a reconnect the messages
// that were missed are counted as unread.
func (s *Session) fetchHistory(dest chat.Destination, resync bool) {
	channelID := dest.ChannelID
	var (
		history []wire.Message
		err     error
	)
	s.sched.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()
		history, err = s.api.History(ctx, channelID, s.limit)
	}, func() {
		if err != nil {
			s.log.Warn().Err(err).Str("channel_id", channelID).Msg("history failed")
			if !resync {
				s.renderer.Notice("could not load history: " + err.Error())
			}
			return
		}
		s.loaded[channelID] = dest
		added := s.Pipeline.LoadHistory(dest, history)
		if resync {
			s.Unread.Resync(channelID, added)
		}
	})
}

// Submit sends text (and files) to the active destination, or submits the
// pending edit when one is open.
func (s *Session) Submit(text string, files []upload.File, replyToID string) (string, error) {
	if s.closed {
		return "", transport.ErrClosed
	}
	if until := s.MutedUntil(); !until.IsZero() {
		return "", fmt.Errorf("%w until %s", ErrMuted, until.Format(time.Kitchen))
	}
	if _, editing := s.Pipeline.Editing(); editing {
		return "", s.Pipeline.SubmitEdit(text)
	}
	if !s.active.Bound() && !s.active.Direct() {
		return "", ErrNoTarget
	}
	s.Typing.Stop()
	return s.Pipeline.Send(s.active, text, files, replyToID), nil
}

// Keystroke records composer input: it drives the typing indicator and
// saves the draft.
func (s *Session) Keystroke(text string) {
	if s.closed {
		return
	}
	if s.active.Bound() && text != "" {
		s.Typing.Keystroke(s.active.ChannelID)
	}
	s.Pipeline.SaveDraft(s.active, text)
}

func (s *Session) Retry(clientID string) (string, error) {
	if s.closed {
		return "", transport.ErrClosed
	}
	return s.Pipeline.Retry(clientID)
}

func (s *Session) RetryAttachment(clientID string, index int) error {
	if s.closed {
		return transport.ErrClosed
	}
	return s.Pipeline.RetryAttachment(clientID, index)
}

func (s *Session) Delete(messageID string) error {
	if s.closed {
		return transport.ErrClosed
	}
	s.Pipeline.Delete(messageID)
	return nil
}

// OpenGame joins the coded game, replacing any game already open.
func (s *Session) OpenGame(code string, spectator bool) (*battleship.Session, error) {
	if s.closed {
		return nil, transport.ErrClosed
	}
	s.game = battleship.NewSession(battleship.SessionOptions{
		Code:      code,
		SelfID:    s.self.ID,
		Spectator: spectator,
		Emitter:   guardedEmitter{s},
		Scheduler: s.sched,
		Observer:  s,
		Logger:    s.log,
	})
	if err := s.game.Join(); err != nil {
		return nil, err
	}
	s.renderer.GameChanged(code)
	return s.game, nil
}

func (s *Session) CloseGame() {
	if s.game == nil {
		return
	}
	code := s.game.Code()
	s.game = nil
	s.renderer.GameChanged(code)
}

// Close stops typing and shuts the transport.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.Typing.Stop()
	s.closed = true
	return s.conn.Close()
}

// Dispatch decodes one inbound frame and applies it.
func (s *Session) Dispatch(f wire.Frame) {
	ev, err := wire.Decode(f)
	if err != nil {
		metrics.FramesDropped.Inc()
		s.log.Warn().Err(err).Str("event", f.Event).Msg("undecodable event")
		return
	}
	s.Apply(ev)
}

// Apply routes one server event to the component that owns it.
func (s *Session) Apply(ev wire.Event) {
	if s.closed {
		return
	}
	switch e := ev.(type) {
	case wire.NewMessage:
		s.onNewMessage(e.Message)
	case wire.MessageEdited:
		s.Pipeline.ApplyEdit(e.Message)
	case wire.MessageDeleted:
		s.Pipeline.Remove(e.MessageID, e.ChannelID)
		s.Unread.OnMessageDeleted(e.MessageID, e.ChannelID)
	case wire.UserTyping:
		s.Typing.OnUserTyping(e)
	case wire.DMCreated:
		s.Conversations.OnCreated(e, s.sched.Now())
		s.bindDirect(e.OtherUser.ID, e.Channel.ID)
	case wire.DMUpdated:
		s.Conversations.OnUpdated(e, s.sched.Now())
		s.bindDirect(e.OtherUser.ID, e.Channel.ID)
	case wire.BSState, wire.BSStart, wire.FireResult, wire.BSIdentity,
		wire.BSError, wire.BSChat, wire.OpponentLeft, wire.OpponentJoined:
		if s.game != nil {
			s.game.Apply(e)
		}
	case wire.Kicked:
		s.fatal("kicked", e.Reason)
	case wire.Banned:
		s.fatal("banned", e.Reason)
	case wire.MuteState:
		s.applyMute(e)
	case wire.ServerError:
		s.renderer.Notice(e.Message)
	case wire.Unknown:
		s.log.Debug().Str("event", e.Name).Msg("ignoring unknown event")
	}
}

func (s *Session) onNewMessage(w wire.Message) {
	m, isNew := s.Pipeline.Receive(w)
	if s.Conversations.Touch(m.ChannelID, m.CreatedAt, m.Content) {
		s.renderer.ConversationsChanged()
	}
	if isNew {
		s.Unread.OnMessageArrived(m)
	}
}

func (s *Session) bindDirect(userID, channelID string) {
	if channelID != "" {
		s.Pipeline.Bind(userID, channelID)
		s.Unread.MarkDirect(channelID)
	}
	s.renderer.ConversationsChanged()
}

func (s *Session) applyMute(e wire.MuteState) {
	if e.MuteUntil == nil {
		s.muteUntil = time.Time{}
		s.renderer.Notice("You are no longer muted")
		return
	}
	s.muteUntil = time.Unix(*e.MuteUntil, 0)
	s.renderer.Notice("You are muted until " + s.muteUntil.Format(time.Kitchen))
}

// fatal ends the session: the renderer is told once and every later
// action fails with transport.ErrClosed.
func (s *Session) fatal(kind, reason string) {
	text := kind
	if reason != "" {
		text += ": " + reason
	}
	s.log.Warn().Str("reason", text).Msg("session ended by server")
	s.closed = true
	s.renderer.Fatal(text)
	if err := s.conn.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close transport")
	}
}
