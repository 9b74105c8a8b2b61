// Package relay is the reference KRONOS server: websocket fan-out by room,
// message persistence, DM channels and authoritative Battleship matches.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kronos/internal/battleship"
	"kronos/internal/metrics"
	"kronos/internal/user"
	"kronos/internal/wire"
)

// EventsChannel is the Redis pub/sub channel relay instances share.
const EventsChannel = "kronos:events"

func channelRoom(id string) string { return "channel:" + id }

func userRoom(id string) string { return "user:" + id }

// envelope is what travels over Redis: a frame addressed to a room.
type envelope struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

type inbound struct {
	client *Client
	frame  wire.Frame
}

// game is a match plus the connections watching it. Matches are held by
// the instance the players connect to.
type game struct {
	match    *battleship.Match
	clients  map[*Client]bool
	away     map[string]bool
	profiles map[string]wire.User
}

type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	games      map[string]*game
	broadcast  chan envelope // From Redis or HTTP handlers -> clients
	Register   chan *Client
	Unregister chan *Client
	inbound    chan inbound // Client frames -> hub
	done       chan struct{}

	redis   *redis.Client
	store   Store
	users   user.Store
	fleet   battleship.Fleet
	timeout time.Duration
	log     zerolog.Logger
}

// NewHub builds a hub. With a nil redis client rooms are delivered to
// local connections only.
func NewHub(redisClient *redis.Client, store Store, users user.Store, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		games:      make(map[string]*game),
		broadcast:  make(chan envelope, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		done:       make(chan struct{}),
		redis:      redisClient,
		store:      store,
		users:      users,
		fleet:      battleship.DefaultFleet,
		timeout:    5 * time.Second,
		log:        logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.removeClient(c)
			}
			return

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)

		case in := <-h.inbound:
			h.handle(ctx, in.client, in.frame)

		case env := <-h.broadcast:
			h.fanout(env.Room, env.Frame)
		}
	}
}

// SubscribeToRedis forwards frames published by every relay instance,
// this one included, to local connections.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, EventsChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn().Err(err).Msg("bad envelope from redis")
				continue
			}
			select {
			case h.broadcast <- env:
			case <-h.done:
				return
			}
		}
	}
}

func (h *Hub) dispatch(c *Client, f wire.Frame) bool {
	select {
	case h.inbound <- inbound{client: c, frame: f}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// Broadcast delivers a frame to a room from outside the hub loop.
func (h *Hub) Broadcast(ctx context.Context, room string, event string, v any) error {
	f, err := wire.NewFrame(event, v)
	if err != nil {
		return err
	}
	raw, err := f.Marshal()
	if err != nil {
		return err
	}
	if h.redis != nil {
		return h.publishRedis(ctx, envelope{Room: room, Frame: raw})
	}
	select {
	case h.broadcast <- envelope{Room: room, Frame: raw}:
		return nil
	case <-h.done:
		return errors.New("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) publishRedis(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.redis.Publish(ctx, EventsChannel, payload).Err()
}

func (h *Hub) addClient(c *Client) {
	if c.rooms == nil {
		c.rooms = make(map[string]bool)
	}
	if c.games == nil {
		c.games = make(map[string]bool)
	}
	h.clients[c] = true
	h.join(c, userRoom(c.UserID))
	metrics.RelayConnections.Inc()
	h.log.Debug().Str("user_id", c.UserID).Msg("client registered")
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	for code := range c.games {
		h.leaveGame(c, code)
	}
	for room := range c.rooms {
		h.leave(c, room)
	}
	delete(h.clients, c)
	close(c.Send)
	metrics.RelayConnections.Dec()
	h.log.Debug().Str("user_id", c.UserID).Msg("client unregistered")
}

func (h *Hub) join(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = true
}

func (h *Hub) leave(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) fanout(room string, raw []byte) {
	for c := range h.rooms[room] {
		h.write(c, raw)
	}
}

// write queues raw for c, dropping the connection when its buffer is full.
func (h *Hub) write(c *Client, raw []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.Send <- raw:
	default:
		h.log.Warn().Str("user_id", c.UserID).Msg("send buffer full, dropping client")
		h.removeClient(c)
	}
}

func (h *Hub) sendTo(c *Client, event string, v any) {
	f, err := wire.NewFrame(event, v)
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	raw, err := f.Marshal()
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	h.write(c, raw)
}

// reply answers an ack request; frames without one are left unanswered.
func (h *Hub) reply(c *Client, req wire.Frame, v any) {
	if !req.WantsAck() {
		return
	}
	f, err := wire.ReplyTo(req, v)
	if err != nil {
		h.log.Error().Err(err).Msg("encode reply")
		return
	}
	raw, err := f.Marshal()
	if err != nil {
		h.log.Error().Err(err).Msg("encode reply")
		return
	}
	h.write(c, raw)
}

// publish delivers to a room from inside the hub loop.
func (h *Hub) publish(ctx context.Context, room, event string, v any) {
	f, err := wire.NewFrame(event, v)
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	raw, err := f.Marshal()
	if err != nil {
		h.log.Error().Err(err).Msg("encode frame")
		return
	}
	if h.redis == nil {
		h.fanout(room, raw)
		return
	}
	if err := h.publishRedis(ctx, envelope{Room: room, Frame: raw}); err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("redis publish failed")
	}
}

var errUnknownEvent = errors.New("unknown event")

func (h *Hub) handle(ctx context.Context, c *Client, f wire.Frame) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var err error
	event := f.Event
	switch f.Event {
	case wire.EventJoinChannel:
		err = h.onJoinChannel(ctx, c, f)
	case wire.EventSendMessage:
		err = h.onSendMessage(ctx, c, f)
	case wire.EventEditMessage:
		err = h.onEditMessage(ctx, c, f)
	case wire.EventTyping:
		err = h.onTyping(ctx, c, f)
	case wire.EventBSJoin:
		err = h.onBSJoin(ctx, c, f)
	case wire.EventBSPlace:
		err = h.onBSPlace(c, f)
	case wire.EventPlayerReady:
		err = h.onPlayerReady(c, f)
	case wire.EventBSFire:
		err = h.onBSFire(c, f)
	case wire.EventBSRematch:
		err = h.onBSRematch(c, f)
	case wire.EventBSChat:
		err = h.onBSChat(ctx, c, f)
	default:
		event = "unknown"
		err = errUnknownEvent
	}

	result := "ok"
	if err != nil {
		result = "error"
		h.log.Debug().Err(err).Str("event", f.Event).Str("user_id", c.UserID).Msg("event rejected")
	}
	metrics.RelayEvents.WithLabelValues(event, result).Inc()
}

func decode(f wire.Frame, v any) error {
	if len(f.Data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(f.Data, v)
}

// profile resolves a user for display, falling back to the bare id.
func (h *Hub) profile(ctx context.Context, userID string) wire.User {
	u, err := h.users.GetUser(ctx, userID)
	if err != nil {
		return wire.User{ID: userID}
	}
	return u.Wire()
}
