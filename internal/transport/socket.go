// Package transport is the client side of the relay websocket: emits with
// ack callbacks, named event handlers and bounded reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kronos/internal/loop"
	"kronos/internal/metrics"
	"kronos/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	ErrClosed     = errors.New("transport closed")
	ErrBufferFull = errors.New("transport send buffer full")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "disconnected"
}

type Options struct {
	URL        string
	Header     http.Header
	MaxRetries int
	RetryDelay time.Duration
	Dialer     *websocket.Dialer
}

// Socket multiplexes named events over one websocket. Handlers, ack
// callbacks and state changes are delivered through the scheduler, so they
// run on the loop goroutine.
type Socket struct {
	opts  Options
	sched loop.Scheduler
	log   zerolog.Logger

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	frames   []func(wire.Frame)
	states   []func(State)
	pending  map[uint64]func(json.RawMessage)
	nextAck  uint64
	state    State

	send      chan []byte
	closing   chan struct{}
	closeOnce sync.Once
}

func New(opts Options, sched loop.Scheduler, logger zerolog.Logger) *Socket {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Socket{
		opts:     opts,
		sched:    sched,
		log:      logger.With().Str("component", "transport").Logger(),
		handlers: make(map[string][]func(json.RawMessage)),
		pending:  make(map[uint64]func(json.RawMessage)),
		send:     make(chan []byte, sendBuffer),
		closing:  make(chan struct{}),
	}
}

// On registers a handler for one event name.
func (s *Socket) On(event string, handler func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

// OnFrame registers a handler for every inbound non-reply frame.
func (s *Socket) OnFrame(handler func(wire.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, handler)
}

func (s *Socket) OnState(handler func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, handler)
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Emit queues an event. Frames queued while disconnected are written once
// the connection is back. A non-nil ack is called with the peer's reply.
func (s *Socket) Emit(event string, payload any, ack func(json.RawMessage)) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}

	f, err := wire.NewFrame(event, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if ack != nil {
		s.nextAck++
		f.Ack = s.nextAck
		s.pending[f.Ack] = ack
	}
	s.mu.Unlock()

	b, err := f.Marshal()
	if err != nil {
		s.dropAck(f.Ack)
		return fmt.Errorf("encode %s: %w", event, err)
	}

	select {
	case s.send <- b:
		return nil
	default:
		s.dropAck(f.Ack)
		return ErrBufferFull
	}
}

func (s *Socket) dropAck(id uint64) {
	if id == 0 {
		return
	}
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Connect dials once and, on success, keeps the connection alive in the
// background until Close or until reconnection gives up.
func (s *Socket) Connect(ctx context.Context) error {
	s.setState(Connecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(Disconnected)
		return err
	}
	go s.maintain(conn)
	return nil
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", s.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	return conn, nil
}

func (s *Socket) maintain(conn *websocket.Conn) {
	for {
		s.setState(Connected)
		s.serve(conn)

		select {
		case <-s.closing:
			return
		default:
		}

		conn = s.reconnect()
		if conn == nil {
			return
		}
		metrics.Reconnects.Inc()
	}
}

func (s *Socket) reconnect() *websocket.Conn {
	s.setState(Reconnecting)
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		select {
		case <-s.closing:
			return nil
		case <-time.After(s.opts.RetryDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.log.Info().Int("attempt", attempt).Msg("[WS] reconnected")
			return conn
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("[WS] reconnect failed")
	}
	s.log.Error().Int("attempts", s.opts.MaxRetries).Msg("[WS] giving up")
	s.shutdown()
	return nil
}

// serve runs the pumps for one connection and returns when it dies.
func (s *Socket) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	go s.writePump(conn, done)
	s.readPump(conn)
	close(done)
	conn.Close()
}

func (s *Socket) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("[WS] connection lost")
			}
			return
		}
		f, err := wire.ParseFrame(message)
		if err != nil {
			metrics.FramesDropped.Inc()
			s.log.Warn().Err(err).Msg("[WS] bad frame")
			continue
		}
		s.deliver(f)
	}
}

func (s *Socket) deliver(f wire.Frame) {
	if f.Reply {
		s.mu.Lock()
		ack, ok := s.pending[f.Ack]
		delete(s.pending, f.Ack)
		s.mu.Unlock()
		if !ok {
			s.log.Debug().Uint64("ack", f.Ack).Str("event", f.Event).Msg("[WS] reply without pending ack")
			return
		}
		data := f.Data
		s.sched.Post(func() { ack(data) })
		return
	}

	s.mu.Lock()
	named := append([]func(json.RawMessage){}, s.handlers[f.Event]...)
	frames := append([]func(wire.Frame){}, s.frames...)
	s.mu.Unlock()

	s.sched.Post(func() {
		for _, h := range named {
			h(f.Data)
		}
		for _, h := range frames {
			h(f)
		}
	})
}

func (s *Socket) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn().Err(err).Msg("[WS] write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-s.closing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = st
	handlers := append([]func(State){}, s.states...)
	s.mu.Unlock()

	s.sched.Post(func() {
		for _, h := range handlers {
			h(st)
		}
	})
}

func (s *Socket) shutdown() {
	s.setState(Closed)
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	s.pending = make(map[uint64]func(json.RawMessage))
	s.mu.Unlock()
}

// Close stops reconnection and closes the current connection. Pending ack
// callbacks are dropped.
func (s *Socket) Close() error {
	s.shutdown()
	return nil
}
