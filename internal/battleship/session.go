package battleship

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"kronos/internal/loop"
	"kronos/internal/metrics"
	"kronos/internal/wire"
)

const defaultReadyTimeout = 5 * time.Second

var (
	ErrFleetComplete = errors.New("every ship is already placed")
	ErrIncomplete    = errors.New("fleet is not fully placed")
	ErrLocked        = errors.New("ready already submitted")
	ErrOpponentAway  = errors.New("opponent is away")
	ErrTurnConsumed  = errors.New("waiting for the shot result")
)

type Emitter interface {
	Emit(event string, payload any, ack func(json.RawMessage)) error
}

type Observer interface {
	GameChanged(code string)
	Notice(text string)
}

type ChatLine struct {
	From    Role
	Name    string
	Message string
}

type SessionOptions struct {
	Code         string
	SelfID       string
	Spectator    bool
	Fleet        Fleet
	ReadyTimeout time.Duration
	Emitter      Emitter
	Scheduler    loop.Scheduler
	Observer     Observer
	Logger       zerolog.Logger
}

// Session is one client's view of a coded game. Every transition past
// placement comes from the server; local actions only gate and emit.
type Session struct {
	code         string
	self         string
	spectator    bool
	fleet        Fleet
	readyTimeout time.Duration
	emitter      Emitter
	sched        loop.Scheduler
	obs          Observer
	log          zerolog.Logger

	role         Role
	status       Status
	turnID       string
	consumed     bool
	opponentAway bool
	winner       Role

	orient  Orientation
	ships   [][]Coord
	own     Board
	opp     Board
	locked  bool
	ready   bool
	attempt int
	timer   loop.Timer

	p1, p2      *wire.User
	left, right *wire.User
	chat        []ChatLine
}

func NewSession(opts SessionOptions) *Session {
	if len(opts.Fleet) == 0 {
		opts.Fleet = DefaultFleet
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	s := &Session{
		code:         opts.Code,
		self:         opts.SelfID,
		spectator:    opts.Spectator,
		fleet:        opts.Fleet,
		readyTimeout: opts.ReadyTimeout,
		emitter:      opts.Emitter,
		sched:        opts.Scheduler,
		obs:          opts.Observer,
		log:          opts.Logger.With().Str("component", "battleship").Str("code", opts.Code).Logger(),
		status:       StatusWaiting,
	}
	if opts.Spectator {
		s.role = RoleSpectator
	}
	return s
}

func (s *Session) Code() string             { return s.code }
func (s *Session) Role() Role               { return s.role }
func (s *Session) Status() Status           { return s.status }
func (s *Session) TurnID() string           { return s.turnID }
func (s *Session) Winner() Role             { return s.winner }
func (s *Session) OpponentAway() bool       { return s.opponentAway }
func (s *Session) Orientation() Orientation { return s.orient }
func (s *Session) Locked() bool             { return s.locked }
func (s *Session) IsReady() bool            { return s.ready }
func (s *Session) Own() Board               { return s.own }
func (s *Session) Opponent() Board          { return s.opp }

func (s *Session) Chat() []ChatLine {
	return append([]ChatLine(nil), s.chat...)
}

// Identity is the left/right pairing the server chose for display.
func (s *Session) Identity() (left, right *wire.User) { return s.left, s.right }

// MyTurn reports whether the turn gate is open right now.
func (s *Session) MyTurn() bool {
	return s.role.Player() && s.status == StatusInProgress && s.turnID == s.self &&
		!s.opponentAway && !s.consumed
}

// Join asks the server for the current state of the game.
func (s *Session) Join() error {
	return s.emitter.Emit(wire.EventBSJoin, wire.BSJoin{Code: s.code, Spectator: s.spectator}, nil)
}

func (s *Session) Rotate() {
	s.orient = s.orient.Toggle()
	s.changed()
}

// NextShip is the size of the next ship to place.
func (s *Session) NextShip() (int, bool) {
	if len(s.ships) >= len(s.fleet) {
		return 0, false
	}
	return s.fleet[len(s.ships)], true
}

func (s *Session) placeable() error {
	if s.role == RoleSpectator {
		return ErrSpectator
	}
	if s.status != StatusWaiting {
		return ErrNotWaiting
	}
	if s.locked || s.ready {
		return ErrLocked
	}
	return nil
}

// Place commits the next ship of the fleet at origin in the current
// orientation. Ships cannot be removed once placed.
func (s *Session) Place(origin Coord) error {
	if err := s.placeable(); err != nil {
		return err
	}
	size, ok := s.NextShip()
	if !ok {
		return ErrFleetComplete
	}
	cells, err := s.own.Place(origin, size, s.orient)
	if err != nil {
		return err
	}
	s.ships = append(s.ships, cells)
	s.changed()
	return nil
}

// AutoPlace lays out the whole fleet at random. It only works before the
// first ship is placed.
func (s *Session) AutoPlace(rng *rand.Rand) error {
	if err := s.placeable(); err != nil {
		return err
	}
	if len(s.ships) > 0 {
		return errors.New("ships already placed")
	}
	b, ships, err := AutoPlace(rng, s.fleet)
	if err != nil {
		return err
	}
	s.own, s.ships = b, ships
	s.changed()
	return nil
}

// CanReady is true once every ship of the fleet is on the board.
func (s *Session) CanReady() bool {
	return s.placeable() == nil && len(s.ships) == len(s.fleet) && s.own.ShipCells() == s.fleet.Cells()
}

// Ready submits the board. It locks immediately; a rejection or a missing
// answer unlocks again and keeps the ships.
func (s *Session) Ready() error {
	if err := s.placeable(); err != nil {
		return err
	}
	if !s.CanReady() {
		return ErrIncomplete
	}
	if err := s.emitter.Emit(wire.EventBSPlace, wire.BSPlace{Code: s.code, Board: s.own.Grid()}, nil); err != nil {
		return err
	}

	s.attempt++
	attempt := s.attempt
	req := wire.PlayerReady{GameID: s.code, PlayerID: s.self, FleetArray: s.fleetArray()}
	err := s.emitter.Emit(wire.EventPlayerReady, req, func(raw json.RawMessage) {
		s.readyAnswered(attempt, raw)
	})
	if err != nil {
		return err
	}
	s.locked = true
	s.timer = s.sched.AfterFunc(s.readyTimeout, func() {
		if s.attempt != attempt || !s.locked || s.ready {
			return
		}
		s.locked = false
		s.log.Warn().Msg("ready not acknowledged")
		s.notice("The server did not confirm your fleet, try again")
		s.changed()
	})
	s.changed()
	return nil
}

func (s *Session) fleetArray() []wire.FleetShip {
	out := make([]wire.FleetShip, 0, len(s.ships))
	for i, ship := range s.ships {
		entry := wire.FleetShip{ShipType: shipType(i, len(ship))}
		for _, c := range ship {
			entry.Coords = append(entry.Coords, [2]int{c.X, c.Y})
		}
		out = append(out, entry)
	}
	return out
}

func shipType(index, size int) string {
	switch size {
	case 5:
		return "carrier"
	case 4:
		return "battleship"
	case 3:
		if index == 2 {
			return "cruiser"
		}
		return "submarine"
	case 2:
		return "destroyer"
	}
	return "ship"
}

func (s *Session) readyAnswered(attempt int, raw json.RawMessage) {
	var ack wire.ReadyAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		ack = wire.ReadyAck{Error: "malformed answer"}
	}
	// A retry after a lost ack finds the fleet already accepted.
	if ack.OK || ack.Error == ErrAlreadyReady.Error() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.ready = true
		s.locked = true
		s.changed()
		return
	}
	if attempt != s.attempt || !s.locked {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.locked = false
	msg := ack.Error
	if msg == "" {
		msg = "Fleet rejected, check your ships"
	}
	s.notice(msg)
	s.changed()
}

// Fire shoots at the opponent board. Rejected shots emit nothing.
func (s *Session) Fire(at Coord) error {
	switch {
	case !s.role.Player():
		return ErrSpectator
	case s.status != StatusInProgress:
		return ErrNotInProgress
	case s.opponentAway:
		return ErrOpponentAway
	case s.turnID != s.self:
		return ErrNotYourTurn
	case s.consumed:
		return ErrTurnConsumed
	case !at.In():
		return ErrOutOfBounds
	case s.opp.At(at).Resolved():
		return ErrAlreadyResolved
	}
	if err := s.emitter.Emit(wire.EventBSFire, wire.BSFire{Code: s.code, X: at.X, Y: at.Y}, nil); err != nil {
		return err
	}
	s.consumed = true
	metrics.ShotsFired.Inc()
	s.changed()
	return nil
}

func (s *Session) Rematch() error {
	if !s.role.Player() {
		return ErrSpectator
	}
	if s.status != StatusFinished {
		return ErrNotFinished
	}
	return s.emitter.Emit(wire.EventBSRematch, wire.BSRematch{Code: s.code}, nil)
}

// SendChat posts to the game chat. Only players may talk.
func (s *Session) SendChat(text string) error {
	if !s.role.Player() {
		return ErrSpectator
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyChat
	}
	if utf8.RuneCountInString(text) > MaxChat {
		text = string([]rune(text)[:MaxChat])
	}
	return s.emitter.Emit(wire.EventBSChat, wire.BSChatSend{Code: s.code, Message: text}, nil)
}

// Apply consumes a game event. Events for other games are ignored; the
// result reports whether the event was taken.
func (s *Session) Apply(ev wire.Event) bool {
	switch e := ev.(type) {
	case wire.BSState:
		if e.Code != s.code {
			return false
		}
		s.applyState(e)
	case wire.BSStart:
		if e.Code != s.code {
			return false
		}
		s.status = StatusInProgress
		s.turnID = e.TurnID
		s.consumed = false
		s.locked = false
	case wire.FireResult:
		if e.Code != s.code {
			return false
		}
		s.applyShot(e)
	case wire.BSIdentity:
		if e.Code != s.code {
			return false
		}
		s.left, s.right = e.Left, e.Right
	case wire.BSError:
		if e.Code != "" && e.Code != s.code {
			return false
		}
		if s.turnID == s.self {
			s.consumed = false
		}
		s.notice(e.Message)
	case wire.BSChat:
		if e.Code != s.code {
			return false
		}
		line := ChatLine{From: ParseRole(e.From), Message: e.Message}
		if e.User != nil {
			line.Name = e.User.DisplayName
			if line.Name == "" {
				line.Name = e.User.Username
			}
		}
		s.chat = append(s.chat, line)
	case wire.OpponentLeft:
		if e.Code != s.code {
			return false
		}
		s.opponentAway = true
	case wire.OpponentJoined:
		if e.Code != s.code {
			return false
		}
		s.opponentAway = false
	default:
		return false
	}
	s.changed()
	return true
}

func (s *Session) applyState(e wire.BSState) {
	prev := s.status
	s.p1, s.p2 = e.P1, e.P2
	s.role = s.roleFrom(e)
	if st := Status(e.Status); st != "" {
		s.status = st
	}

	if prev == StatusFinished && s.status == StatusWaiting {
		s.resetRound()
	}
	if e.TurnID != s.turnID {
		s.turnID = e.TurnID
		if s.turnID == s.self {
			s.consumed = false
		}
	}

	ownGrid, oppGrid := e.P1Board, e.P2Board
	if s.role == RoleP2 {
		ownGrid, oppGrid = e.P2Board, e.P1Board
	}
	if b, ok := gridBoard(oppGrid); ok {
		s.opp = b
	}
	if b, ok := gridBoard(ownGrid); ok {
		switch {
		case s.status != StatusWaiting, !s.role.Player():
			s.own = b
		case len(s.ships) == 0 && b.ShipCells() > 0:
			s.adoptPlacement(b)
		}
	}

	if e.Winner != "" {
		s.finish(ParseRole(e.Winner))
	}
	if s.status == StatusInProgress {
		s.locked = false
	}
}

// adoptPlacement restores a board the server already holds, e.g. after
// rejoining mid-placement.
func (s *Session) adoptPlacement(b Board) {
	s.own = b
	var cells []Coord
	for x := range Size {
		for y := range Size {
			if b[x][y] == Ship {
				cells = append(cells, Coord{X: x, Y: y})
			}
		}
	}
	if len(cells) == s.fleet.Cells() && ValidateFleet(b, s.fleet) == nil {
		s.ships = componentShips(b)
	}
}

func componentShips(b Board) [][]Coord {
	var ships [][]Coord
	var seen [Size][Size]bool
	for x := range Size {
		for y := range Size {
			if b[x][y] != Ship || seen[x][y] {
				continue
			}
			ship := []Coord{{x, y}}
			seen[x][y] = true
			if y+1 < Size && b[x][y+1] == Ship {
				for yy := y + 1; yy < Size && b[x][yy] == Ship; yy++ {
					ship = append(ship, Coord{x, yy})
					seen[x][yy] = true
				}
			} else {
				for xx := x + 1; xx < Size && b[xx][y] == Ship; xx++ {
					ship = append(ship, Coord{xx, y})
					seen[xx][y] = true
				}
			}
			ships = append(ships, ship)
		}
	}
	return ships
}

func (s *Session) roleFrom(e wire.BSState) Role {
	switch {
	case s.spectator:
		return RoleSpectator
	case e.P1 != nil && e.P1.ID == s.self:
		return RoleP1
	case e.P2 != nil && e.P2.ID == s.self:
		return RoleP2
	}
	if r := ParseRole(e.Role); r != RoleNone {
		return r
	}
	return s.role
}

func (s *Session) applyShot(e wire.FireResult) {
	at := Coord{X: e.X, Y: e.Y}
	if at.In() {
		mark := Miss
		if e.Hit == wire.ShotHit {
			mark = Hit
		}
		shooter := ParseRole(e.From)
		onOpponent := shooter == s.role
		if !s.role.Player() {
			onOpponent = shooter == RoleP1
		}
		if onOpponent {
			s.opp.Set(at, mark)
		} else {
			s.own.Set(at, mark)
		}
	}
	if e.TurnID != "" {
		s.turnID = e.TurnID
		if s.turnID == s.self {
			s.consumed = false
		}
	}
	if e.Winner != "" {
		s.finish(ParseRole(e.Winner))
	}
}

func (s *Session) finish(winner Role) {
	s.status = StatusFinished
	s.winner = winner
	s.turnID = ""
	s.consumed = false
	s.chat = nil
}

func (s *Session) resetRound() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.own, s.opp = Board{}, Board{}
	s.ships = nil
	s.locked, s.ready = false, false
	s.consumed = false
	s.winner = RoleNone
	s.turnID = ""
	s.chat = nil
}

func gridBoard(g wire.Grid) (Board, bool) {
	if g == nil {
		return Board{}, false
	}
	b, err := BoardFromGrid(g)
	return b, err == nil
}

func (s *Session) notice(text string) {
	if s.obs != nil && text != "" {
		s.obs.Notice(text)
	}
}

func (s *Session) changed() {
	if s.obs != nil {
		s.obs.GameChanged(s.code)
	}
}
