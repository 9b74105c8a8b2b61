package battleship

import (
	"errors"
	"strings"
	"unicode/utf8"

	"kronos/internal/wire"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

type Role string

const (
	RoleNone      Role = ""
	RoleP1        Role = "p1"
	RoleP2        Role = "p2"
	RoleSpectator Role = "spectator"
)

func (r Role) Player() bool { return r == RoleP1 || r == RoleP2 }

func (r Role) Opponent() Role {
	switch r {
	case RoleP1:
		return RoleP2
	case RoleP2:
		return RoleP1
	}
	return RoleNone
}

// ParseRole accepts the short spectator form some servers send.
func ParseRole(s string) Role {
	switch s {
	case "p1":
		return RoleP1
	case "p2":
		return RoleP2
	case "spec", "spectator":
		return RoleSpectator
	}
	return RoleNone
}

const MaxChat = 300

var (
	ErrSpectator       = errors.New("spectators cannot do that")
	ErrNotWaiting      = errors.New("game is not in placement")
	ErrNotInProgress   = errors.New("game is not in progress")
	ErrNotFinished     = errors.New("game is not finished")
	ErrNotYourTurn     = errors.New("not your turn")
	ErrAlreadyResolved = errors.New("cell already targeted")
	ErrAlreadyReady    = errors.New("already ready")
	ErrNoBoard         = errors.New("no board placed")
	ErrEmptyChat       = errors.New("chat message is empty")
)

type seat struct {
	userID string
	board  Board
	placed bool
	ready  bool
}

// Match is the authoritative state of one coded game.
type Match struct {
	Code   string
	Fleet  Fleet
	status Status
	seats  [2]seat
	turn   Role
	winner Role
}

// Shot is the outcome of an accepted fire.
type Shot struct {
	From   Role
	At     Coord
	Hit    bool
	Winner Role
	TurnID string
}

func NewMatch(code string, fleet Fleet) *Match {
	if len(fleet) == 0 {
		fleet = DefaultFleet
	}
	return &Match{Code: code, Fleet: fleet, status: StatusWaiting}
}

func (m *Match) Status() Status { return m.status }

func (m *Match) Winner() Role { return m.winner }

func (m *Match) seat(r Role) *seat {
	switch r {
	case RoleP1:
		return &m.seats[0]
	case RoleP2:
		return &m.seats[1]
	}
	return nil
}

// Players returns the user ids seated as p1 and p2.
func (m *Match) Players() (p1, p2 string) {
	return m.seats[0].userID, m.seats[1].userID
}

func (m *Match) RoleOf(userID string) Role {
	switch {
	case userID == "":
		return RoleNone
	case m.seats[0].userID == userID:
		return RoleP1
	case m.seats[1].userID == userID:
		return RoleP2
	}
	return RoleSpectator
}

// TurnID is the user id expected to fire next.
func (m *Match) TurnID() string {
	if s := m.seat(m.turn); s != nil {
		return s.userID
	}
	return ""
}

// Join seats userID in the first free slot, or returns its existing
// seat. Joining a finished game starts a new round.
func (m *Match) Join(userID string, spectator bool) Role {
	if m.status == StatusFinished {
		m.reset()
	}
	if r := m.RoleOf(userID); r.Player() {
		return r
	}
	if spectator {
		return RoleSpectator
	}
	for i := range m.seats {
		if m.seats[i].userID == "" {
			m.seats[i].userID = userID
			return m.RoleOf(userID)
		}
	}
	return RoleSpectator
}

// Place stores a player's board during placement.
func (m *Match) Place(userID string, g wire.Grid) error {
	r := m.RoleOf(userID)
	s := m.seat(r)
	if s == nil {
		return ErrSpectator
	}
	if m.status != StatusWaiting {
		return ErrNotWaiting
	}
	if s.ready {
		return ErrAlreadyReady
	}
	b, err := BoardFromGrid(g)
	if err != nil {
		return err
	}
	s.board = b
	s.placed = true
	return nil
}

// Ready validates the player's fleet and marks them ready. Ships given
// one per entry are checked individually; a single entry or none falls
// back to scanning the board. It reports whether the game started.
func (m *Match) Ready(userID string, fleet []wire.FleetShip) (bool, error) {
	r := m.RoleOf(userID)
	s := m.seat(r)
	if s == nil {
		return false, ErrSpectator
	}
	if m.status != StatusWaiting {
		return false, ErrNotWaiting
	}
	if s.ready {
		return false, ErrAlreadyReady
	}

	board, err := m.validate(s, fleet)
	if err != nil {
		return false, err
	}
	s.board = board
	s.placed = true
	s.ready = true

	if m.seats[0].ready && m.seats[1].ready {
		m.status = StatusInProgress
		m.turn = RoleP1
		return true, nil
	}
	return false, nil
}

func (m *Match) validate(s *seat, fleet []wire.FleetShip) (Board, error) {
	if len(fleet) > 1 {
		ships := make([][]Coord, 0, len(fleet))
		var b Board
		for _, entry := range fleet {
			ship := make([]Coord, 0, len(entry.Coords))
			for _, c := range entry.Coords {
				ship = append(ship, Coord{X: c[0], Y: c[1]})
			}
			ships = append(ships, ship)
		}
		if err := ValidateShips(ships, m.Fleet); err != nil {
			return Board{}, err
		}
		for _, ship := range ships {
			for _, c := range ship {
				b.Set(c, Ship)
			}
		}
		return b, nil
	}

	b := s.board
	if len(fleet) == 1 {
		b = Board{}
		for _, c := range fleet[0].Coords {
			at := Coord{X: c[0], Y: c[1]}
			if !at.In() {
				return Board{}, ErrOutOfBounds
			}
			b.Set(at, Ship)
		}
	} else if !s.placed {
		return Board{}, ErrNoBoard
	}
	if err := ValidateFleet(b, m.Fleet); err != nil {
		return Board{}, err
	}
	return b, nil
}

// Fire resolves a shot by userID at the opponent's board.
func (m *Match) Fire(userID string, at Coord) (Shot, error) {
	r := m.RoleOf(userID)
	if !r.Player() {
		return Shot{}, ErrSpectator
	}
	if m.status != StatusInProgress {
		return Shot{}, ErrNotInProgress
	}
	if m.turn != r {
		return Shot{}, ErrNotYourTurn
	}
	if !at.In() {
		return Shot{}, ErrOutOfBounds
	}
	target := &m.seat(r.Opponent()).board
	if target.At(at).Resolved() {
		return Shot{}, ErrAlreadyResolved
	}

	shot := Shot{From: r, At: at}
	if target.At(at) == Ship {
		target.Set(at, Hit)
		shot.Hit = true
	} else {
		target.Set(at, Miss)
	}
	if !target.Alive() {
		m.status = StatusFinished
		m.winner = r
		m.turn = RoleNone
	} else {
		m.turn = r.Opponent()
	}
	shot.Winner = m.winner
	shot.TurnID = m.TurnID()
	return shot, nil
}

// Rematch resets a finished game for another round with the same seats.
func (m *Match) Rematch(userID string) error {
	if !m.RoleOf(userID).Player() {
		return ErrSpectator
	}
	if m.status != StatusFinished {
		return ErrNotFinished
	}
	m.reset()
	return nil
}

func (m *Match) reset() {
	m.status = StatusWaiting
	m.turn = RoleNone
	m.winner = RoleNone
	for i := range m.seats {
		m.seats[i] = seat{userID: m.seats[i].userID}
	}
}

// Chat validates a game chat line from userID, truncated to MaxChat runes.
func (m *Match) Chat(userID, text string) (Role, string, error) {
	r := m.RoleOf(userID)
	if !r.Player() {
		return r, "", ErrSpectator
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return r, "", ErrEmptyChat
	}
	if utf8.RuneCountInString(text) > MaxChat {
		text = string([]rune(text)[:MaxChat])
	}
	return r, text, nil
}

// State renders the game for one viewer. Players never see the
// opponent's intact ships before the game ends; spectators see nothing
// during placement.
func (m *Match) State(viewer Role) wire.BSState {
	st := wire.BSState{
		Code:        m.Code,
		Role:        string(viewer),
		Turn:        string(m.turn),
		TurnID:      m.TurnID(),
		Status:      string(m.status),
		StatusLabel: m.label(viewer),
		Winner:      string(m.winner),
	}
	p1, p2 := m.seats[0].board, m.seats[1].board
	switch viewer {
	case RoleP1:
		st.P1Board = p1.Grid()
		if m.status != StatusFinished {
			p2 = p2.Mask()
		}
		st.P2Board = p2.Grid()
	case RoleP2:
		st.P2Board = p2.Grid()
		if m.status != StatusFinished {
			p1 = p1.Mask()
		}
		st.P1Board = p1.Grid()
	default:
		if m.status != StatusWaiting {
			st.P1Board = p1.Grid()
			st.P2Board = p2.Grid()
		}
	}
	return st
}

func (m *Match) label(viewer Role) string {
	switch m.status {
	case StatusWaiting:
		s := m.seat(viewer)
		if s == nil {
			return "Placement in progress"
		}
		other := m.seat(viewer.Opponent())
		switch {
		case !s.ready:
			return "Place your ships"
		case !other.ready:
			return "Waiting for your opponent..."
		}
		return "Placement complete"
	case StatusInProgress:
		if !viewer.Player() {
			return "Battle in progress"
		}
		if m.turn == viewer {
			return "Your turn!"
		}
		return "Opponent's turn"
	case StatusFinished:
		return "Game over"
	}
	return ""
}
