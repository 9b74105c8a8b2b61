package relay

import (
	"context"
	"errors"
	"strings"

	"kronos/internal/battleship"
	"kronos/internal/metrics"
	"kronos/internal/wire"
)

const maxCode = 16

var ErrNoGame = errors.New("game not found")

func normalizeCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > maxCode {
		return "", errors.New("invalid game code")
	}
	return code, nil
}

// gameOf finds a game c has joined.
func (h *Hub) gameOf(c *Client, code string) (*game, string, error) {
	code, err := normalizeCode(code)
	if err != nil {
		return nil, "", err
	}
	g, ok := h.games[code]
	if !ok || !g.clients[c] {
		return nil, code, ErrNoGame
	}
	return g, code, nil
}

func (h *Hub) gameError(c *Client, code string, err error) error {
	h.sendTo(c, wire.EventBSError, wire.BSError{Code: code, Message: err.Error()})
	return err
}

func (h *Hub) onBSJoin(ctx context.Context, c *Client, f wire.Frame) error {
	var req wire.BSJoin
	if err := decode(f, &req); err != nil {
		return h.gameError(c, "", err)
	}
	code, err := normalizeCode(req.Code)
	if err != nil {
		return h.gameError(c, "", err)
	}

	g, ok := h.games[code]
	if !ok {
		g = &game{
			match:    battleship.NewMatch(code, h.fleet),
			clients:  make(map[*Client]bool),
			away:     make(map[string]bool),
			profiles: make(map[string]wire.User),
		}
		h.games[code] = g
		metrics.RelayGames.Inc()
	}

	role := g.match.Join(c.UserID, req.Spectator)
	g.clients[c] = true
	c.games[code] = true
	if _, ok := g.profiles[c.UserID]; !ok {
		g.profiles[c.UserID] = h.profile(ctx, c.UserID)
	}
	h.log.Debug().Str("code", code).Str("user_id", c.UserID).Str("role", string(role)).Msg("joined game")

	if role.Player() && g.away[c.UserID] {
		delete(g.away, c.UserID)
		h.toRole(g, role.Opponent(), wire.EventOpponentJoined, wire.OpponentJoined{Code: code})
	}
	h.sendIdentity(g)
	h.sendStates(g)
	return nil
}

// leaveGame drops c from a game. When a player's last connection goes the
// opponent is told; an empty game is discarded.
func (h *Hub) leaveGame(c *Client, code string) {
	delete(c.games, code)
	g, ok := h.games[code]
	if !ok {
		return
	}
	delete(g.clients, c)

	role := g.match.RoleOf(c.UserID)
	if role.Player() && !h.connected(g, c.UserID) {
		g.away[c.UserID] = true
		h.toRole(g, role.Opponent(), wire.EventOpponentLeft, wire.OpponentLeft{Code: code})
	}
	if len(g.clients) == 0 {
		delete(h.games, code)
		metrics.RelayGames.Dec()
	}
}

func (h *Hub) connected(g *game, userID string) bool {
	for c := range g.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) toRole(g *game, role battleship.Role, event string, v any) {
	for c := range g.clients {
		if g.match.RoleOf(c.UserID) == role {
			h.sendTo(c, event, v)
		}
	}
}

func (h *Hub) toGame(g *game, event string, v any) {
	for c := range g.clients {
		h.sendTo(c, event, v)
	}
}

// sendStates gives every watcher the snapshot masked for its role.
func (h *Hub) sendStates(g *game) {
	p1, p2 := g.match.Players()
	for c := range g.clients {
		st := g.match.State(g.match.RoleOf(c.UserID))
		st.P1 = h.seatUser(g, p1)
		st.P2 = h.seatUser(g, p2)
		h.sendTo(c, wire.EventBSState, st)
	}
}

func (h *Hub) sendIdentity(g *game) {
	p1, p2 := g.match.Players()
	h.toGame(g, wire.EventBSIdentity, wire.BSIdentity{
		Code:  g.match.Code,
		Left:  h.seatUser(g, p1),
		Right: h.seatUser(g, p2),
	})
}

func (h *Hub) seatUser(g *game, userID string) *wire.User {
	if userID == "" {
		return nil
	}
	u, ok := g.profiles[userID]
	if !ok {
		u = wire.User{ID: userID}
	}
	return &u
}

func (h *Hub) onBSPlace(c *Client, f wire.Frame) error {
	var req wire.BSPlace
	if err := decode(f, &req); err != nil {
		return h.gameError(c, "", err)
	}
	g, code, err := h.gameOf(c, req.Code)
	if err != nil {
		return h.gameError(c, code, err)
	}
	if err := g.match.Place(c.UserID, req.Board); err != nil {
		return h.gameError(c, code, err)
	}
	h.sendStates(g)
	return nil
}

func (h *Hub) onPlayerReady(c *Client, f wire.Frame) error {
	var req wire.PlayerReady
	if err := decode(f, &req); err != nil {
		h.reply(c, f, wire.ReadyAck{Error: "malformed ready"})
		return err
	}
	g, code, err := h.gameOf(c, req.GameID)
	if err == nil {
		var started bool
		started, err = g.match.Ready(c.UserID, req.FleetArray)
		if err == nil {
			h.reply(c, f, wire.ReadyAck{OK: true})
			h.sendStates(g)
			if started {
				h.toGame(g, wire.EventBSStart, wire.BSStart{
					Code:   code,
					Status: string(battleship.StatusInProgress),
					TurnID: g.match.TurnID(),
				})
			}
			return nil
		}
	}
	if f.WantsAck() {
		h.reply(c, f, wire.ReadyAck{Error: err.Error()})
		return err
	}
	return h.gameError(c, code, err)
}

func (h *Hub) onBSFire(c *Client, f wire.Frame) error {
	var req wire.BSFire
	if err := decode(f, &req); err != nil {
		return h.gameError(c, "", err)
	}
	g, code, err := h.gameOf(c, req.Code)
	if err != nil {
		return h.gameError(c, code, err)
	}
	shot, err := g.match.Fire(c.UserID, battleship.Coord{X: req.X, Y: req.Y})
	if err != nil {
		return h.gameError(c, code, err)
	}

	result := wire.FireResult{
		Code:   code,
		X:      shot.At.X,
		Y:      shot.At.Y,
		Hit:    wire.ShotMiss,
		From:   string(shot.From),
		Winner: string(shot.Winner),
		TurnID: shot.TurnID,
	}
	if shot.Hit {
		result.Hit = wire.ShotHit
	}
	h.toGame(g, wire.EventFireResult, result)
	h.sendStates(g)
	return nil
}

func (h *Hub) onBSRematch(c *Client, f wire.Frame) error {
	var req wire.BSRematch
	if err := decode(f, &req); err != nil {
		return h.gameError(c, "", err)
	}
	g, code, err := h.gameOf(c, req.Code)
	if err != nil {
		return h.gameError(c, code, err)
	}
	if err := g.match.Rematch(c.UserID); err != nil {
		return h.gameError(c, code, err)
	}
	h.sendStates(g)
	return nil
}

func (h *Hub) onBSChat(ctx context.Context, c *Client, f wire.Frame) error {
	var req wire.BSChatSend
	if err := decode(f, &req); err != nil {
		return h.gameError(c, "", err)
	}
	g, code, err := h.gameOf(c, req.Code)
	if err != nil {
		return h.gameError(c, code, err)
	}
	role, text, err := g.match.Chat(c.UserID, SanitizeText(req.Message))
	if err != nil {
		return h.gameError(c, code, err)
	}
	h.toGame(g, wire.EventBSChat, wire.BSChat{
		Code:    code,
		From:    string(role),
		User:    h.seatUser(g, c.UserID),
		Message: text,
	})
	return nil
}
