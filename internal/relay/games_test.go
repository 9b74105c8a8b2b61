package relay

import (
	"testing"

	"kronos/internal/battleship"
	"kronos/internal/wire"
)

// stackedFleet lays the default fleet out one ship per row from y=0.
func stackedFleet() []wire.FleetShip {
	var out []wire.FleetShip
	for x, size := range battleship.DefaultFleet {
		ship := wire.FleetShip{ShipType: "ship"}
		for y := range size {
			ship.Coords = append(ship.Coords, [2]int{x, y})
		}
		out = append(out, ship)
	}
	return out
}

func lastState(t *testing.T, frames []wire.Frame) wire.BSState {
	t.Helper()
	states := only(frames, wire.EventBSState)
	if len(states) == 0 {
		t.Fatal("no bs_state")
	}
	return decodeData[wire.BSState](t, states[len(states)-1])
}

func TestGameJoinAssignsSeats(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	a, b, c := f.connect(alice), f.connect(bob), f.connect(carol)

	f.send(t, a, wire.EventBSJoin, wire.BSJoin{Code: "ABC"}, 0)
	f.send(t, b, wire.EventBSJoin, wire.BSJoin{Code: "ABC"}, 0)
	f.send(t, c, wire.EventBSJoin, wire.BSJoin{Code: "ABC"}, 0)

	if st := lastState(t, drain(t, a)); st.Role != "p1" || st.Status != "waiting" {
		t.Fatalf("alice state = %+v", st)
	}
	fromB := drain(t, b)
	if st := lastState(t, fromB); st.Role != "p2" || st.P1 == nil || st.P1.Username != "alice" {
		t.Fatalf("bob state = %+v", st)
	}
	ids := only(fromB, wire.EventBSIdentity)
	if len(ids) == 0 {
		t.Fatal("no identity")
	}
	if id := decodeData[wire.BSIdentity](t, ids[len(ids)-1]); id.Left.ID != alice.ID || id.Right.ID != bob.ID {
		t.Fatalf("identity = %+v", id)
	}
	st := lastState(t, drain(t, c))
	if st.Role != "spectator" || st.P1Board != nil {
		t.Fatalf("spectator state = %+v", st)
	}
	if f.hub.games["ABC"] == nil {
		t.Fatal("game not held")
	}
}

func TestGameReadyFireAndTurns(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.connect(alice), f.connect(bob)
	f.send(t, a, wire.EventBSJoin, wire.BSJoin{Code: "G1"}, 0)
	f.send(t, b, wire.EventBSJoin, wire.BSJoin{Code: "G1"}, 0)
	drain(t, a)
	drain(t, b)

	f.send(t, a, wire.EventPlayerReady, wire.PlayerReady{GameID: "G1", PlayerID: alice.ID, FleetArray: stackedFleet()[:2]}, 1)
	var ready wire.ReadyAck
	replyFor(t, drain(t, a), 1, &ready)
	if ready.OK || ready.Error == "" {
		t.Fatalf("short fleet ack = %+v", ready)
	}

	f.send(t, a, wire.EventPlayerReady, wire.PlayerReady{GameID: "G1", PlayerID: alice.ID, FleetArray: stackedFleet()}, 2)
	replyFor(t, drain(t, a), 2, &ready)
	if !ready.OK {
		t.Fatalf("ready ack = %+v", ready)
	}
	f.send(t, b, wire.EventPlayerReady, wire.PlayerReady{GameID: "G1", PlayerID: bob.ID, FleetArray: stackedFleet()}, 3)
	fromB := drain(t, b)
	replyFor(t, fromB, 3, &ready)
	starts := only(fromB, wire.EventBSStart)
	if len(starts) != 1 || decodeData[wire.BSStart](t, starts[0]).TurnID != alice.ID {
		t.Fatalf("start = %v", starts)
	}
	st := lastState(t, fromB)
	if st.Status != "in_progress" || st.P1Board[0][0].S != int(battleship.Empty) {
		t.Fatalf("bob sees alice's ships: %+v", st.P1Board[0][0])
	}
	drain(t, a)

	f.send(t, b, wire.EventBSFire, wire.BSFire{Code: "G1", X: 0, Y: 0}, 0)
	errs := only(drain(t, b), wire.EventBSError)
	if len(errs) != 1 || decodeData[wire.BSError](t, errs[0]).Message != battleship.ErrNotYourTurn.Error() {
		t.Fatalf("out of turn = %v", errs)
	}

	f.send(t, a, wire.EventBSFire, wire.BSFire{Code: "G1", X: 0, Y: 0}, 0)
	results := only(drain(t, b), wire.EventFireResult)
	if len(results) != 1 {
		t.Fatalf("fire results = %d", len(results))
	}
	res := decodeData[wire.FireResult](t, results[0])
	if res.Hit != wire.ShotHit || res.From != "p1" || res.TurnID != bob.ID {
		t.Fatalf("result = %+v", res)
	}
	drain(t, a)

	f.send(t, b, wire.EventBSFire, wire.BSFire{Code: "G1", X: 9, Y: 9}, 0)
	f.send(t, a, wire.EventBSFire, wire.BSFire{Code: "G1", X: 0, Y: 0}, 0)
	errs = only(drain(t, a), wire.EventBSError)
	if len(errs) != 1 || decodeData[wire.BSError](t, errs[0]).Message != battleship.ErrAlreadyResolved.Error() {
		t.Fatalf("repeat shot = %v", errs)
	}
}

func TestGameActionsRequireJoin(t *testing.T) {
	f := newFixture(t)
	a := f.connect(f.user(t, "alice"))
	f.send(t, a, wire.EventBSFire, wire.BSFire{Code: "NOPE", X: 1, Y: 1}, 0)
	errs := only(drain(t, a), wire.EventBSError)
	if len(errs) != 1 || decodeData[wire.BSError](t, errs[0]).Code != "NOPE" {
		t.Fatalf("errors = %v", errs)
	}
}

func TestOpponentLeftAndRejoined(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	a, b := f.connect(alice), f.connect(bob)
	f.send(t, a, wire.EventBSJoin, wire.BSJoin{Code: "G2"}, 0)
	f.send(t, b, wire.EventBSJoin, wire.BSJoin{Code: "G2"}, 0)
	drain(t, a)

	f.hub.removeClient(b)
	left := only(drain(t, a), wire.EventOpponentLeft)
	if len(left) != 1 || decodeData[wire.OpponentLeft](t, left[0]).Code != "G2" {
		t.Fatalf("left = %v", left)
	}

	b2 := f.connect(bob)
	f.send(t, b2, wire.EventBSJoin, wire.BSJoin{Code: "G2"}, 0)
	if joined := only(drain(t, a), wire.EventOpponentJoined); len(joined) != 1 {
		t.Fatalf("joined = %v", joined)
	}
	if st := lastState(t, drain(t, b2)); st.Role != "p2" {
		t.Fatalf("rejoined role = %q", st.Role)
	}
}

func TestEmptyGameDiscarded(t *testing.T) {
	f := newFixture(t)
	a := f.connect(f.user(t, "alice"))
	f.send(t, a, wire.EventBSJoin, wire.BSJoin{Code: "G3"}, 0)
	f.hub.removeClient(a)
	if _, ok := f.hub.games["G3"]; ok {
		t.Fatal("game kept with no watchers")
	}
}

func TestGameChatFromPlayers(t *testing.T) {
	f := newFixture(t)
	alice, carol := f.user(t, "alice"), f.user(t, "carol")
	a, c := f.connect(alice), f.connect(carol)
	f.send(t, a, wire.EventBSJoin, wire.BSJoin{Code: "G4"}, 0)
	f.send(t, c, wire.EventBSJoin, wire.BSJoin{Code: "G4", Spectator: true}, 0)
	drain(t, a)
	drain(t, c)

	f.send(t, a, wire.EventBSChat, wire.BSChatSend{Code: "G4", Message: "<i>gl</i> hf"}, 0)
	lines := only(drain(t, c), wire.EventBSChat)
	if len(lines) != 1 {
		t.Fatalf("chat lines = %d", len(lines))
	}
	line := decodeData[wire.BSChat](t, lines[0])
	if line.From != "p1" || line.Message != "gl hf" || line.User.Username != "alice" {
		t.Fatalf("chat = %+v", line)
	}

	f.send(t, c, wire.EventBSChat, wire.BSChatSend{Code: "G4", Message: "boo"}, 0)
	if errs := only(drain(t, c), wire.EventBSError); len(errs) != 1 {
		t.Fatalf("spectator chat errors = %d", len(errs))
	}
}
