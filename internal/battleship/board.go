// Package battleship implements the room-coded Battleship game: board
// rules shared by both sides, the client session state machine and the
// authoritative match the relay runs.
package battleship

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"kronos/internal/wire"
)

const Size = 10

type Cell int

const (
	Empty Cell = iota
	Ship
	Hit
	Miss
)

func (c Cell) String() string {
	switch c {
	case Ship:
		return "ship"
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	}
	return "empty"
}

// Resolved reports whether a shot already landed on the cell.
func (c Cell) Resolved() bool { return c == Hit || c == Miss }

type Coord struct {
	X, Y int
}

func (c Coord) In() bool {
	return c.X >= 0 && c.X < Size && c.Y >= 0 && c.Y < Size
}

type Orientation int

const (
	Horizontal Orientation = iota
	Vertical
)

func (o Orientation) Toggle() Orientation {
	if o == Horizontal {
		return Vertical
	}
	return Horizontal
}

func (o Orientation) String() string {
	if o == Vertical {
		return "V"
	}
	return "H"
}

type Fleet []int

var DefaultFleet = Fleet{5, 4, 3, 3, 2}

// Cells is the number of ship cells the fleet occupies.
func (f Fleet) Cells() int {
	n := 0
	for _, size := range f {
		n += size
	}
	return n
}

var (
	ErrOutOfBounds = errors.New("ship out of bounds")
	ErrOverlap     = errors.New("ship overlaps another ship")
	ErrBadShape    = errors.New("ship is not a straight line")
	ErrFleetSizes  = errors.New("ship sizes do not match the fleet")
	ErrBoardShape  = errors.New("board must be 10x10")
)

// Board is indexed [x][y]. Horizontal ships run along y.
type Board [Size][Size]Cell

func (b *Board) At(c Coord) Cell { return b[c.X][c.Y] }

func (b *Board) Set(c Coord, v Cell) { b[c.X][c.Y] = v }

// ShipAt lists the cells a ship of size would occupy from origin.
func ShipAt(origin Coord, size int, o Orientation) []Coord {
	cells := make([]Coord, size)
	for k := range size {
		if o == Horizontal {
			cells[k] = Coord{origin.X, origin.Y + k}
		} else {
			cells[k] = Coord{origin.X + k, origin.Y}
		}
	}
	return cells
}

func (b *Board) CanPlace(origin Coord, size int, o Orientation) error {
	for _, c := range ShipAt(origin, size, o) {
		if !c.In() {
			return ErrOutOfBounds
		}
		if b.At(c) != Empty {
			return ErrOverlap
		}
	}
	return nil
}

func (b *Board) Place(origin Coord, size int, o Orientation) ([]Coord, error) {
	if err := b.CanPlace(origin, size, o); err != nil {
		return nil, err
	}
	cells := ShipAt(origin, size, o)
	for _, c := range cells {
		b.Set(c, Ship)
	}
	return cells, nil
}

// ShipCells counts cells still holding an intact ship.
func (b *Board) ShipCells() int {
	n := 0
	for x := range Size {
		for y := range Size {
			if b[x][y] == Ship {
				n++
			}
		}
	}
	return n
}

func (b *Board) Alive() bool { return b.ShipCells() > 0 }

// Mask hides intact ships, leaving only resolved shots.
func (b *Board) Mask() Board {
	var m Board
	for x := range Size {
		for y := range Size {
			if b[x][y].Resolved() {
				m[x][y] = b[x][y]
			}
		}
	}
	return m
}

func (b *Board) Grid() wire.Grid {
	g := make(wire.Grid, Size)
	for x := range Size {
		g[x] = make([]wire.Cell, Size)
		for y := range Size {
			g[x][y] = wire.Cell{S: int(b[x][y])}
		}
	}
	return g
}

// BoardFromGrid decodes a wire grid, rejecting anything not 10x10 or
// holding unknown cell values.
func BoardFromGrid(g wire.Grid) (Board, error) {
	var b Board
	if len(g) != Size {
		return b, ErrBoardShape
	}
	for x, row := range g {
		if len(row) != Size {
			return b, ErrBoardShape
		}
		for y, c := range row {
			if c.S < int(Empty) || c.S > int(Miss) {
				return b, fmt.Errorf("cell %d,%d: unknown state %d", x, y, c.S)
			}
			b[x][y] = Cell(c.S)
		}
	}
	return b, nil
}

// ValidateShips checks ships given cell by cell: each straight and
// contiguous, in bounds, not overlapping, with sizes matching fleet.
func ValidateShips(ships [][]Coord, fleet Fleet) error {
	var seen Board
	sizes := make([]int, 0, len(ships))
	for _, ship := range ships {
		if err := straight(ship); err != nil {
			return err
		}
		for _, c := range ship {
			if !c.In() {
				return ErrOutOfBounds
			}
			if seen.At(c) == Ship {
				return ErrOverlap
			}
			seen.Set(c, Ship)
		}
		sizes = append(sizes, len(ship))
	}
	if !sameSizes(sizes, fleet) {
		return ErrFleetSizes
	}
	return nil
}

func straight(ship []Coord) error {
	if len(ship) == 0 {
		return ErrBadShape
	}
	cells := slices.Clone(ship)
	slices.SortFunc(cells, func(a, b Coord) int {
		if a.X != b.X {
			return a.X - b.X
		}
		return a.Y - b.Y
	})
	sameRow, sameCol := true, true
	for _, c := range cells[1:] {
		sameRow = sameRow && c.X == cells[0].X
		sameCol = sameCol && c.Y == cells[0].Y
	}
	for i := 1; i < len(cells); i++ {
		prev, cur := cells[i-1], cells[i]
		switch {
		case sameRow && cur.Y == prev.Y+1:
		case sameCol && cur.X == prev.X+1:
		default:
			return ErrBadShape
		}
	}
	return nil
}

// ValidateFleet checks a whole board by scanning connected ship cells.
// Each component must be a straight line without branches, and the
// component lengths must match fleet. Ships touching along their length
// merge into one component, so per-ship validation is preferred when the
// ship list is known.
func ValidateFleet(b Board, fleet Fleet) error {
	var visited [Size][Size]bool
	var sizes []int
	isShip := func(x, y int) bool {
		return x >= 0 && x < Size && y >= 0 && y < Size && b[x][y] == Ship
	}
	for x := range Size {
		for y := range Size {
			if !isShip(x, y) || visited[x][y] {
				continue
			}
			right, down := isShip(x, y+1), isShip(x+1, y)
			if right && down {
				return ErrBadShape
			}
			visited[x][y] = true
			length := 1
			switch {
			case right:
				for yy := y + 1; isShip(x, yy) && !visited[x][yy]; yy++ {
					if isShip(x+1, yy) || isShip(x-1, yy) {
						return ErrBadShape
					}
					visited[x][yy] = true
					length++
				}
			case down:
				for xx := x + 1; isShip(xx, y) && !visited[xx][y]; xx++ {
					if isShip(xx, y+1) || isShip(xx, y-1) {
						return ErrBadShape
					}
					visited[xx][y] = true
					length++
				}
			}
			sizes = append(sizes, length)
		}
	}
	if !sameSizes(sizes, fleet) {
		return ErrFleetSizes
	}
	return nil
}

func sameSizes(sizes []int, fleet Fleet) bool {
	a := slices.Clone(sizes)
	b := slices.Clone([]int(fleet))
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// AutoPlace lays out fleet at random, retrying each ship up to 200 times.
func AutoPlace(rng *rand.Rand, fleet Fleet) (Board, [][]Coord, error) {
	var b Board
	var ships [][]Coord
	for _, size := range fleet {
		placed := false
		for range 200 {
			o := Horizontal
			if rng.IntN(2) == 1 {
				o = Vertical
			}
			origin := Coord{X: rng.IntN(Size), Y: rng.IntN(Size)}
			cells, err := b.Place(origin, size, o)
			if err != nil {
				continue
			}
			ships = append(ships, cells)
			placed = true
			break
		}
		if !placed {
			return Board{}, nil, fmt.Errorf("could not place ship of size %d", size)
		}
	}
	return b, ships, nil
}
