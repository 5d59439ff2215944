// Package game holds the per-game shared state: the two player slots, the
// started flag, and the current position. A State is shared by at most two
// ClientSessions; all mutation goes through its own lock, never the engine's.
package game

import (
	"sync"

	"github.com/seekerror/stdlib/pkg/lang"
	"github.com/tkellar/uqchessserver/pkg/fen"
)

// Player is the minimal capability a GameState needs from whoever occupies
// a colour slot: somewhere to deliver asynchronous protocol lines, and a way
// to be told the game it is part of just ended (so it can return itself to
// its pregame state even when the end was triggered by the other side).
type Player interface {
	Send(line string)
	GameEnded(line string)
}

// State is a single in-progress (or not-yet-started) game's shared record.
// Callers that also need the engine lock must acquire it before State's
// lock, per the server-wide lock ordering.
type State struct {
	mu sync.Mutex

	white, black lang.Optional[Player]
	started      bool
	currentFEN   string
}

// New returns a fresh, not-yet-started game at the initial position.
func New() *State {
	return &State{currentFEN: fen.Initial}
}

// Lock acquires the game's lock. Hold the engine lock first, if both are needed.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the game's lock.
func (s *State) Unlock() { s.mu.Unlock() }

// FEN returns the position after the last accepted move. Caller must hold the lock.
func (s *State) FEN() string { return s.currentFEN }

// SetFEN records the position after an accepted move. Caller must hold the lock.
func (s *State) SetFEN(position string) { s.currentFEN = position }

// WhoseTurn derives the side to move from the current FEN. Caller must hold the lock.
func (s *State) WhoseTurn() (fen.Colour, error) {
	return fen.SideToMove(s.currentFEN)
}

// Started reports whether the game has been marked started: paired with a
// human opponent, or set up against the computer. Caller must hold the lock.
func (s *State) Started() bool { return s.started }

// MarkStarted flips the started flag. Caller must hold the lock.
func (s *State) MarkStarted() { s.started = true }

// White returns the white slot, if occupied. Caller must hold the lock.
func (s *State) White() (Player, bool) { return s.white.V() }

// Black returns the black slot, if occupied. Caller must hold the lock.
func (s *State) Black() (Player, bool) { return s.black.V() }

// SetPlayer occupies the given colour's slot. Caller must hold the lock.
func (s *State) SetPlayer(c fen.Colour, p Player) {
	if c == fen.White {
		s.white = lang.Some(p)
	} else {
		s.black = lang.Some(p)
	}
}

// ClearPlayer empties the given colour's slot, e.g. when its session leaves
// but the opponent is still around. Caller must hold the lock.
func (s *State) ClearPlayer(c fen.Colour) {
	if c == fen.White {
		s.white = lang.Optional[Player]{}
	} else {
		s.black = lang.Optional[Player]{}
	}
}

// Opponent returns the occupant of the colour opposite c, if any. Caller must hold the lock.
func (s *State) Opponent(c fen.Colour) (Player, bool) {
	if c == fen.White {
		return s.Black()
	}
	return s.White()
}
