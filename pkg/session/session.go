// Package session implements the per-connection client state machine: the
// PREGAME/WAITING/PLAYING protocol described by each incoming TCP
// connection, parsing commands and driving a GameState and an engine
// Driver to produce replies.
package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/seekerror/logw"
	"github.com/tkellar/uqchessserver/pkg/engine"
	"github.com/tkellar/uqchessserver/pkg/fen"
	"github.com/tkellar/uqchessserver/pkg/game"
	"github.com/tkellar/uqchessserver/pkg/match"
)

// Engine is the narrow slice of *engine.Driver a Session needs. Accepting it
// as an interface keeps the state machine testable without a real subprocess.
type Engine interface {
	BestMove(ctx context.Context, position string) (string, error)
	AllMoves(ctx context.Context, position string) ([]string, error)
	BoardAndFen(ctx context.Context, position string) (*engine.BoardResult, error)
	ApplyMove(ctx context.Context, position, move string) (*engine.BoardResult, error)
}

type state int

const (
	pregame state = iota
	waiting
	playing
)

// Session is one client connection's protocol state machine. It implements
// both game.Player (so a GameState can address it) and match.Participant
// (so the wait list can pair it).
type Session struct {
	conn   net.Conn
	id     string
	engine Engine
	wait   *match.List

	writeMu sync.Mutex

	mu            sync.Mutex
	st            state
	g             *game.State
	colour        fen.Colour
	opponentHuman bool
}

// New returns a fresh session, in PREGAME, for the given connection.
func New(conn net.Conn, eng Engine, wait *match.List) *Session {
	return &Session{
		conn:   conn,
		id:     conn.RemoteAddr().String(),
		engine: eng,
		wait:   wait,
		st:     pregame,
	}
}

// ID identifies the session for logging, e.g. the client's remote address.
func (s *Session) ID() string { return s.id }

// Serve reads lines from the connection until EOF or a read error, dispatching
// each as a command. It always cleans up (resign-equivalent + connection
// close) before returning, regardless of how the loop ended.
func (s *Session) Serve(ctx context.Context) {
	defer s.onExit(ctx)

	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		s.handleLine(ctx, line)
	}
}

func (s *Session) onExit(ctx context.Context) {
	s.leaveGame(ctx)
	_ = s.conn.Close()
}

// Send delivers a protocol line to the client. Write failures (the client
// went away mid-reply) are logged and otherwise ignored; the read loop will
// notice the disconnect on its next Scan and run the same cleanup.
func (s *Session) Send(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := fmt.Fprintln(s.conn, line); err != nil {
		logw.Debugf(context.Background(), "Write to %v failed (ignored): %v", s.id, err)
	}
}

// GameEnded is called on every session in a game that just ended
// (resignation, checkmate, stalemate), whichever side's action ended it:
// deliver the outcome and return to PREGAME.
func (s *Session) GameEnded(line string) {
	s.Send(line)

	s.mu.Lock()
	s.st = pregame
	s.g = nil
	s.mu.Unlock()
}

// Attach is called by the wait list once this session has been paired with
// an opponent: the game has started and both slots are filled.
func (s *Session) Attach(g *game.State, colour fen.Colour) {
	s.mu.Lock()
	s.g = g
	s.colour = colour
	s.st = playing
	s.opponentHuman = true
	s.mu.Unlock()
}

// AttachPending is called by the wait list when this session could not be
// paired immediately: it now owns g alone, in WAITING, until a compatible
// opponent arrives or it leaves.
func (s *Session) AttachPending(g *game.State) {
	s.mu.Lock()
	s.g = g
	s.st = waiting
	s.mu.Unlock()
}

func (s *Session) handleLine(ctx context.Context, line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		s.Send("error command")
		return
	}

	cmd, args := parts[0], parts[1:]
	switch cmd {
	case "start":
		s.handleStart(ctx, args)
	case "board":
		s.handleBoard(ctx)
	case "move":
		s.handleMove(ctx, args)
	case "hint":
		s.handleHint(ctx, args)
	case "resign":
		s.handleResign(ctx)
	default:
		s.Send("error command")
	}
}

func (s *Session) handleStart(ctx context.Context, args []string) {
	if len(args) != 2 {
		s.Send("error command")
		return
	}

	pref, ok := parsePref(args[1])
	kind := args[0]
	if !ok || (kind != "human" && kind != "computer") {
		s.Send("error command")
		return
	}

	// A client starting over while still PLAYING or WAITING gets the same
	// resignation-equivalent cleanup run on its prior game first. A game that
	// already ended left the session in PREGAME, where this is a no-op.
	s.leaveGame(ctx)

	if kind == "computer" {
		s.startComputerGame(ctx, pref)
		return
	}

	s.mu.Lock()
	s.opponentHuman = true
	s.mu.Unlock()
	s.wait.Join(ctx, s, pref)
}

func (s *Session) startComputerGame(ctx context.Context, pref match.Pref) {
	colour := fen.White
	if pref == match.Black {
		colour = fen.Black
	}

	g := game.New()
	g.Lock()
	g.SetPlayer(colour, s)
	g.MarkStarted()
	g.Unlock()

	s.mu.Lock()
	s.g = g
	s.colour = colour
	s.st = playing
	s.opponentHuman = false
	s.mu.Unlock()

	s.Send("started " + colour.String())

	if colour == fen.Black {
		s.makeComputerMove(ctx)
	}
}

func (s *Session) handleBoard(ctx context.Context) {
	s.mu.Lock()
	st := s.st
	g := s.g
	s.mu.Unlock()

	if st == pregame {
		s.Send("error game")
		return
	}

	g.Lock()
	position := g.FEN()
	g.Unlock()

	result, err := s.engine.BoardAndFen(ctx, position)
	if err != nil {
		return
	}

	s.Send("startboard")
	for _, line := range result.Board {
		s.Send(line)
	}
	s.Send("endboard")
}

func (s *Session) handleMove(ctx context.Context, args []string) {
	if len(args) != 1 || !validMove(args[0]) {
		s.Send("error command")
		return
	}
	mv := args[0]

	s.mu.Lock()
	st := s.st
	g := s.g
	colour := s.colour
	opponentHuman := s.opponentHuman
	s.mu.Unlock()

	if st != playing {
		s.Send("error game")
		return
	}

	g.Lock()
	turn, err := g.WhoseTurn()
	position := g.FEN()
	g.Unlock()
	if err != nil {
		logw.Errorf(ctx, "Invalid FEN on game for %v: %v", s.id, err)
		return
	}
	if turn != colour {
		s.Send("error turn")
		return
	}

	result, err := s.engine.ApplyMove(ctx, position, mv)
	if err != nil {
		return
	}
	if result == nil {
		s.Send("error move")
		return
	}

	g.Lock()
	g.SetFEN(result.FEN)
	opponent, hasOpponent := g.Opponent(colour)
	g.Unlock()

	s.Send("ok")
	if hasOpponent {
		opponent.Send("moved " + mv)
	}

	if s.reportOutcome(ctx, g, result) {
		return
	}
	if !opponentHuman {
		s.makeComputerMove(ctx)
	}
}

func (s *Session) makeComputerMove(ctx context.Context) {
	s.mu.Lock()
	g := s.g
	s.mu.Unlock()
	if g == nil {
		return
	}

	g.Lock()
	position := g.FEN()
	g.Unlock()

	best, err := s.engine.BestMove(ctx, position)
	if err != nil {
		return
	}

	result, err := s.engine.ApplyMove(ctx, position, best)
	if err != nil {
		return
	}
	if result == nil {
		logw.Errorf(ctx, "Computer move %v rejected by engine for position %v", best, position)
		return
	}

	g.Lock()
	g.SetFEN(result.FEN)
	g.Unlock()

	s.Send("moved " + best)

	s.reportOutcome(ctx, g, result)
}

// reportOutcome checks whether the game just ended (checkmate/stalemate) or
// is merely in check, and reports either outcome. Reports whether the game
// ended.
func (s *Session) reportOutcome(ctx context.Context, g *game.State, result *engine.BoardResult) bool {
	moves, err := s.engine.AllMoves(ctx, result.FEN)
	if err != nil {
		return true
	}

	if len(moves) == 0 {
		if result.Checkers != "" {
			s.endGame(ctx, "gameover checkmate "+result.SideToMove.Opponent().String())
		} else {
			s.endGame(ctx, "gameover stalemate")
		}
		return true
	}

	if result.Checkers != "" {
		s.broadcast(g, "check")
	}
	return false
}

func (s *Session) handleHint(ctx context.Context, args []string) {
	if len(args) != 1 || (args[0] != "best" && args[0] != "all") {
		s.Send("error command")
		return
	}

	s.mu.Lock()
	st := s.st
	g := s.g
	s.mu.Unlock()

	if st != playing {
		s.Send("error game")
		return
	}

	g.Lock()
	position := g.FEN()
	g.Unlock()

	if args[0] == "best" {
		best, err := s.engine.BestMove(ctx, position)
		if err != nil {
			return
		}
		s.Send("moves " + best)
		return
	}

	moves, err := s.engine.AllMoves(ctx, position)
	if err != nil {
		return
	}
	if len(moves) == 0 {
		s.Send("moves")
		return
	}
	s.Send("moves " + strings.Join(moves, " "))
}

func (s *Session) handleResign(ctx context.Context) {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()

	if st == pregame {
		s.Send("error game")
		return
	}
	s.leaveGame(ctx)
}

// leaveGame runs the resignation-equivalent cleanup appropriate to whatever
// state the session is currently in: ends the game (notifying both sides) if
// PLAYING, or just leaves the wait list if WAITING. A no-op in PREGAME.
func (s *Session) leaveGame(ctx context.Context) {
	s.mu.Lock()
	st := s.st
	colour := s.colour
	s.mu.Unlock()

	switch st {
	case playing:
		s.endGame(ctx, "gameover resignation "+colour.Opponent().String())
	case waiting:
		s.wait.Leave(ctx, s)
		s.mu.Lock()
		s.st = pregame
		s.g = nil
		s.mu.Unlock()
	}
}

// endGame notifies every occupant of the session's current game with line
// and clears both slots. Every occupant (including s itself, if present)
// returns to PREGAME via GameEnded.
func (s *Session) endGame(ctx context.Context, line string) {
	s.mu.Lock()
	g := s.g
	s.mu.Unlock()
	if g == nil {
		return
	}

	g.Lock()
	w, wOK := g.White()
	b, bOK := g.Black()
	g.ClearPlayer(fen.White)
	g.ClearPlayer(fen.Black)
	g.Unlock()

	if wOK {
		w.GameEnded(line)
	}
	if bOK {
		b.GameEnded(line)
	}
}

func (s *Session) broadcast(g *game.State, line string) {
	g.Lock()
	w, wOK := g.White()
	b, bOK := g.Black()
	g.Unlock()

	if wOK {
		w.Send(line)
	}
	if bOK {
		b.Send(line)
	}
}

func parsePref(s string) (match.Pref, bool) {
	switch s {
	case "white":
		return match.White, true
	case "black":
		return match.Black, true
	case "either":
		return match.Either, true
	default:
		return 0, false
	}
}

func validMove(m string) bool {
	if len(m) != 4 && len(m) != 5 {
		return false
	}
	for _, r := range m {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
