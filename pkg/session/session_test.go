package session_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkellar/uqchessserver/pkg/engine"
	"github.com/tkellar/uqchessserver/pkg/fen"
	"github.com/tkellar/uqchessserver/pkg/match"
	"github.com/tkellar/uqchessserver/pkg/session"
)

// fakeEngine answers every call with its pre-programmed results; good enough
// to drive a session's state machine without a real subprocess.
type fakeEngine struct {
	bestMove    string
	bestErr     error
	allMoves    []string
	allErr      error
	boardResult *engine.BoardResult
	boardErr    error
	applyResult *engine.BoardResult
	applyErr    error
}

func (f *fakeEngine) BestMove(ctx context.Context, position string) (string, error) {
	return f.bestMove, f.bestErr
}
func (f *fakeEngine) AllMoves(ctx context.Context, position string) ([]string, error) {
	return f.allMoves, f.allErr
}
func (f *fakeEngine) BoardAndFen(ctx context.Context, position string) (*engine.BoardResult, error) {
	return f.boardResult, f.boardErr
}
func (f *fakeEngine) ApplyMove(ctx context.Context, position, move string) (*engine.BoardResult, error) {
	return f.applyResult, f.applyErr
}

// client is a test harness wrapping one end of a pipe connected to a Session
// running in the background, with helpers to send commands and read replies.
type client struct {
	t    *testing.T
	conn net.Conn
	in   *bufio.Scanner
}

func newClient(t *testing.T, eng session.Engine, wait *match.List) *client {
	t.Helper()

	server, local := net.Pipe()
	s := session.New(server, eng, wait)
	go s.Serve(context.Background())

	return &client{t: t, conn: local, in: bufio.NewScanner(local)}
}

func (c *client) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintln(c.conn, line)
	require.NoError(c.t, err)
}

func (c *client) recv() string {
	c.t.Helper()
	require.True(c.t, c.in.Scan(), "expected a reply, got none (err=%v)", c.in.Err())
	return c.in.Text()
}

func TestMoveBeforeStartIsErrorGame(t *testing.T) {
	c := newClient(t, &fakeEngine{}, match.NewList())

	c.send("move e2e4")
	assert.Equal(t, "error game", c.recv())
}

func TestUnknownCommandIsErrorCommand(t *testing.T) {
	c := newClient(t, &fakeEngine{}, match.NewList())

	c.send("castle")
	assert.Equal(t, "error command", c.recv())
}

func TestStartComputerWhiteThenMove(t *testing.T) {
	fe := &fakeEngine{
		applyResult: &engine.BoardResult{FEN: fen.Initial, Checkers: "", SideToMove: fen.Black},
		allMoves:    []string{"a7a6"},
		bestMove:    "e7e5",
	}
	c := newClient(t, fe, match.NewList())

	c.send("start computer white")
	assert.Equal(t, "started white", c.recv())

	c.send("move e2e4")
	assert.Equal(t, "ok", c.recv())
	assert.Equal(t, "moved e7e5", c.recv())
}

func TestStartComputerBlackTriggersImmediateMove(t *testing.T) {
	fe := &fakeEngine{
		applyResult: &engine.BoardResult{FEN: fen.Initial, Checkers: "", SideToMove: fen.White},
		allMoves:    []string{"a2a3"},
		bestMove:    "e7e5",
	}
	c := newClient(t, fe, match.NewList())

	c.send("start computer black")
	assert.Equal(t, "started black", c.recv())
	assert.Equal(t, "moved e7e5", c.recv())
}

func TestMoveOutOfTurnIsRejected(t *testing.T) {
	fe := &fakeEngine{
		applyResult: &engine.BoardResult{FEN: fen.Initial, Checkers: "", SideToMove: fen.White},
		allMoves:    []string{"a2a3"},
		bestMove:    "e7e5",
	}
	c := newClient(t, fe, match.NewList())

	c.send("start computer black")
	assert.Equal(t, "started black", c.recv())
	assert.Equal(t, "moved e7e5", c.recv())

	// The position is still white-to-move (per the fake's canned FEN), but
	// this client is black.
	c.send("move e2e4")
	assert.Equal(t, "error turn", c.recv())
}

func TestBoardAllowedWhileWaiting(t *testing.T) {
	fe := &fakeEngine{
		boardResult: &engine.BoardResult{Board: []string{"8/8/8/8/8/8/8/8"}, FEN: fen.Initial, SideToMove: fen.White},
	}
	c := newClient(t, fe, match.NewList())

	c.send("start human either")
	c.send("board")

	assert.Equal(t, "startboard", c.recv())
	assert.Equal(t, "8/8/8/8/8/8/8/8", c.recv())
	assert.Equal(t, "endboard", c.recv())
}

func TestHumanVsHumanMoveNotifiesOpponent(t *testing.T) {
	fe := &fakeEngine{
		applyResult: &engine.BoardResult{FEN: fen.Initial, Checkers: "", SideToMove: fen.Black},
		allMoves:    []string{"a7a6"},
	}
	wait := match.NewList()
	white := newClient(t, fe, wait)
	black := newClient(t, fe, wait)

	white.send("start human white")
	black.send("start human black")

	assert.Equal(t, "started white", white.recv())
	assert.Equal(t, "started black", black.recv())

	white.send("move e2e4")
	assert.Equal(t, "ok", white.recv())
	assert.Equal(t, "moved e2e4", black.recv())
}

func TestResignNotifiesOpponent(t *testing.T) {
	fe := &fakeEngine{}
	wait := match.NewList()
	white := newClient(t, fe, wait)
	black := newClient(t, fe, wait)

	white.send("start human white")
	black.send("start human black")
	require.Equal(t, "started white", white.recv())
	require.Equal(t, "started black", black.recv())

	white.send("resign")
	assert.Equal(t, "gameover resignation black", white.recv())
	assert.Equal(t, "gameover resignation black", black.recv())
}

func TestCheckmateEndsGame(t *testing.T) {
	fe := &fakeEngine{
		applyResult: &engine.BoardResult{FEN: "4k3/8/8/8/8/8/8/4K2R b - - 0 1", Checkers: "e1", SideToMove: fen.Black},
	}
	c := newClient(t, fe, match.NewList())

	c.send("start computer white")
	assert.Equal(t, "started white", c.recv())

	c.send("move e2e4")
	assert.Equal(t, "ok", c.recv())
	assert.Equal(t, "gameover checkmate white", c.recv())
}

func TestHintBestAndAll(t *testing.T) {
	fe := &fakeEngine{bestMove: "e2e4", allMoves: []string{"a2a3", "a2a4"}}
	c := newClient(t, fe, match.NewList())

	c.send("start computer white")
	require.Equal(t, "started white", c.recv())

	c.send("hint best")
	assert.Equal(t, "moves e2e4", c.recv())

	c.send("hint all")
	assert.Equal(t, "moves a2a3 a2a4", c.recv())
}
