// Package engine owns the external chess engine subprocess and serializes
// every request/response round trip through it. The engine is treated as an
// authoritative black box: this package never generates or validates a move
// itself, it only drives the documented subset of the UCI-like protocol
// (isready/readyok, uci/uciok, ucinewgame, position, go movetime, go perft 1,
// d) and parses the replies.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/seekerror/logw"
	"github.com/seekerror/stdlib/pkg/util/iox"
	"go.uber.org/atomic"

	"github.com/tkellar/uqchessserver/pkg/fen"
)

// Notifier is told once, by line, when the engine has died. It is also the
// server's live-client registry: every connected client gets "error engine".
type Notifier interface {
	Broadcast(line string)
}

// BoardResult is the parsed reply to a "d" command: the rendered board,
// the FEN afterwards, the checkers field, and the derived side to move.
type BoardResult struct {
	Board      []string
	FEN        string
	Checkers   string
	SideToMove fen.Colour
}

// Driver owns the subprocess pipes and the single exclusivity lock that
// every query primitive below acquires for its whole round trip, per the
// one-conversation-at-a-time constraint of the external engine.
type Driver struct {
	iox.AsyncCloser

	cmd      *exec.Cmd
	stdin    io.Closer
	w        *bufio.Writer
	scanner  *bufio.Scanner
	notifier Notifier

	dead atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// Start launches the engine subprocess at path with args, performs the
// initial isready/readyok + uci/uciok handshake, and returns a ready Driver.
// A failure here is engine-start failure (spec exit code 11), distinct from
// the unexpected-death path (exit code 5) that fires after startup succeeds.
func Start(ctx context.Context, path string, args []string, notifier Notifier) (*Driver, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %v: %w", path, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	d := &Driver{
		AsyncCloser: iox.NewAsyncCloser(),
		cmd:         cmd,
		stdin:       stdin,
		w:           bufio.NewWriter(stdin),
		scanner:     scanner,
		notifier:    notifier,
	}

	if err := d.doHandshake(ctx); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("engine handshake: %w", err)
	}

	logw.Infof(ctx, "Engine ready: %v %v", path, args)
	return d, nil
}

// Err returns the error that caused the engine to be declared dead, if any.
// Only meaningful after Closed() has fired.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lastErr
}

// SetPosition resets the engine to the given position.
func (d *Driver) SetPosition(ctx context.Context, position string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.setPosition(ctx, position)
}

// BestMove returns the engine's chosen move for the given position.
func (d *Driver) BestMove(ctx context.Context, position string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setPosition(ctx, position); err != nil {
		return "", err
	}
	if err := d.write(ctx, "go movetime 500 depth 15"); err != nil {
		return "", d.fail(ctx, err)
	}
	for {
		line, err := d.readLine(ctx)
		if err != nil {
			return "", d.fail(ctx, err)
		}
		if strings.HasPrefix(line, "bestmove") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return "", d.fail(ctx, fmt.Errorf("malformed bestmove reply: %q", line))
			}
			return fields[1], nil
		}
	}
}

// AllMoves returns every legal move from the given position (possibly none),
// derived from a one-ply perft.
func (d *Driver) AllMoves(ctx context.Context, position string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setPosition(ctx, position); err != nil {
		return nil, err
	}
	if err := d.write(ctx, "go perft 1"); err != nil {
		return nil, d.fail(ctx, err)
	}

	var moves []string
	for {
		line, err := d.readLine(ctx)
		if err != nil {
			return nil, d.fail(ctx, err)
		}
		if strings.HasPrefix(line, "Nodes searched") {
			return moves, nil
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			moves = append(moves, strings.TrimSpace(line[:idx]))
		}
	}
}

// BoardAndFen renders the board and reports the FEN, checkers, and side to
// move for the given position.
func (d *Driver) BoardAndFen(ctx context.Context, position string) (*BoardResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setPosition(ctx, position); err != nil {
		return nil, err
	}
	return d.queryBoard(ctx)
}

// ApplyMove plays move against position. It returns nil, nil (no error, no
// result) if the engine rejected the move -- detected by the resulting FEN
// being unchanged from the input.
func (d *Driver) ApplyMove(ctx context.Context, position, move string) (*BoardResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.write(ctx, "ucinewgame"); err != nil {
		return nil, d.fail(ctx, err)
	}
	if err := d.waitReady(ctx); err != nil {
		return nil, d.fail(ctx, err)
	}
	if err := d.write(ctx, fmt.Sprintf("position fen %v moves %v", position, move)); err != nil {
		return nil, d.fail(ctx, err)
	}

	result, err := d.queryBoard(ctx)
	if err != nil {
		return nil, err
	}
	if result.FEN == position {
		return nil, nil
	}
	return result, nil
}

// setPosition assumes d.mu is held.
func (d *Driver) setPosition(ctx context.Context, position string) error {
	if err := d.write(ctx, "ucinewgame"); err != nil {
		return d.fail(ctx, err)
	}
	if err := d.waitReady(ctx); err != nil {
		return d.fail(ctx, err)
	}
	if err := d.write(ctx, fmt.Sprintf("position fen %v", position)); err != nil {
		return d.fail(ctx, err)
	}
	return nil
}

// queryBoard assumes d.mu is held and the position has already been set.
func (d *Driver) queryBoard(ctx context.Context) (*BoardResult, error) {
	if err := d.write(ctx, "d"); err != nil {
		return nil, d.fail(ctx, err)
	}

	var board []string
	var newFEN string
	for {
		line, err := d.readLine(ctx)
		if err != nil {
			return nil, d.fail(ctx, err)
		}

		switch {
		case strings.HasPrefix(line, "Fen:"):
			newFEN = strings.TrimSpace(strings.TrimPrefix(line, "Fen:"))

		case strings.HasPrefix(line, "Checkers:"):
			checkers := strings.TrimSpace(strings.TrimPrefix(line, "Checkers:"))
			side, err := fen.SideToMove(newFEN)
			if err != nil {
				return nil, d.fail(ctx, fmt.Errorf("engine reported invalid FEN %q: %w", newFEN, err))
			}
			return &BoardResult{Board: board, FEN: newFEN, Checkers: checkers, SideToMove: side}, nil

		default:
			if newFEN == "" {
				board = append(board, line)
			}
		}
	}
}

// doHandshake performs the full startup handshake: isready/readyok followed
// by uci/uciok. Only Start calls this -- every later position change only
// needs to repeat the isready/readyok half, via waitReady. Assumes d.mu is
// held (or is being called during Start, before any other goroutine can
// observe d).
func (d *Driver) doHandshake(ctx context.Context) error {
	if err := d.waitReady(ctx); err != nil {
		return err
	}

	if err := d.write(ctx, "uci"); err != nil {
		return err
	}
	for {
		line, err := d.readLine(ctx)
		if err != nil {
			return err
		}
		if line == "uciok" {
			break
		}
	}
	return nil
}

// waitReady sends isready and reads until readyok, per spec.md §4.1's
// SetPosition: "Send ucinewgame; re-run the isready/readyok exchange; send
// position fen <FEN>" -- no uci/uciok round trip. Assumes d.mu is held.
func (d *Driver) waitReady(ctx context.Context) error {
	if err := d.write(ctx, "isready"); err != nil {
		return err
	}
	for {
		line, err := d.readLine(ctx)
		if err != nil {
			return err
		}
		if line == "readyok" {
			return nil
		}
	}
}

func (d *Driver) write(ctx context.Context, line string) error {
	logw.Debugf(ctx, ">> %v", line)

	if _, err := fmt.Fprintln(d.w, line); err != nil {
		return err
	}
	return d.w.Flush()
}

func (d *Driver) readLine(ctx context.Context) (string, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	line := d.scanner.Text()
	logw.Debugf(ctx, "<< %v", line)
	return line, nil
}

// fail declares the engine dead: it is only ever called with d.mu held (the
// exclusivity lock), so the plain write to lastErr below is already
// serialized. dead is an atomic.Bool latch: only the first caller records
// its cause in lastErr (which Err() reads under d.mu), notifies every live
// client and latches Closed(); later callers only get their own cause back,
// wrapped.
func (d *Driver) fail(ctx context.Context, cause error) error {
	if d.dead.CompareAndSwap(false, true) {
		d.lastErr = cause

		logw.Errorf(ctx, "Engine died: %v", cause)
		fmt.Fprintln(os.Stderr, "uqchessserver: chess engine exited unexpectedly")

		d.notifier.Broadcast("error engine")
		_ = d.cmd.Process.Kill()
		d.Close()
	}
	return fmt.Errorf("engine died: %w", cause)
}
