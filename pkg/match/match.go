// Package match implements colour-preference matchmaking between human
// clients awaiting an opponent.
package match

import (
	"context"
	"sync"

	"github.com/seekerror/logw"

	"github.com/tkellar/uqchessserver/pkg/fen"
	"github.com/tkellar/uqchessserver/pkg/game"
)

// Pref is a client's requested colour for a human-vs-human game.
type Pref int

const (
	White Pref = iota
	Black
	Either
)

// Participant is what the wait list needs from a waiting client: somewhere
// to deliver protocol lines, a way to be told which game and colour it ended
// up with once paired, and a way to be handed the provisional game it owns
// alone while still waiting.
type Participant interface {
	game.Player
	Attach(g *game.State, colour fen.Colour)
	AttachPending(g *game.State)
}

type waiter struct {
	p    Participant
	pref Pref
	game *game.State
}

// List is the process-lifetime wait queue of human-opponent-seeking clients.
type List struct {
	mu      sync.Mutex
	waiters []*waiter
}

// NewList returns an empty wait list.
func NewList() *List {
	return &List{}
}

// Join attempts to pair p (requesting pref) with a compatible waiting
// client, in arrival order. If a match is found, both sides' games are
// populated, both are sent "started <colour>", and the matched GameState is
// returned. If no match is found, p is appended to the wait list holding a
// fresh, not-yet-started GameState, which is returned instead.
//
// The wait-list lock is released before any GameState lock is taken, so it
// never nests with the engine/game lock pair.
func (l *List) Join(ctx context.Context, p Participant, pref Pref) *game.State {
	l.mu.Lock()

	var matched *waiter
	var wColour, pColour fen.Colour
	for i, w := range l.waiters {
		if wc, pc, ok := resolve(w.pref, pref); ok {
			matched = w
			wColour, pColour = wc, pc
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}

	var pending *game.State
	if matched == nil {
		pending = game.New()
		l.waiters = append(l.waiters, &waiter{p: p, pref: pref, game: pending})
	}

	size := len(l.waiters)
	l.mu.Unlock()

	logw.Debugf(ctx, "Wait list size: %v", size)

	if matched == nil {
		p.AttachPending(pending)
		return pending
	}

	g := matched.game
	g.Lock()
	g.SetPlayer(wColour, matched.p)
	g.SetPlayer(pColour, p)
	g.MarkStarted()
	g.Unlock()

	matched.p.Attach(g, wColour)
	p.Attach(g, pColour)

	matched.p.Send(startedLine(wColour))
	p.Send(startedLine(pColour))

	return g
}

// Leave removes p from the wait list, if present, e.g. because its session
// disconnected before being paired. Reports whether p was found.
func (l *List) Leave(ctx context.Context, p Participant) bool {
	l.mu.Lock()

	for i, w := range l.waiters {
		if w.p == p {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			size := len(l.waiters)
			l.mu.Unlock()

			logw.Debugf(ctx, "Wait list size: %v", size)
			return true
		}
	}

	l.mu.Unlock()
	return false
}

// Len reports the current wait-list size, for diagnostics.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.waiters)
}

func startedLine(c fen.Colour) string {
	return "started " + c.String()
}

// resolve decides whether waiting-client preference wPref and newcomer
// preference pPref are compatible, and if so, which concrete colour each
// side ends up with. Compatibility holds unless both sides name the same
// specific colour; an "either" preference resolves to the opposite colour
// of whatever its counterpart settles on, and two "either"s resolve with
// the waiting client taking white.
func resolve(wPref, pPref Pref) (wColour, pColour fen.Colour, ok bool) {
	switch {
	case wPref == Either && pPref == Either:
		return fen.White, fen.Black, true

	case wPref == Either:
		pColour = concrete(pPref)
		return pColour.Opponent(), pColour, true

	case pPref == Either:
		wColour = concrete(wPref)
		return wColour, wColour.Opponent(), true

	case wPref == pPref:
		return 0, 0, false

	default:
		return concrete(wPref), concrete(pPref), true
	}
}

func concrete(p Pref) fen.Colour {
	if p == White {
		return fen.White
	}
	return fen.Black
}
