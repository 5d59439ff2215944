package game_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tkellar/uqchessserver/pkg/fen"
	"github.com/tkellar/uqchessserver/pkg/game"
)

type recorder struct {
	lines []string
	ended []string
}

func (r *recorder) Send(line string)      { r.lines = append(r.lines, line) }
func (r *recorder) GameEnded(line string) { r.ended = append(r.ended, line) }

func TestNewGameIsEmptyAndUnstarted(t *testing.T) {
	g := game.New()
	g.Lock()
	defer g.Unlock()

	assert.False(t, g.Started())
	assert.Equal(t, fen.Initial, g.FEN())

	_, ok := g.White()
	assert.False(t, ok)
	_, ok = g.Black()
	assert.False(t, ok)
}

func TestSetAndClearPlayer(t *testing.T) {
	g := game.New()
	w := &recorder{}
	b := &recorder{}

	g.Lock()
	g.SetPlayer(fen.White, w)
	g.SetPlayer(fen.Black, b)
	g.MarkStarted()
	g.Unlock()

	g.Lock()
	defer g.Unlock()

	assert.True(t, g.Started())

	p, ok := g.White()
	assert.True(t, ok)
	assert.Same(t, w, p)

	opp, ok := g.Opponent(fen.White)
	assert.True(t, ok)
	assert.Same(t, b, opp)

	g.ClearPlayer(fen.White)
	_, ok = g.White()
	assert.False(t, ok)
}

func TestWhoseTurn(t *testing.T) {
	g := game.New()

	g.Lock()
	turn, err := g.WhoseTurn()
	g.Unlock()

	assert.NoError(t, err)
	assert.Equal(t, fen.White, turn)

	g.Lock()
	g.SetFEN("rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1")
	turn, err = g.WhoseTurn()
	g.Unlock()

	assert.NoError(t, err)
	assert.Equal(t, fen.Black, turn)
}
