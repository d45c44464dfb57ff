package interleave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spinner acquires cell 0 by spinning CompareExchange(1, 0).
func spinner() *Program {
	p := NewProgram("spinner", 1)
	top := p.Len()
	return p.CompareExchange(0, 1, 0, 0).JumpIfNot(0, 0, top)
}

func releaser() *Program {
	return NewProgram("releaser", 0).Nop().Store(0, 0)
}

func TestSpinnerAgainstRelease_Held(t *testing.T) {
	res, err := Explore([]uint64{1}, spinner(), releaser())
	require.NoError(t, err)

	assert.Equal(t, [][]uint64{{1}}, res.FinalMemories())
	assert.True(t, res.Terminates())
	for _, f := range res.Finals {
		assert.Equal(t, uint64(0), f.Regs[0][0], "spinner finishes after seeing 0")
	}
}

func TestSpinnerAgainstRelease_Free(t *testing.T) {
	res, err := Explore([]uint64{0}, spinner(), releaser())
	require.NoError(t, err)

	// Acquire-then-release leaves 0; release-then-acquire leaves 1.
	assert.Equal(t, [][]uint64{{0}, {1}}, res.FinalMemories())
	assert.True(t, res.Reachable([]uint64{0}))
	assert.False(t, res.Reachable([]uint64{2}))
	assert.True(t, res.Terminates())
}

func TestSpinnerAloneNeverFinishes(t *testing.T) {
	res, err := Explore([]uint64{1}, spinner())
	require.NoError(t, err)

	assert.Empty(t, res.Finals)
	assert.False(t, res.Terminates())
	assert.Equal(t, res.States, res.Stuck)
}

func TestLostUpdate(t *testing.T) {
	incr := func(name string) *Program {
		return NewProgram(name, 1).Load(0, 0).StoreReg(0, 0, 1)
	}
	res, err := Explore([]uint64{0}, incr("a"), incr("b"))
	require.NoError(t, err)
	assert.Equal(t, [][]uint64{{1}, {2}}, res.FinalMemories())

	add := func(name string) *Program {
		return NewProgram(name, 1).FetchAdd(0, 1, 0)
	}
	res, err = Explore([]uint64{0}, add("a"), add("b"))
	require.NoError(t, err)
	assert.Equal(t, [][]uint64{{2}}, res.FinalMemories())

	var seen []uint64
	for _, f := range res.Finals {
		seen = append(seen, f.Regs[0][0], f.Regs[1][0])
	}
	assert.ElementsMatch(t, []uint64{1, 2, 2, 1}, seen, "each add sees a distinct new value")
}

func TestStateLimit(t *testing.T) {
	counter := NewProgram("counter", 1)
	top := counter.Len()
	counter.FetchAdd(0, 1, 0).JumpIfNot(0, 1000, top)

	_, err := ExploreWith(Options{MaxStates: 100}, []uint64{0}, counter)
	assert.ErrorIs(t, err, ErrStateLimit)
}

func TestBadJump(t *testing.T) {
	p := NewProgram("bad", 1).JumpIfNot(0, 1, 7)
	_, err := Explore(nil, p)
	assert.Error(t, err)
}
