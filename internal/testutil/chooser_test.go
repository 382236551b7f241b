package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceChooser_Cycles(t *testing.T) {
	c := NewSequenceChooser(1, 3)

	assert.Equal(t, 1, c.IntN(4))
	assert.Equal(t, 3, c.IntN(4))
	assert.Equal(t, 1, c.IntN(4))
	assert.Equal(t, []int{1, 3, 1}, c.Calls())
}

func TestSequenceChooser_ReducesModuloN(t *testing.T) {
	c := NewSequenceChooser(7)
	assert.Equal(t, 1, c.IntN(3))
}

func TestSequenceChooser_EmptyPicksZero(t *testing.T) {
	c := NewSequenceChooser()
	assert.Equal(t, 0, c.IntN(10))
	assert.Equal(t, 0, c.IntN(10))
}
