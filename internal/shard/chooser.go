package shard

import (
	"math/rand/v2"
)

// Chooser picks shard ids. IntN returns a value in [0, n).
type Chooser interface {
	IntN(n int) int
}

// RandomChooser draws uniformly from the runtime's shared generator.
type RandomChooser struct{}

func (RandomChooser) IntN(n int) int {
	return rand.IntN(n)
}
