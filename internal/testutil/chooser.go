package testutil

import "sync"

// SequenceChooser replays a fixed sequence of shard choices, cycling when it
// runs out. Each value is reduced modulo n so one sequence can serve calls
// with different shard counts.
//
// Satisfies shard.Chooser.
type SequenceChooser struct {
	mu   sync.Mutex
	seq  []int
	idx  int
	seen []int
}

// NewSequenceChooser creates a chooser over seq. An empty seq always picks 0.
func NewSequenceChooser(seq ...int) *SequenceChooser {
	return &SequenceChooser{seq: seq}
}

// IntN returns the next value of the sequence modulo n.
func (c *SequenceChooser) IntN(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := 0
	if len(c.seq) > 0 {
		v = c.seq[c.idx%len(c.seq)]
		c.idx++
	}
	if n > 0 {
		v %= n
	}
	c.seen = append(c.seen, v)
	return v
}

// Calls returns the choices handed out so far.
func (c *SequenceChooser) Calls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.seen))
	copy(out, c.seen)
	return out
}
