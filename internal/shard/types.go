package shard

import (
	"time"
)

// DefaultShardCount is the shard count used when none is configured.
const DefaultShardCount = 10

// Kind is the accounting mode a key is used for.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindAdmission Kind = "admission"
	KindCredits   Kind = "credits"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCounter, KindAdmission, KindCredits:
		return true
	}
	return false
}

// Shard is one partition of a sharded value.
//
// Version starts at 1 on the first write and increases on every write; it
// is the compare-and-swap token for ConsumeCredits.
type Shard struct {
	Key       string    `json:"key"`
	ShardID   int       `json:"shard_id"`
	Value     float64   `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Admission is the outcome of Admit.
type Admission struct {
	Allowed bool `json:"allowed"`
	ShardID int  `json:"shard_id"`
}

// Credit is the outcome of ConsumeCredits. Remaining is the shard's balance
// after the consumption, or its refilled balance when denied.
type Credit struct {
	Allowed   bool    `json:"allowed"`
	Remaining float64 `json:"remaining"`
	ShardID   int     `json:"shard_id"`
}
