package shard

import (
	"context"
	"time"
)

// Store is the Record Store contract the accounting service consumes.
//
// Each method touches one shard record and is atomic in the backend. An
// absent shard reads as nil and behaves as value 0, version 0 in writes.
type Store interface {
	// GetShard returns nil, nil if the shard has never been written.
	GetShard(ctx context.Context, key string, shardID int) (*Shard, error)

	// ListShards returns every shard of key ordered by shard id.
	ListShards(ctx context.Context, key string) ([]*Shard, error)

	// AddShard adds delta to the shard, creating it if absent.
	AddShard(ctx context.Context, key string, shardID int, delta float64, now time.Time) error

	// AddShardCapped adds delta only if the result stays within bound:
	// value+delta <= bound for delta >= 0, value+delta >= bound for delta < 0.
	// Reports whether the add was applied.
	AddShardCapped(ctx context.Context, key string, shardID int, delta, bound float64, now time.Time) (bool, error)

	// SwapShard writes value only if the shard's version is still
	// prevVersion (0 meaning the shard must not exist yet).
	// Returns ErrConflict otherwise.
	SwapShard(ctx context.Context, key string, shardID int, prevVersion int64, value float64, now time.Time) error

	// ClaimKey records kind for key if the key is unclaimed and returns the
	// kind the key is claimed for afterwards.
	ClaimKey(ctx context.Context, key string, kind Kind) (Kind, error)
}
