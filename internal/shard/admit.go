package shard

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledger/internal/failure"
)

// Admit tries to occupy one slot of key using power-of-two choices.
//
// Two shard ids are drawn and both shards are read concurrently. The less
// loaded one (the first draw on a tie) gets +1, applied atomically only if
// its value stays within limit. No shard ever exceeds limit, so at most
// limit×shardCount slots are occupied at once. Admission is approximate: a
// caller can be denied while other shards still have room.
//
// An admitted caller should Release the returned shard when done.
func (s *Service) Admit(ctx context.Context, key string, limit, shardCount int) (Admission, error) {
	if err := validateKey(key, shardCount); err != nil {
		return Admission{}, err
	}
	if limit < 0 {
		return Admission{}, failure.NewInvalidArgument("limit must not be negative, got %d", limit)
	}
	if err := s.claim(ctx, key, KindAdmission); err != nil {
		return Admission{}, err
	}

	first := s.chooser.IntN(shardCount)
	second := s.chooser.IntN(shardCount)

	var loads [2]float64
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range [2]int{first, second} {
		g.Go(func() error {
			sh, err := s.store.GetShard(gctx, key, id)
			if err != nil {
				return err
			}
			if sh != nil {
				loads[i] = sh.Value
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Admission{}, keyStorageErr(key, "get shard", err)
	}

	target := first
	if loads[1] < loads[0] {
		target = second
	}

	ok, err := s.store.AddShardCapped(ctx, key, target, 1, float64(limit), s.clock.Now())
	if err != nil {
		return Admission{}, keyStorageErr(key, "occupy shard", err)
	}

	s.logger.Debug("admission decided",
		slog.String("key", key),
		slog.Int("shard_id", target),
		slog.Bool("allowed", ok),
	)
	return Admission{Allowed: ok, ShardID: target}, nil
}

// Release frees one slot on the shard an earlier Admit returned. It never
// takes a shard below zero and reports whether a slot was freed.
func (s *Service) Release(ctx context.Context, key string, shardID int) (bool, error) {
	if key == "" {
		return false, failure.NewInvalidArgument("key is required")
	}
	if shardID < 0 {
		return false, failure.NewInvalidArgument("shard id must not be negative, got %d", shardID)
	}
	if err := s.claim(ctx, key, KindAdmission); err != nil {
		return false, err
	}

	ok, err := s.store.AddShardCapped(ctx, key, shardID, -1, 0, s.clock.Now())
	if err != nil {
		return false, keyStorageErr(key, "release shard", err)
	}
	if !ok {
		s.logger.Warn("release on empty shard",
			slog.String("key", key),
			slog.Int("shard_id", shardID),
		)
	}
	return ok, nil
}
