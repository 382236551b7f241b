package shard

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/roach88/ledger/internal/failure"
)

// ConsumeCredits takes amount tokens from one random shard of key, treating
// that shard as an independent token bucket of the given capacity refilled
// at refillPerMs tokens per millisecond.
//
// A shard never written starts full. The refilled balance is
// min(capacity, value + elapsed×refillPerMs). If it covers amount the new
// balance is written with compare-and-swap on the shard version; a lost swap
// returns a CONTENDED error and the caller may retry. A denial writes
// nothing.
func (s *Service) ConsumeCredits(ctx context.Context, key string, amount, capacity, refillPerMs float64) (Credit, error) {
	if key == "" {
		return Credit{}, failure.NewInvalidArgument("key is required")
	}
	switch {
	case !(capacity > 0) || !finite(capacity):
		return Credit{}, failure.NewInvalidArgument("capacity must be positive and finite, got %v", capacity)
	case !(amount >= 0) || !finite(amount):
		return Credit{}, failure.NewInvalidArgument("amount must be finite and not negative, got %v", amount)
	case !(refillPerMs >= 0) || !finite(refillPerMs):
		return Credit{}, failure.NewInvalidArgument("refill rate must be finite and not negative, got %v", refillPerMs)
	}
	if err := s.claim(ctx, key, KindCredits); err != nil {
		return Credit{}, err
	}

	id := s.chooser.IntN(s.defaultShards)
	sh, err := s.store.GetShard(ctx, key, id)
	if err != nil {
		return Credit{}, keyStorageErr(key, "get shard", err)
	}

	now := s.clock.Now()
	tokens := capacity
	var version int64
	if sh != nil {
		version = sh.Version
		elapsed := float64(now.Sub(sh.UpdatedAt).Milliseconds())
		if elapsed < 0 {
			elapsed = 0
		}
		tokens = math.Min(capacity, sh.Value+elapsed*refillPerMs)
	}

	if tokens < amount {
		s.logger.Debug("credits denied",
			slog.String("key", key),
			slog.Int("shard_id", id),
			slog.Float64("available", tokens),
		)
		return Credit{Allowed: false, Remaining: tokens, ShardID: id}, nil
	}

	remaining := tokens - amount
	if err := s.store.SwapShard(ctx, key, id, version, remaining, now); err != nil {
		if errors.Is(err, failure.ErrConflict) {
			return Credit{}, failure.NewContended(key, err)
		}
		return Credit{}, keyStorageErr(key, "swap shard", err)
	}
	return Credit{Allowed: true, Remaining: remaining, ShardID: id}, nil
}
