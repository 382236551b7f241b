package shard

import (
	"context"
	"log/slog"
	"math"

	"github.com/roach88/ledger/internal/clock"
	"github.com/roach88/ledger/internal/failure"
)

// Service is the sharded accounting service. It is stateless over its Store
// and safe for concurrent use.
type Service struct {
	store         Store
	chooser       Chooser
	clock         clock.Clock
	logger        *slog.Logger
	defaultShards int
	guardKinds    bool
}

// Option configures a Service.
type Option func(*Service)

// WithChooser sets the shard picker. Tests inject a deterministic sequence.
func WithChooser(c Chooser) Option {
	return func(s *Service) {
		s.chooser = c
	}
}

// WithClock sets the time source for shard timestamps and bucket refill.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaultShards sets the shard count ConsumeCredits spreads over.
func WithDefaultShards(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.defaultShards = n
		}
	}
}

// WithKindGuard makes every operation claim its kind for the key, so a key
// used as a counter cannot later be used as a credit bucket.
func WithKindGuard(enabled bool) Option {
	return func(s *Service) {
		s.guardKinds = enabled
	}
}

// New creates a Service over the given store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		chooser:       RandomChooser{},
		clock:         clock.System{},
		logger:        slog.Default(),
		defaultShards: DefaultShardCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultShards returns the configured default shard count.
func (s *Service) DefaultShards() int {
	return s.defaultShards
}

// Increment adds delta to one uniformly chosen shard of key.
func (s *Service) Increment(ctx context.Context, key string, delta float64, shardCount int) error {
	if err := validateKey(key, shardCount); err != nil {
		return err
	}
	if !finite(delta) {
		return failure.NewInvalidArgument("delta must be finite, got %v", delta)
	}
	if err := s.claim(ctx, key, KindCounter); err != nil {
		return err
	}

	id := s.chooser.IntN(shardCount)
	if err := s.store.AddShard(ctx, key, id, delta, s.clock.Now()); err != nil {
		return keyStorageErr(key, "add shard", err)
	}
	s.logger.Debug("shard incremented",
		slog.String("key", key),
		slog.Int("shard_id", id),
		slog.Float64("delta", delta),
	)
	return nil
}

// ReadTotal sums every shard of key. The sum is not a snapshot: writes that
// land while shards are read may or may not be included.
func (s *Service) ReadTotal(ctx context.Context, key string) (float64, error) {
	if key == "" {
		return 0, failure.NewInvalidArgument("key is required")
	}
	shards, err := s.store.ListShards(ctx, key)
	if err != nil {
		return 0, keyStorageErr(key, "list shards", err)
	}
	var total float64
	for _, sh := range shards {
		total += sh.Value
	}
	return total, nil
}

// Shards returns the raw shard records of key.
func (s *Service) Shards(ctx context.Context, key string) ([]*Shard, error) {
	if key == "" {
		return nil, failure.NewInvalidArgument("key is required")
	}
	shards, err := s.store.ListShards(ctx, key)
	if err != nil {
		return nil, keyStorageErr(key, "list shards", err)
	}
	return shards, nil
}

func (s *Service) claim(ctx context.Context, key string, kind Kind) error {
	if !s.guardKinds {
		return nil
	}
	claimed, err := s.store.ClaimKey(ctx, key, kind)
	if err != nil {
		return keyStorageErr(key, "claim key", err)
	}
	if claimed != kind {
		return failure.NewKeyMix(key, string(claimed), string(kind))
	}
	return nil
}

func validateKey(key string, shardCount int) error {
	if key == "" {
		return failure.NewInvalidArgument("key is required")
	}
	if shardCount < 1 {
		return failure.NewInvalidArgument("shard count must be at least 1, got %d", shardCount)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func keyStorageErr(key, op string, err error) *failure.Error {
	e := failure.Storage(op, err)
	e.Key = key
	return e
}
