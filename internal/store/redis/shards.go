package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/shard"
)

func (s *Store) GetShard(ctx context.Context, key string, shardID int) (*shard.Shard, error) {
	vals, err := s.client.HGetAll(ctx, shardKey(key, shardID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get shard: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return mapToShard(key, shardID, vals)
}

func (s *Store) ListShards(ctx context.Context, key string) ([]*shard.Shard, error) {
	members, err := s.client.ZRange(ctx, shardIndexKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list shards: %w", err)
	}

	shards := []*shard.Shard{}
	if len(members) == 0 {
		return shards, nil
	}

	ids := make([]int, len(members))
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(members))
	for i, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("redis: parse shard id %q: %w", m, err)
		}
		ids[i] = id
		cmds[i] = pipe.HGetAll(ctx, shardKey(key, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: load shards: %w", err)
	}

	for i, cmd := range cmds {
		sh, err := mapToShard(key, ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		shards = append(shards, sh)
	}
	return shards, nil
}

func (s *Store) AddShard(ctx context.Context, key string, shardID int, delta float64, now time.Time) error {
	keys := []string{shardKey(key, shardID), shardIndexKey(key)}
	if err := addShardScript.Run(ctx, s.client, keys, formatFloat(delta), ms(now), shardID).Err(); err != nil {
		return fmt.Errorf("redis: add shard: %w", err)
	}
	return nil
}

func (s *Store) AddShardCapped(ctx context.Context, key string, shardID int, delta, bound float64, now time.Time) (bool, error) {
	keys := []string{shardKey(key, shardID), shardIndexKey(key)}
	n, err := addShardCappedScript.Run(ctx, s.client, keys,
		formatFloat(delta), ms(now), shardID, formatFloat(bound)).Int()
	if err != nil {
		return false, fmt.Errorf("redis: capped add: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SwapShard(ctx context.Context, key string, shardID int, prevVersion int64, value float64, now time.Time) error {
	keys := []string{shardKey(key, shardID), shardIndexKey(key)}
	n, err := swapShardScript.Run(ctx, s.client, keys,
		prevVersion, formatFloat(value), ms(now), shardID).Int()
	if err != nil {
		return fmt.Errorf("redis: swap shard: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("redis: swap shard %s/%d from version %d: %w", key, shardID, prevVersion, failure.ErrConflict)
	}
	return nil
}

func (s *Store) ClaimKey(ctx context.Context, key string, kind shard.Kind) (shard.Kind, error) {
	if err := s.client.SetNX(ctx, kindKey(key), string(kind), 0).Err(); err != nil {
		return "", fmt.Errorf("redis: claim key: %w", err)
	}
	claimed, err := s.client.Get(ctx, kindKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("redis: key claim for %s vanished", key)
	}
	if err != nil {
		return "", fmt.Errorf("redis: read key claim: %w", err)
	}
	return shard.Kind(claimed), nil
}

func mapToShard(key string, shardID int, m map[string]string) (*shard.Shard, error) {
	value, err := strconv.ParseFloat(m["value"], 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse shard value: %w", err)
	}
	version, err := strconv.ParseInt(m["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse shard version: %w", err)
	}
	updatedAt, err := parseMillis("updated_at", m["updated_at"])
	if err != nil {
		return nil, err
	}
	return &shard.Shard{
		Key:       key,
		ShardID:   shardID,
		Value:     value,
		Version:   version,
		UpdatedAt: updatedAt,
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
