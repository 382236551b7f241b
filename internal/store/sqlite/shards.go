package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/shard"
)

func (s *Store) GetShard(ctx context.Context, key string, shardID int) (*shard.Shard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, shard_id, value, version, updated_at
		FROM shards
		WHERE key = ? AND shard_id = ?
	`, key, shardID)

	sh, err := scanShard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get shard: %w", err)
	}
	return sh, nil
}

func (s *Store) ListShards(ctx context.Context, key string) ([]*shard.Shard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, shard_id, value, version, updated_at
		FROM shards
		WHERE key = ?
		ORDER BY shard_id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list shards: %w", err)
	}
	defer rows.Close()

	shards := []*shard.Shard{}
	for rows.Next() {
		sh, err := scanShard(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan shard: %w", err)
		}
		shards = append(shards, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate shards: %w", err)
	}
	return shards, nil
}

func (s *Store) AddShard(ctx context.Context, key string, shardID int, delta float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, upsertShardSQL, key, shardID, delta, toMillis(now))
	if err != nil {
		return fmt.Errorf("sqlite: add shard: %w", err)
	}
	return nil
}

const upsertShardSQL = `
	INSERT INTO shards (key, shard_id, value, version, updated_at)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(key, shard_id) DO UPDATE SET
		value = shards.value + excluded.value,
		version = shards.version + 1,
		updated_at = excluded.updated_at
`

func (s *Store) AddShardCapped(ctx context.Context, key string, shardID int, delta, bound float64, now time.Time) (bool, error) {
	op := "<="
	if delta < 0 {
		op = ">="
	}

	var (
		res sql.Result
		err error
	)
	if withinBound(0, delta, bound) {
		// An absent shard may be created, so upsert with the bound on the
		// conflict branch only.
		res, err = s.db.ExecContext(ctx, upsertShardSQL+`
			WHERE shards.value + excluded.value `+op+` ?
		`, key, shardID, delta, toMillis(now), bound)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE shards
			SET value = value + ?, version = version + 1, updated_at = ?
			WHERE key = ? AND shard_id = ? AND value + ? `+op+` ?
		`, delta, toMillis(now), key, shardID, delta, bound)
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: capped add: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: capped add: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SwapShard(ctx context.Context, key string, shardID int, prevVersion int64, value float64, now time.Time) error {
	var (
		res sql.Result
		err error
	)
	if prevVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO shards (key, shard_id, value, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(key, shard_id) DO NOTHING
		`, key, shardID, value, toMillis(now))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE shards
			SET value = ?, version = version + 1, updated_at = ?
			WHERE key = ? AND shard_id = ? AND version = ?
		`, value, toMillis(now), key, shardID, prevVersion)
	}
	if err != nil {
		return fmt.Errorf("sqlite: swap shard: %w", err)
	}
	return expectOne(res, fmt.Sprintf("swap shard %s/%d from version %d", key, shardID, prevVersion), failure.ErrConflict)
}

func (s *Store) ClaimKey(ctx context.Context, key string, kind shard.Kind) (shard.Kind, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_keys (key, kind) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, string(kind)); err != nil {
		return "", fmt.Errorf("sqlite: claim key: %w", err)
	}

	var claimed string
	if err := s.db.QueryRowContext(ctx, `SELECT kind FROM shard_keys WHERE key = ?`, key).Scan(&claimed); err != nil {
		return "", fmt.Errorf("sqlite: read key claim: %w", err)
	}
	return shard.Kind(claimed), nil
}

func scanShard(row scanner) (*shard.Shard, error) {
	var (
		sh        shard.Shard
		updatedAt int64
	)
	if err := row.Scan(&sh.Key, &sh.ShardID, &sh.Value, &sh.Version, &updatedAt); err != nil {
		return nil, err
	}
	sh.UpdatedAt = fromMillis(updatedAt)
	return &sh, nil
}

// withinBound reports whether value+delta respects bound in the direction
// of delta.
func withinBound(value, delta, bound float64) bool {
	if delta < 0 {
		return value+delta >= bound
	}
	return value+delta <= bound
}
