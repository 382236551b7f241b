package postgres

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
		FROM ledger_shards WHERE key = $1 AND shard_id = $2
	`, key, shardID)
	sh, err := scanShard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get shard: %w", err)
	}
	return sh, nil
}

func (s *Store) ListShards(ctx context.Context, key string) ([]*shard.Shard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, shard_id, value, version, updated_at
		FROM ledger_shards WHERE key = $1
		ORDER BY shard_id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres: list shards: %w", err)
	}
	defer rows.Close()

	shards := []*shard.Shard{}
	for rows.Next() {
		sh, err := scanShard(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan shard: %w", err)
		}
		shards = append(shards, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate shards: %w", err)
	}
	return shards, nil
}

const upsertShardSQL = `
	INSERT INTO ledger_shards AS s (key, shard_id, value, version, updated_at)
	VALUES ($1, $2, $3, 1, $4)
	ON CONFLICT (key, shard_id) DO UPDATE SET
		value = s.value + excluded.value,
		version = s.version + 1,
		updated_at = excluded.updated_at
`

func (s *Store) AddShard(ctx context.Context, key string, shardID int, delta float64, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, upsertShardSQL, key, shardID, delta, now.UnixMilli()); err != nil {
		return fmt.Errorf("postgres: add shard: %w", err)
	}
	return nil
}

func (s *Store) AddShardCapped(ctx context.Context, key string, shardID int, delta, bound float64, now time.Time) (bool, error) {
	op := "<="
	absentOK := delta <= bound
	if delta < 0 {
		op = ">="
		absentOK = delta >= bound
	}

	var (
		res sql.Result
		err error
	)
	if absentOK {
		res, err = s.db.ExecContext(ctx, upsertShardSQL+`
			WHERE s.value + excluded.value `+op+` $5
		`, key, shardID, delta, now.UnixMilli(), bound)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE ledger_shards
			SET value = value + $1, version = version + 1, updated_at = $2
			WHERE key = $3 AND shard_id = $4 AND value + $1 `+op+` $5
		`, delta, now.UnixMilli(), key, shardID, bound)
	}
	if err != nil {
		return false, fmt.Errorf("postgres: capped add: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: capped add: %w", err)
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
			INSERT INTO ledger_shards (key, shard_id, value, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (key, shard_id) DO NOTHING
		`, key, shardID, value, now.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE ledger_shards
			SET value = $1, version = version + 1, updated_at = $2
			WHERE key = $3 AND shard_id = $4 AND version = $5
		`, value, now.UnixMilli(), key, shardID, prevVersion)
	}
	if err != nil {
		return fmt.Errorf("postgres: swap shard: %w", err)
	}
	return expectOne(res, fmt.Sprintf("swap shard %s/%d from version %d", key, shardID, prevVersion), failure.ErrConflict)
}

func (s *Store) ClaimKey(ctx context.Context, key string, kind shard.Kind) (shard.Kind, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_shard_keys (key, kind) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, string(kind)); err != nil {
		return "", fmt.Errorf("postgres: claim key: %w", err)
	}
	var claimed string
	if err := s.db.QueryRowContext(ctx,
		`SELECT kind FROM ledger_shard_keys WHERE key = $1`, key).Scan(&claimed); err != nil {
		return "", fmt.Errorf("postgres: read key claim: %w", err)
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
