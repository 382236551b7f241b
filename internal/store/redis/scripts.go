package redis

import (
	goredis "github.com/redis/go-redis/v9"
)

// Every conditional write runs as a Lua script so the check and the write
// are one atomic server-side operation.

// KEYS: workflow. ARGV: field/value pairs.
// Returns 1 on insert, 0 if the workflow exists.
var insertWorkflowScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// KEYS: workflow. ARGV: from, status, result, has_result, error, updated_at.
// Returns 1 on patch, 0 on status mismatch, -1 if absent.
var patchWorkflowScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'error', ARGV[5], 'updated_at', ARGV[6])
if ARGV[4] == '1' then
	redis.call('HSET', KEYS[1], 'result', ARGV[3])
else
	redis.call('HDEL', KEYS[1], 'result')
end
return 1
`)

// KEYS: workflow, step index, step, step order, running.
// ARGV: step_key, step id, created_at, updated_at, status, field/value pairs...
// Returns 1 on insert, 0 on duplicate, -1 if the workflow is absent.
var insertStepScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 or redis.call('EXISTS', KEYS[3]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], unpack(ARGV, 6))
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[2])
if ARGV[5] == 'running' then
	redis.call('ZADD', KEYS[5], ARGV[4], ARGV[2])
end
return 1
`)

// KEYS: step, running. ARGV: from, status, output, has_output, error, updated_at, id.
// Returns 1 on patch, 0 on mismatch or absence.
var patchStepScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur or cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'error', ARGV[5], 'updated_at', ARGV[6])
if ARGV[4] == '1' then
	redis.call('HSET', KEYS[1], 'output', ARGV[3])
else
	redis.call('HDEL', KEYS[1], 'output')
end
if ARGV[2] == 'running' then
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[7])
else
	redis.call('ZREM', KEYS[2], ARGV[7])
end
return 1
`)

// KEYS: step, step index, step order, running. ARGV: status, id.
// Returns 1 on delete, 0 on mismatch or absence.
var deleteStepScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur or cur ~= ARGV[1] then
	return 0
end
local key = redis.call('HGET', KEYS[1], 'step_key')
redis.call('DEL', KEYS[1])
redis.call('HDEL', KEYS[2], key)
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[2])
return 1
`)

// KEYS: shard, shard index. ARGV: delta, updated_at, shard id.
var addShardScript = goredis.NewScript(`
redis.call('HINCRBYFLOAT', KEYS[1], 'value', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[3])
return 1
`)

// KEYS: shard, shard index. ARGV: delta, updated_at, shard id, bound.
// Returns 1 if applied, 0 if the result would cross the bound.
var addShardCappedScript = goredis.NewScript(`
local value = tonumber(redis.call('HGET', KEYS[1], 'value') or '0')
local delta = tonumber(ARGV[1])
local bound = tonumber(ARGV[4])
local nextValue = value + delta
if (delta >= 0 and nextValue > bound) or (delta < 0 and nextValue < bound) then
	return 0
end
redis.call('HINCRBYFLOAT', KEYS[1], 'value', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[3])
return 1
`)

// KEYS: shard, shard index. ARGV: prev version, value, updated_at, shard id.
// Returns 1 on swap, 0 on version mismatch.
var swapShardScript = goredis.NewScript(`
local version = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if version ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[2], 'version', version + 1, 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[4])
return 1
`)
