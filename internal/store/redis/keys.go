package redis

import "strconv"

// Redis key naming conventions for ledger data.
// All keys are prefixed with "ledger:" to avoid collisions.

const keyPrefix = "ledger:"

// workflowKey returns the hash key for a workflow run: ledger:wf:{id}
func workflowKey(id string) string { return keyPrefix + "wf:" + id }

// stepKey returns the hash key for a step record: ledger:step:{id}
func stepKey(id string) string { return keyPrefix + "step:" + id }

// stepIndexKey returns the hash mapping step keys to step ids for one
// workflow. It is the unique (workflow, step key) index.
func stepIndexKey(workflowID string) string { return keyPrefix + "step_idx:" + workflowID }

// stepOrderKey returns the sorted set of a workflow's step ids scored by
// creation time.
func stepOrderKey(workflowID string) string { return keyPrefix + "steps:" + workflowID }

// runningKey is the sorted set of running step ids scored by last update.
const runningKey = keyPrefix + "running"

// shardKey returns the hash key for one shard: ledger:shard:{key}:{id}
func shardKey(key string, shardID int) string {
	return keyPrefix + "shard:" + key + ":" + strconv.Itoa(shardID)
}

// shardIndexKey returns the sorted set of a key's shard ids.
func shardIndexKey(key string) string { return keyPrefix + "shard_idx:" + key }

// kindKey returns the string key holding a sharded key's claimed kind.
func kindKey(key string) string { return keyPrefix + "kind:" + key }
