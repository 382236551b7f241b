// Package shard implements sharded accounting: counters, occupancy admission
// and token-bucket credits spread over N shard records per key.
//
// Spreading one logical value over N records lets concurrent writers touch
// different records. The price is that reads are approximate: a total is a
// sum of shards read one by one, and admission and credits are decided per
// shard rather than globally.
//
//   - Increment adds to one uniformly chosen shard; ReadTotal sums them.
//   - Admit uses power-of-two choices: read two random shards, try to occupy
//     the less loaded one with a capped atomic add. Each shard holds at most
//     limit, so at most limit×N callers are admitted at once.
//   - ConsumeCredits treats one random shard as an independent token bucket,
//     refilled by elapsed time and written back with compare-and-swap.
//
// Every write is a single-record atomic operation in the Store. The Service
// holds no locks and is safe for concurrent use.
package shard
