// Package ledger implements the step ledger: durable, replayable workflow
// steps with at-most-once side effects.
//
// A workflow body is ordinary Go code that wraps each side effect in
// RunStep (or the typed Step helper). The step key is the idempotency
// token. The first call journals the step as running, runs the work, and
// journals the outcome. Every later call with the same key returns the
// journaled outcome instead of running the work again, so the whole body can
// be replayed from the top after a process restart.
//
// # Step states
//
//	(absent) ──insert──▶ running ──▶ completed   (output journaled)
//	                        │
//	                        └──────▶ failed      (error journaled)
//
// A step found running is reported as STEP_INDETERMINATE: it is either in
// flight elsewhere or was abandoned by a crash, and re-running it could
// duplicate the side effect. Callers decide whether to wait, poll or
// escalate. StaleSteps lists candidates for that decision.
//
// A failed step keeps failing with its journaled error until ResetStep
// removes it. Replay does that for every failed step and drives the body
// again.
//
// # Concurrency
//
// The ledger holds no locks. Two callers racing on the same step both try
// to insert the running record; the store's unique (workflow, step key)
// index lets exactly one win, and the loser reports the winner's state.
package ledger
