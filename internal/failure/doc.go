// Package failure defines the error taxonomy shared by the step ledger and
// the sharded accounting service.
//
// Every condition the core cannot resolve on the caller's behalf is surfaced
// as an *Error with a Code. The only thing the core ever recovers is the
// idempotent replay of an already-completed step. There is no retry loop in
// this module; retries are a driver-level policy built on top.
//
// Errors are matched with errors.Is against the exported sentinels:
//
//	if errors.Is(err, failure.StepIndeterminate) { ... }
//
// Matching walks the whole chain, so an indeterminate step caused by a
// storage outage matches both StepIndeterminate and StorageUnavailable.
package failure
