package ledger

import (
	"context"
	"fmt"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
)

// Step runs a typed step through RunStep. The input and the result are
// JSON-encoded for the journal; on replay the journaled result is decoded
// and returned without calling fn.
//
// This is a package-level generic function because Go does not allow
// generic methods.
func Step[T any](ctx context.Context, l *Ledger, workflowID, stepKey string, input any, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	in, err := blob.Encode(input)
	if err != nil {
		return zero, failure.NewInvalidArgument("encode input of step %q: %v", stepKey, err)
	}

	out, err := l.RunStep(ctx, workflowID, stepKey, in, func(ctx context.Context) (blob.Blob, error) {
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return blob.Encode(result)
	})
	if err != nil {
		return zero, err
	}

	var result T
	if err := out.Decode(&result); err != nil {
		return zero, fmt.Errorf("workflow %s: decode output of step %q: %w", workflowID, stepKey, err)
	}
	return result, nil
}
