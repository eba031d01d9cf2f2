package errs

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// retriablePostgresCodes generalizes the teacher's isRetriable predicate
// (internal/storage/retry.go), unchanged: serialization failures and
// deadlocks are the only SQLSTATEs worth an internal retry before
// classification as KindExecute.
var retriablePostgresCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

// IsRetriableDriverError reports whether a raw driver error should be
// retried internally (within the Connector Factory) before being classified
// and surfaced to the caller.
func IsRetriableDriverError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retriablePostgresCodes[pgErr.Code]
	}
	return false
}

// ClassifyExecError maps a raw driver error from the Connector Factory's
// execute contract into the closed taxonomy. Context deadline/cancellation
// take priority, since both look like an ordinary driver error to a naive
// classifier but must surface as KindTimeout/KindCancelled instead of
// KindExecute.
func ClassifyExecError(err error) *GatewayError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindTimeout, "deadline exceeded during execution").
			WithUserMessage("the query did not complete within the allotted time")
	case errors.Is(err, context.Canceled):
		return New(KindCancelled, "caller cancelled during execution").
			WithUserMessage("the call was cancelled")
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return Wrap(KindExecute, err, "driver reported execution failure: %s", pgErr.Code).
				WithUserMessage("the database rejected the query").
				WithDetails(map[string]any{"sqlstate": pgErr.Code})
		}
		return Wrap(KindExecute, err, "driver reported execution failure").
			WithUserMessage("the database rejected the query")
	}
}

// ClassifyConnectError maps a connection-establishment failure. Connect
// failures are retried internally by the Connector Factory's endpoint
// failover before ever reaching this function; by the time it is called,
// every endpoint has been exhausted.
func ClassifyConnectError(err error) *GatewayError {
	return Wrap(KindConnect, err, "failed to connect after exhausting all endpoints").
		WithUserMessage("the database could not be reached")
}
