// Package errs implements the Error Classifier: a closed taxonomy of
// error kinds and the GatewayError type that carries an ErrorReport's fields
// through the pipeline. It generalizes the teacher's isRetriable dispatch
// (storage/retry.go, keyed on Postgres SQLSTATE) into a sealed Kind enum, and
// follows model.ErrorCode/ErrorDetail's envelope shape for the wire-visible
// ErrorReport fields.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed error taxonomy. No value outside this set is
// ever constructed — unrecognized failures collapse into KindInternal.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindRevoked             Kind = "revoked"
	KindParse               Kind = "parse"
	KindPermissionDenied    Kind = "permission_denied"
	KindSchemaUnknown       Kind = "schema_unknown"
	KindGeneration          Kind = "generation"
	KindPoolTimeout         Kind = "pool_timeout"
	KindConnect             Kind = "connect"
	KindExecute             Kind = "execute"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindRateLimited         Kind = "rate_limited"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindBlocked             Kind = "blocked"
	KindConfig              Kind = "config"
	KindInternal            Kind = "internal"
)

// retriableKinds are kinds whose trigger condition is itself transient —
// see the Retriable column. This does not mean the pipeline retries
// automatically; pool_timeout and rate_limited are "retriable, caller",
// meaning the caller may retry the call, while connect and
// provider_unavailable are retried internally before ever reaching this
// classification.
var retriableKinds = map[Kind]bool{
	KindPoolTimeout:         true,
	KindConnect:             true,
	KindRateLimited:         true,
	KindProviderUnavailable: true,
}

// Retriable reports whether errors of this kind are retriable.
func (k Kind) Retriable() bool {
	return retriableKinds[k]
}

// GatewayError is the concrete error type for every user-visible failure.
// It implements the standard error interface and carries the full set of
// fields a caller needs to log, retry, and explain a failure to an agent.
type GatewayError struct {
	Kind                Kind
	Message             string   // internal, may include implementation detail for logs
	UserFriendlyMessage string   // never includes credentials, keys, or raw provider output
	SuggestedFixes      []string
	ActionableDetails   map[string]any
	DeniedResources     []string
	GeneratedSQL        string
	DeadLetterRef       string
	RetryAfterMs        int64
	cause               error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserFriendlyMessage)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *GatewayError) Unwrap() error {
	return e.cause
}

// New constructs a GatewayError of the given kind with an internal message.
func New(kind Kind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a GatewayError of the given kind wrapping cause. Use this
// at the boundary where a driver, parser, or provider error is first
// classified — below that boundary, ordinary wrapped errors are used.
func Wrap(kind Kind, cause error, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithUserMessage sets the user-facing message and returns the receiver for chaining.
func (e *GatewayError) WithUserMessage(msg string) *GatewayError {
	e.UserFriendlyMessage = msg
	return e
}

// WithSuggestedFixes sets the suggested remediation list.
func (e *GatewayError) WithSuggestedFixes(fixes ...string) *GatewayError {
	e.SuggestedFixes = fixes
	return e
}

// WithDeniedResources sets the list of resources that failed a permission check.
func (e *GatewayError) WithDeniedResources(resources ...string) *GatewayError {
	e.DeniedResources = resources
	return e
}

// WithGeneratedSQL attaches the SQL generated by the NL→SQL Converter, if any.
func (e *GatewayError) WithGeneratedSQL(sql string) *GatewayError {
	e.GeneratedSQL = sql
	return e
}

// WithDeadLetterRef attaches the reference of a persisted dead-letter record.
func (e *GatewayError) WithDeadLetterRef(ref string) *GatewayError {
	e.DeadLetterRef = ref
	return e
}

// WithDetails merges actionable details into the error.
func (e *GatewayError) WithDetails(details map[string]any) *GatewayError {
	if e.ActionableDetails == nil {
		e.ActionableDetails = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.ActionableDetails[k] = v
	}
	return e
}

// As reports whether err (or something it wraps) is a *GatewayError, and if
// so returns it. A thin convenience wrapper over errors.As.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a GatewayError, else
// KindInternal — the catch-all for invariant violations and unclassified
// faults. Every error that reaches a caller is classified into this sum
// type rather than inspected ad hoc.
func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.Kind
	}
	return KindInternal
}
