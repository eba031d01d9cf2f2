package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/quarrier/internal/errs"
)

func TestGatewayError_ErrorString(t *testing.T) {
	e := errs.New(errs.KindParse, "unexpected token at position 4")
	assert.Contains(t, e.Error(), "parse")
	assert.Contains(t, e.Error(), "unexpected token")
}

func TestGatewayError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := errs.Wrap(errs.KindConnect, cause, "dial failed")
	assert.True(t, errors.Is(e, cause))
}

func TestAs_FindsWrappedGatewayError(t *testing.T) {
	inner := errs.New(errs.KindPermissionDenied, "table denied")
	wrapped := fmt.Errorf("pipeline: stage 4: %w", inner)

	ge, ok := errs.As(wrapped)
	require.True(t, ok)
	assert.Equal(t, errs.KindPermissionDenied, ge.Kind)
}

func TestKindOf_DefaultsToInternal(t *testing.T) {
	assert.Equal(t, errs.KindInternal, errs.KindOf(errors.New("unclassified")))
}

func TestKindOf_ReturnsKindForGatewayError(t *testing.T) {
	e := errs.New(errs.KindRateLimited, "too many requests")
	assert.Equal(t, errs.KindRateLimited, errs.KindOf(e))
}

func TestKind_Retriable(t *testing.T) {
	retriable := []errs.Kind{errs.KindPoolTimeout, errs.KindConnect, errs.KindRateLimited, errs.KindProviderUnavailable}
	for _, k := range retriable {
		assert.True(t, k.Retriable(), "%s should be retriable", k)
	}

	notRetriable := []errs.Kind{errs.KindAuth, errs.KindParse, errs.KindPermissionDenied, errs.KindExecute, errs.KindInternal}
	for _, k := range notRetriable {
		assert.False(t, k.Retriable(), "%s should not be retriable", k)
	}
}

func TestWithDeniedResources(t *testing.T) {
	e := errs.New(errs.KindPermissionDenied, "denied").WithDeniedResources("public.customers", "public.accounts")
	assert.Equal(t, []string{"public.customers", "public.accounts"}, e.DeniedResources)
}

func TestWithDetailsMerges(t *testing.T) {
	e := errs.New(errs.KindExecute, "failed")
	e.WithDetails(map[string]any{"a": 1})
	e.WithDetails(map[string]any{"b": 2})
	assert.Equal(t, 1, e.ActionableDetails["a"])
	assert.Equal(t, 2, e.ActionableDetails["b"])
}
