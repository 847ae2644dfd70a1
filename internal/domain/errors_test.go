package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_Classification(t *testing.T) {
	err := Errorf(KindNotFound, "run %s not found", "abc")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.Equal(t, "run abc not found", err.Error())
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := Errorf(KindConflict, "etag mismatch")
	wrapped := fmt.Errorf("update run: %w", inner)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, IsConflict(wrapped))
}

func TestKindOf_UnclassifiedError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestE_NilPassthrough(t *testing.T) {
	assert.NoError(t, E(KindTransient, nil))

	err := E(KindTransient, errors.New("timeout"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "timeout", err.Error())
}

func TestError_IsMatchesOnKind(t *testing.T) {
	err := Errorf(KindPermanent, "bad credentials")
	assert.True(t, errors.Is(err, &Error{Kind: KindPermanent}))
	assert.False(t, errors.Is(err, &Error{Kind: KindTransient}))
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := E(KindSolverFailure, inner)
	assert.True(t, errors.Is(err, inner))
}

func TestKind_String(t *testing.T) {
	for kind, want := range map[Kind]string{
		KindUnknown:       "unknown",
		KindValidation:    "validation",
		KindNotFound:      "not_found",
		KindConflict:      "conflict",
		KindTransient:     "transient",
		KindPermanent:     "permanent",
		KindCancelled:     "cancelled",
		KindSolverFailure: "solver_failure",
	} {
		assert.Equal(t, want, kind.String())
	}
}
