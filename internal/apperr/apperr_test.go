package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransientKinds(t *testing.T) {
	transient := []apperr.Kind{apperr.EmbeddingUnavailable, apperr.StoreUnavailable, apperr.NotifierUnavailable}
	for _, k := range transient {
		assert.True(t, k.Transient(), "expected %s to be transient", k)
	}

	stable := []apperr.Kind{apperr.Invalid, apperr.NotFound, apperr.Conflict, apperr.DeadlineExceeded, apperr.Internal}
	for _, k := range stable {
		assert.False(t, k.Transient(), "expected %s to not be transient", k)
	}
}

func TestErrorMessageIncludesResource(t *testing.T) {
	err := apperr.Of(apperr.StoreUnavailable, "cmi_index", "upsert failed", errors.New("boom"))
	assert.Equal(t, "store_unavailable: cmi_index: upsert failed", err.Error())
	assert.ErrorIs(t, err, err.Cause)
}

func TestErrorMessageWithoutResource(t *testing.T) {
	err := apperr.NewConflict("duplicate key")
	assert.Equal(t, "conflict: duplicate key", err.Error())
}

func TestNewNotFound(t *testing.T) {
	err := apperr.NewNotFound("memory", "abc-123")
	require.Equal(t, apperr.NotFound, err.Kind)
	assert.Contains(t, err.Error(), "abc-123")
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := apperr.NewInvalid("module", "unknown module")
	wrapped := fmt.Errorf("request failed: %w", base)

	assert.Equal(t, apperr.Invalid, apperr.KindOf(wrapped))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, apperr.Internal, apperr.KindOf(errors.New("plain error")))
	assert.Equal(t, apperr.Internal, apperr.KindOf(nil))
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("network blip")
	err := apperr.Of(apperr.DeadlineExceeded, "", "timed out", cause)
	assert.Same(t, cause, err.Unwrap())
}
