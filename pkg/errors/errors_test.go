package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorIncludesContext(t *testing.T) {
	err := NewRetryExhaustedError(2, []string{"conversation: missing", "turn 1: empty text"}).
		WithAdmission(10001, 20002)
	msg := err.Error()

	assert.Contains(t, msg, "RETRY_EXHAUSTED")
	assert.Contains(t, msg, "subject_id=10001")
	assert.Contains(t, msg, "hadm_id=20002")
	assert.Contains(t, msg, "attempts=2")
	assert.Contains(t, msg, "turn 1: empty text")
}

func TestIsType_WalksWrappedChain(t *testing.T) {
	base := NewDataSourceError("query labevents", stderrors.New("connection reset"))
	wrapped := fmt.Errorf("extract admission: %w", base)

	assert.True(t, IsType(wrapped, ErrorTypeDataSource))
	assert.False(t, IsType(wrapped, ErrorTypeNotFound))
	assert.Equal(t, ErrorTypeDataSource, TypeOf(wrapped))
	assert.Equal(t, ErrorType(""), TypeOf(stderrors.New("plain")))
}

func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("timeout")
	err := NewTransportError("model call", cause)

	require.ErrorIs(t, err, cause)
}

func TestWithAdmission_DoesNotMutateOriginal(t *testing.T) {
	orig := NewNotFoundError("admission not found")
	annotated := orig.WithAdmission(1, 2)

	assert.Zero(t, orig.SubjectID)
	assert.Equal(t, int64(1), annotated.SubjectID)
	assert.Equal(t, int64(2), annotated.HadmID)
}
