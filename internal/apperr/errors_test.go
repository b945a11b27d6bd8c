package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := Validation("kind", "must be one of file, url, faq")
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "kind")

	wrapped := fmt.Errorf("create source: %w", err)
	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsValidation(errors.New("plain")))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient provider", TransientProvider("gemini", errors.New("429")), true},
		{"non-retryable provider", NonRetryableProvider("gemini", errors.New("bad content")), false},
		{"retryable storage", &StorageError{Op: "put_chunks", Retryable: true, Err: errors.New("timeout")}, true},
		{"constraint storage", &StorageError{Op: "put_chunks", Retryable: false, Err: errors.New("unique violation")}, false},
		{"wrapped transient", fmt.Errorf("stage embed: %w", TransientProvider("gemini", errors.New("503"))), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &StorageError{Op: "semantic_search", Retryable: true, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "semantic_search")
}
