package carbideerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "with cause",
			err:      &Error{Kind: NotFound, Operation: "load machine", Cause: fmt.Errorf("row missing")},
			expected: "NotFound: load machine: row missing",
		},
		{
			name:     "no cause",
			err:      &Error{Kind: InvalidArgument, Operation: "validate metadata"},
			expected: "InvalidArgument: validate metadata",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestWrap_NilCause(t *testing.T) {
	assert.Nil(t, Wrap(Internal, "op", nil))
}

func TestKindOf(t *testing.T) {
	base := New(ConcurrentModification, "update power options")
	wrapped := fmt.Errorf("commit transaction: %w", base)

	assert.Equal(t, ConcurrentModification, KindOf(wrapped))
	assert.Equal(t, Unknown, KindOf(fmt.Errorf("plain error")))
}
