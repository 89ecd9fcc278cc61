package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *RuntimeError
		want string
	}{
		{
			name: "without underlying error",
			err:  New(CodeCompilation, "syntax error at line 1"),
			want: "[COMPILATION] syntax error at line 1",
		},
		{
			name: "with underlying error",
			err:  Wrap(CodeHostIO, "read failed", errors.New("connection reset")),
			want: "[HOST_IO_ERROR] read failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestRuntimeError_Unwrap(t *testing.T) {
	underlying := errors.New("boom")
	err := Wrap(CodeRuntime, "user code raised", underlying)
	assert.Same(t, underlying, err.Unwrap())
}

func TestRuntimeError_WithDetail(t *testing.T) {
	err := New(CodeDuplicateName, "name already registered")
	err.WithDetail("name", "echo").WithDetail("library", "l1")

	assert.Equal(t, "echo", err.Details["name"])
	assert.Equal(t, "l1", err.Details["library"])
}

func TestIs(t *testing.T) {
	runtimeErr := New(CodeWriteOnReplica, "cannot run writer on replica")
	stdErr := errors.New("plain")

	assert.True(t, Is(runtimeErr, CodeWriteOnReplica))
	assert.False(t, Is(runtimeErr, CodeOOM))
	assert.False(t, Is(stdErr, CodeWriteOnReplica))
	assert.False(t, Is(nil, CodeWriteOnReplica))
}

func TestAs(t *testing.T) {
	runtimeErr := New(CodeACLDenied, "denied")
	wrapped := Wrap(CodeHostIO, "outer", runtimeErr)

	assert.Equal(t, runtimeErr, As(runtimeErr))
	assert.Nil(t, As(errors.New("plain")))
	// As returns the first *RuntimeError in the chain, which here is the
	// outer wrapper rather than its *RuntimeError cause.
	assert.Equal(t, wrapped, As(wrapped))
}
