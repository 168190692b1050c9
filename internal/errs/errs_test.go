package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"no cause", New(NotFound, "agent x"), "NotFound: agent x"},
		{"with cause", Wrap(ToolUpstream, "call failed", fmt.Errorf("timeout")), "ToolUpstream: call failed: timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(StorageUnavailable, "write failed", cause)
	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() did not return the wrapped cause")
	}
}

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil error", nil, ""},
		{"direct Error", New(SessionNotFound, "missing"), SessionNotFound},
		{"wrapped via fmt.Errorf %w", fmt.Errorf("context: %w", New(ToolTimeout, "slow")), ToolTimeout},
		{"plain stdlib error", fmt.Errorf("plain"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(tt.err); got != tt.want {
				t.Errorf("Of() = %q, want %q", got, tt.want)
			}
		})
	}
}
