package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to query policies")

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should match its cause with errors.Is")
	}
	if CodeOf(err) != ErrCodeInternal {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), ErrCodeInternal)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"not found", NotFound("action_policy", "p-1"), ErrCodeNotFound},
		{"invalid input", InvalidInput("reason", "is required"), ErrCodeInvalidInput},
		{"conflict", Conflict("an open approval already exists"), ErrCodeConflict},
		{"unauthorized", Unauthorized("not an approver for this step"), ErrCodeUnauthorized},
		{"plain error defaults to internal", stderrors.New("boom"), ErrCodeInternal},
		{"wrapped coded error", fmt.Errorf("context: %w", Conflict("busy")), ErrCodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidInput("flow_type", "unknown flow"), http.StatusBadRequest},
		{NotFound("approval_instance", "i-1"), http.StatusNotFound},
		{Conflict("already open"), http.StatusConflict},
		{Unauthorized("nope"), http.StatusForbidden},
		{stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
