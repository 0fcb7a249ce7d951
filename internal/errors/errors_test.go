package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

// TestIsMatchesByCode verifies that errors.Is compares codes, not messages.
func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("fetching metadata: %w", New(USC_NETWORK, "dial tcp: connection refused"))

	if !stderrors.Is(err, New(USC_NETWORK, "")) {
		t.Errorf("errors.Is() = false, want true for wrapped network error")
	}
	if stderrors.Is(err, New(USC_ASSERTION, "")) {
		t.Errorf("errors.Is() = true, want false for a different code")
	}
	if got := CodeOf(err); got != USC_NETWORK {
		t.Errorf("CodeOf() = %v, want %v", got, USC_NETWORK)
	}
	if CodeOf(stderrors.New("plain")) != "" {
		t.Errorf("CodeOf() on a plain error should be empty")
	}
}

// TestWrapKeepsCause verifies that the wrapped cause is reachable and printed.
func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("context deadline exceeded")
	err := Wrap(USC_NETWORK, cause, "GET /metadata failed")

	if !stderrors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	want := "USC_NETWORK: GET /metadata failed: context deadline exceeded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

// TestHTTPStatus verifies the status mapping used by the validator service.
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{USC_INVALID_INPUT, http.StatusBadRequest},
		{USC_NOT_FOUND, http.StatusNotFound},
		{USC_DUPLICATE_SUITE, http.StatusConflict},
		{USC_NETWORK, http.StatusBadGateway},
		{USC_INTERNAL, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus; got != tt.want {
			t.Errorf("HTTPStatus for %s = %d, want %d", tt.code, got, tt.want)
		}
	}
}
