package errors

import (
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidParam, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeSagaLocked, http.StatusConflict},
		{CodeUnknownSagaType, http.StatusUnprocessableEntity},
		{CodeStepFailed, http.StatusUnprocessableEntity},
		{CodeInternal, http.StatusInternalServerError},
		{CodeSystemBusy, http.StatusServiceUnavailable},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestNewWithDefault(t *testing.T) {
	if got := NewWithDefault(CodeNotFound, "").Message; got != "not found" {
		t.Fatalf("expected default message, got %q", got)
	}
	if got := NewWithDefault(CodeNotFound, "saga not found").Message; got != "saga not found" {
		t.Fatalf("expected explicit message, got %q", got)
	}
	if got := NewWithDefault(Code("X"), "").Message; got != "X" {
		t.Fatalf("expected code as fallback message, got %q", got)
	}
	if !NewWithDefault(CodeSagaLocked, "").Retryable {
		t.Fatal("expected SAGA_LOCKED to be retryable")
	}
}
