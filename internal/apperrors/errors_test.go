package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("job_name", "job name is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "job name is required" {
		t.Errorf("expected message 'job name is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "job_name" {
		t.Errorf("expected field 'job_name', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "job abc123 not found" {
		t.Errorf("expected message 'job abc123 not found', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Resource != "job" {
		t.Errorf("expected resource 'job', got %q", appErr.Resource)
	}
}

func TestConflict(t *testing.T) {
	t.Parallel()
	err := Conflict("job", "abc123", "job already exists")

	if !errors.Is(err, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	if err.Error() != "job already exists" {
		t.Errorf("expected message 'job already exists', got %q", err.Error())
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("redis unavailable")
	err := Internal("store.get", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if !errors.Is(err, cause) {
		t.Error("expected error to match its cause")
	}
	if err.Error() != "store.get: redis unavailable" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Op != "store.get" {
		t.Errorf("expected op 'store.get', got %q", appErr.Op)
	}
}

func TestResultUnavailableKeepsCause(t *testing.T) {
	t.Parallel()
	err := ResultUnavailable("bulkfile.fetch", context.DeadlineExceeded)

	if !errors.Is(err, ErrResultUnavailable) {
		t.Error("expected error to match ErrResultUnavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected error to match context.DeadlineExceeded")
	}
}

func TestCorrelationMismatchMessage(t *testing.T) {
	t.Parallel()
	err := CorrelationMismatch("job-1", 3, 2)

	if !errors.Is(err, ErrCorrelationMismatch) {
		t.Error("expected error to match ErrCorrelationMismatch")
	}
	if err.Error() != "job job-1: expected 3 results, got 2" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"empty input", EmptyInput("no documents"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"conflict", Conflict("job", "123", "exists"), http.StatusConflict},
		{"invalid transition", InvalidTransition("PROCESSED", "STORING"), http.StatusConflict},
		{"result unavailable", ResultUnavailable("fetch", nil), http.StatusServiceUnavailable},
		{"configuration", Configuration("bucket", "missing"), http.StatusInternalServerError},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"sentinel validation", ErrValidation, http.StatusBadRequest},
		{"sentinel not found", ErrNotFound, http.StatusNotFound},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestErrorsIsWithWrapping(t *testing.T) {
	t.Parallel()
	original := SinkWrite("sink.upsert", fmt.Errorf("connection reset"))
	wrapped := fmt.Errorf("store results: %w", original)
	doubleWrapped := fmt.Errorf("job abc: %w", wrapped)

	if !errors.Is(doubleWrapped, ErrSinkWrite) {
		t.Error("expected errors.Is to find ErrSinkWrite through multiple wraps")
	}
	if errors.Is(doubleWrapped, ErrMalformedResult) {
		t.Error("did not expect ErrMalformedResult")
	}
}
