package errors

import (
	"fmt"
	"testing"
)

func TestProfileError_Error(t *testing.T) {
	err := &ProfileError{
		Code:    ErrNotFound,
		Status:  404,
		Message: "identity not found",
	}

	expected := "NOT_FOUND: identity not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidName(t *testing.T) {
	err := NewInvalidName("  ", "must not be empty")

	if err.Code != ErrInvalidName {
		t.Errorf("Code = %q, want %q", err.Code, ErrInvalidName)
	}
	if err.Status != 400 {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if err.Details["name"] != "  " {
		t.Errorf("Details[name] = %v, want %q", err.Details["name"], "  ")
	}
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("work")

	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Status != 404 {
		t.Errorf("Status = %d, want 404", err.Status)
	}
	if err.Details["name"] != "work" {
		t.Errorf("Details[name] = %v, want %q", err.Details["name"], "work")
	}
}

func TestNewAlreadyExists(t *testing.T) {
	err := NewAlreadyExists("work")

	if err.Code != ErrAlreadyExists {
		t.Errorf("Code = %q, want %q", err.Code, ErrAlreadyExists)
	}
	if err.Status != 409 {
		t.Errorf("Status = %d, want 409", err.Status)
	}
}

func TestNewCannotDeleteActive(t *testing.T) {
	err := NewCannotDeleteActive("work")

	if err.Code != ErrCannotDeleteActive {
		t.Errorf("Code = %q, want %q", err.Code, ErrCannotDeleteActive)
	}
	if err.Status != 409 {
		t.Errorf("Status = %d, want 409", err.Status)
	}
}

func TestNewLimitReached(t *testing.T) {
	err := NewLimitReached(10)

	if err.Code != ErrLimitReached {
		t.Errorf("Code = %q, want %q", err.Code, ErrLimitReached)
	}
	if err.Details["max_profiles"] != 10 {
		t.Errorf("Details[max_profiles] = %v, want 10", err.Details["max_profiles"])
	}
}

func TestNewStorage(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")

	t.Run("timeout status", func(t *testing.T) {
		err := NewStorage(ErrOpenTimeout, "open store \"app\"", nil)
		if err.Status != 504 {
			t.Errorf("Status = %d, want 504", err.Status)
		}
		if err.Message != "open store \"app\"" {
			t.Errorf("Message = %q", err.Message)
		}
	})

	t.Run("cause is wrapped", func(t *testing.T) {
		err := NewStorage(ErrTransactionFailed, "replay store \"app\"", cause)
		if err.Status != 502 {
			t.Errorf("Status = %d, want 502", err.Status)
		}
		if err.Unwrap() != cause {
			t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
		}
		if err.Message != "replay store \"app\": disk I/O error" {
			t.Errorf("Message = %q", err.Message)
		}
	})
}

func TestNewInternal(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		originalErr := fmt.Errorf("database connection failed")
		err := NewInternal(originalErr)

		if err.Code != ErrInternal {
			t.Errorf("Code = %q, want %q", err.Code, ErrInternal)
		}
		if err.Status != 500 {
			t.Errorf("Status = %d, want 500", err.Status)
		}
		if err.Message != "an internal error occurred" {
			t.Errorf("Message = %q, want %q", err.Message, "an internal error occurred")
		}
		if err.Details["internal_error"] != "database connection failed" {
			t.Errorf("Details[internal_error] = %q, want %q", err.Details["internal_error"], "database connection failed")
		}
	})

	t.Run("with nil", func(t *testing.T) {
		err := NewInternal(nil)

		if err.Details == nil {
			t.Error("Details should not be nil")
		}
	})
}

func TestIs(t *testing.T) {
	t.Run("matching code", func(t *testing.T) {
		if !Is(NewNotFound("x"), ErrNotFound) {
			t.Error("Is() = false, want true")
		}
	})

	t.Run("non-matching code", func(t *testing.T) {
		if Is(NewNotFound("x"), ErrAlreadyExists) {
			t.Error("Is() = true, want false")
		}
	})

	t.Run("plain error", func(t *testing.T) {
		if Is(fmt.Errorf("plain error"), ErrNotFound) {
			t.Error("Is() = true, want false for plain error")
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		wrapped := fmt.Errorf("switch: %w", NewNotFound("x"))
		if !Is(wrapped, ErrNotFound) {
			t.Error("Is() = false, want true for wrapped ProfileError")
		}
	})
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewLimitReached(3)); got != ErrLimitReached {
		t.Errorf("CodeOf = %q, want %q", got, ErrLimitReached)
	}
	if got := CodeOf(fmt.Errorf("boom")); got != ErrInternal {
		t.Errorf("CodeOf = %q, want %q", got, ErrInternal)
	}
}
