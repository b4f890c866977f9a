package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a daydream error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"      // 400
	ErrInvalidName        ErrorCode = "INVALID_NAME"         // 400
	ErrInvalidSnapshot    ErrorCode = "INVALID_SNAPSHOT"     // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"            // 404
	ErrFileNotFound       ErrorCode = "FILE_NOT_FOUND"       // 404
	ErrAlreadyExists      ErrorCode = "ALREADY_EXISTS"       // 409
	ErrCannotDeleteActive ErrorCode = "CANNOT_DELETE_ACTIVE" // 409
	ErrLimitReached       ErrorCode = "LIMIT_REACHED"        // 429
	ErrCancelled          ErrorCode = "CANCELLED"            // 499
	ErrInternal           ErrorCode = "INTERNAL"             // 500
)

// Storage failure taxonomy. These are reported per store/table/record and
// only surface to callers through a state.Report or a wrapped backend error.
const (
	ErrOpenTimeout        ErrorCode = "OPEN_TIMEOUT"         // 504
	ErrOpenFailed         ErrorCode = "OPEN_FAILED"          // 502
	ErrDeleteBlocked      ErrorCode = "DELETE_BLOCKED"       // non-fatal
	ErrDeleteFailed       ErrorCode = "DELETE_FAILED"        // 502
	ErrTransactionFailed  ErrorCode = "TRANSACTION_FAILED"   // 502
	ErrRecordReplayFailed ErrorCode = "RECORD_REPLAY_FAILED" // non-fatal
	ErrTableReadFailed    ErrorCode = "TABLE_READ_FAILED"    // non-fatal
	ErrKeyReadFailed      ErrorCode = "KEY_READ_FAILED"      // non-fatal
	ErrKeyWriteFailed     ErrorCode = "KEY_WRITE_FAILED"     // non-fatal
	ErrBackendFailed      ErrorCode = "BACKEND_FAILED"       // 502
)

// ProfileError represents a structured error with code, status, and details.
type ProfileError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *ProfileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *ProfileError) Unwrap() error {
	return e.Cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ProfileError {
	return &ProfileError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidName creates a 400 error for an unusable identity name.
func NewInvalidName(name, reason string) *ProfileError {
	return &ProfileError{
		Code:    ErrInvalidName,
		Status:  400,
		Message: fmt.Sprintf("invalid identity name %q: %s", name, reason),
		Details: map[string]any{"name": name},
	}
}

// NewInvalidSnapshot creates a 400 error for snapshots that cannot be decoded.
func NewInvalidSnapshot(msg string) *ProfileError {
	return &ProfileError{
		Code:    ErrInvalidSnapshot,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for when an identity cannot be found.
func NewNotFound(name string) *ProfileError {
	return &ProfileError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("identity not found: %s", name),
		Details: map[string]any{"name": name},
	}
}

// NewFileNotFound creates a 404 error for a missing import file.
func NewFileNotFound(path string) *ProfileError {
	return &ProfileError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewAlreadyExists creates a 409 error for name collisions.
func NewAlreadyExists(name string) *ProfileError {
	return &ProfileError{
		Code:    ErrAlreadyExists,
		Status:  409,
		Message: fmt.Sprintf("identity %q already exists", name),
		Details: map[string]any{"name": name},
	}
}

// NewCannotDeleteActive creates a 409 error when deleting the active identity.
func NewCannotDeleteActive(name string) *ProfileError {
	return &ProfileError{
		Code:    ErrCannotDeleteActive,
		Status:  409,
		Message: fmt.Sprintf("identity %q is active and cannot be deleted", name),
		Details: map[string]any{"name": name},
	}
}

// NewLimitReached creates a 429 error when the registry is full.
func NewLimitReached(max int) *ProfileError {
	return &ProfileError{
		Code:    ErrLimitReached,
		Status:  429,
		Message: fmt.Sprintf("identity limit reached (max %d)", max),
		Details: map[string]any{"max_profiles": max},
	}
}

// NewCancelled creates a 499 error when an operation is cancelled by its context.
func NewCancelled(op string) *ProfileError {
	return &ProfileError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewStorage creates a storage failure of the given taxonomy code.
func NewStorage(code ErrorCode, msg string, cause error) *ProfileError {
	status := 502
	if code == ErrOpenTimeout {
		status = 504
	}
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &ProfileError{
		Code:    code,
		Status:  status,
		Message: msg,
		Cause:   cause,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message is generic; the original error is kept in Details and Cause for logging.
func NewInternal(err error) *ProfileError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &ProfileError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
		Cause:   err,
	}
}

// Is checks if an error is (or wraps) a ProfileError with the given code.
func Is(err error, code ErrorCode) bool {
	var pErr *ProfileError
	if stderrors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first ProfileError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var pErr *ProfileError
	if stderrors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrInternal
}
