package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeUnsupportedKind    ErrorCode = 1001
	ErrCodeVersionTooOld      ErrorCode = 1002
	ErrCodeHistoryUnavailable ErrorCode = 1003
	ErrCodeKeyNotFound        ErrorCode = 1004
	ErrCodeInvalidKey         ErrorCode = 1005

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeUnavailable        ErrorCode = 2001
	ErrCodeInvariantViolation ErrorCode = 2002
	ErrCodeStreamClosed       ErrorCode = 2003
	ErrCodeResourceExhausted  ErrorCode = 2004
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                 "ok",
	ErrCodeInvalidArgument:    "invalid_argument",
	ErrCodeUnsupportedKind:    "unsupported_kind",
	ErrCodeVersionTooOld:      "version_too_old",
	ErrCodeHistoryUnavailable: "history_unavailable",
	ErrCodeKeyNotFound:        "key_not_found",
	ErrCodeInvalidKey:         "invalid_key",
	ErrCodeInternal:           "internal",
	ErrCodeUnavailable:        "unavailable",
	ErrCodeInvariantViolation: "invariant_violation",
	ErrCodeStreamClosed:       "stream_closed",
	ErrCodeResourceExhausted:  "resource_exhausted",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// ParseCode maps a name produced by String back to its code. Unknown names
// are ErrCodeInternal.
func ParseCode(name string) ErrorCode {
	for c, n := range codeNames {
		if n == name {
			return c
		}
	}
	return ErrCodeInternal
}

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SyncError to gRPC status
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeUnsupportedKind:
		return codes.Unimplemented
	case ErrCodeVersionTooOld:
		return codes.Aborted
	case ErrCodeHistoryUnavailable:
		return codes.FailedPrecondition
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeUnavailable, ErrCodeStreamClosed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func UnsupportedKind(what string, kind fmt.Stringer) *SyncError {
	return NewSyncError(ErrCodeUnsupportedKind, fmt.Sprintf("unsupported %s kind %s", what, kind), nil).
		WithDetail("what", what).
		WithDetail("kind", kind.String())
}

func UnsupportedOpType(opType string) *SyncError {
	return NewSyncError(ErrCodeUnsupportedKind, fmt.Sprintf("unsupported operation type %q", opType), nil).
		WithDetail("op_type", opType)
}

func VersionTooOld(source string, requested, oldest int64) *SyncError {
	return NewSyncError(ErrCodeVersionTooOld,
		fmt.Sprintf("version %d of source %s is older than retained history (%d)", requested, source, oldest), nil).
		WithDetail("source", source).
		WithDetail("requested", requested).
		WithDetail("oldest", oldest)
}

func VersionConflict(source string, expected, current int64) *SyncError {
	return NewSyncError(ErrCodeVersionTooOld,
		fmt.Sprintf("expected version %d of source %s superseded by %d", expected, source, current), nil).
		WithDetail("source", source).
		WithDetail("expected", expected).
		WithDetail("current", current)
}

func HistoryUnavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeHistoryUnavailable, message, cause)
}

func KeyNotFound(key string) *SyncError {
	return NewSyncError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func InvalidKey(key, reason string) *SyncError {
	return NewSyncError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnavailable, message, cause)
}

func InvariantViolation(message string) *SyncError {
	return NewSyncError(ErrCodeInvariantViolation, message, nil)
}

func StreamClosed(message string) *SyncError {
	return NewSyncError(ErrCodeStreamClosed, message, nil)
}

func ResourceExhausted(resource string, current, limit int) *SyncError {
	return NewSyncError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// IsSyncError checks if an error is (or wraps) a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
