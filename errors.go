package nvmetest

import "github.com/nvmetest/nvmetest/internal/ierrors"

// Error is the structured error type every nvmetest operation returns:
// operation name, controller/queue/namespace context, an error code, and an
// optional wrapped cause. It satisfies errors.Is/errors.As via Unwrap/Is.
type Error = ierrors.Error

// Code identifies a high-level error category (spec.md §7).
type Code = ierrors.Code

// Sentinel codes, re-exported from internal/ierrors so callers never need
// to import the internal package directly.
const (
	CodeSubmissionRejected  = ierrors.CodeSubmissionRejected
	CodeLBALocked           = ierrors.CodeLBALocked
	CodeDeviceError         = ierrors.CodeDeviceError
	CodeIntegrityFailure    = ierrors.CodeIntegrityFailure
	CodeMemoryExhausted     = ierrors.CodeMemoryExhausted
	CodeWorkerTimeout       = ierrors.CodeWorkerTimeout
	CodeWorkerInvalidConfig = ierrors.CodeWorkerInvalidConfig
	CodeBufferAllocFailed   = ierrors.CodeBufferAllocFailed
	CodeNotFound            = ierrors.CodeNotFound
	CodeInvalidParameters   = ierrors.CodeInvalidParameters
)

// NewError builds a structured error with the given operation, code and
// message.
func NewError(op string, code Code, msg string) *Error {
	return ierrors.New(op, code, msg)
}

// WrapError wraps an existing error with operation context, preserving the
// code of an inner *Error when present.
func WrapError(op string, inner error) *Error {
	return ierrors.Wrap(op, inner)
}

// IsCode reports whether err (or a wrapped error) carries the given code.
func IsCode(err error, code Code) bool {
	return ierrors.IsCode(err, code)
}

// ErrTimeout builds the structured error for an IO-worker watchdog abort
// (spec.md §4.4.3, §7): legacy return code -4.
func ErrTimeout(op string) *Error {
	return ierrors.WorkerTimeout(op)
}

// ErrInvalidConfig builds the structured error for invalid IO-worker
// arguments (spec.md §4.4.2, §7): legacy return code -2, NVMe status 0x0002.
func ErrInvalidConfig(op, msg string) *Error {
	return ierrors.WorkerInvalidConfig(op, msg)
}

// ErrBufferAlloc builds the structured error for buffer-pool exhaustion
// during IO-worker init (spec.md §7): legacy return code -5.
func ErrBufferAlloc(op, msg string) *Error {
	return ierrors.WorkerBufferAlloc(op, msg)
}
