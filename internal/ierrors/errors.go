// Package ierrors provides the structured error type shared across the
// driver, mapping spec.md §7's error taxonomy onto a single wrappable type.
package ierrors

import (
	"errors"
	"fmt"
)

// Code is a high-level error category from spec.md §7.
type Code string

const (
	CodeSubmissionRejected Code = "submission rejected"
	CodeLBALocked          Code = "lba locked"
	CodeDeviceError        Code = "device error"
	CodeIntegrityFailure   Code = "integrity failure"
	CodeMemoryExhausted    Code = "memory exhausted"
	CodeWorkerTimeout      Code = "worker timeout"
	CodeWorkerInvalidConfig Code = "worker invalid config"
	CodeBufferAllocFailed  Code = "buffer allocation failed"
	CodeNotFound           Code = "not found"
	CodeInvalidParameters  Code = "invalid parameters"
)

// Numeric legacy codes referenced by spec.md §7 and §4.4.6 for scripts that
// expect the original process's integer return contract.
const (
	NVMeStatusInvalidField = 0x0002
	WorkerTimeoutCode      = -4
	WorkerInvalidConfigCode = -2
	WorkerBufferAllocCode  = -5
)

// Error is a structured driver error with context and a legacy numeric code.
type Error struct {
	Op         string // operation that failed, e.g. "submit", "ioworker.init"
	Controller string // controller/transport identifier, if applicable
	Queue      int    // queue id (-1 if not applicable)
	Namespace  uint32 // nsid (0 if not applicable)
	Code       Code
	Legacy     int // legacy numeric return code, 0 if none
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Controller != "" {
		parts = append(parts, fmt.Sprintf("ctrlr=%s", e.Controller))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Namespace != 0 {
		parts = append(parts, fmt.Sprintf("nsid=%d", e.Namespace))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("nvmetest: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("nvmetest: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// New creates a structured error with the given operation, code and message.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Queue: -1}
}

// Newf creates a structured error with a formatted message.
func Newf(op string, code Code, format string, args ...any) *Error {
	return New(op, code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with operation context, preserving the code
// of an inner *Error if present, else classifying it as a device error.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var ie *Error
	if errors.As(inner, &ie) {
		return &Error{
			Op:         op,
			Controller: ie.Controller,
			Queue:      ie.Queue,
			Namespace:  ie.Namespace,
			Code:       ie.Code,
			Legacy:     ie.Legacy,
			Msg:        ie.Msg,
			Inner:      ie.Inner,
		}
	}
	return &Error{Op: op, Code: CodeDeviceError, Msg: inner.Error(), Inner: inner, Queue: -1}
}

// WithLegacy attaches a legacy numeric return code to an error.
func (e *Error) WithLegacy(code int) *Error {
	e.Legacy = code
	return e
}

// WorkerTimeout builds the structured error for an IO-worker watchdog abort
// (spec.md §4.4.3, §7): return code -4.
func WorkerTimeout(op string) *Error {
	return New(op, CodeWorkerTimeout, "io-worker exceeded seconds+30s watchdog").WithLegacy(WorkerTimeoutCode)
}

// WorkerInvalidConfig builds the structured error for invalid IO-worker
// arguments (spec.md §4.4.2, §7): return code -2, NVMe status 0x0002.
func WorkerInvalidConfig(op, msg string) *Error {
	return New(op, CodeWorkerInvalidConfig, msg).WithLegacy(WorkerInvalidConfigCode)
}

// WorkerBufferAlloc builds the structured error for buffer-pool exhaustion
// during IO-worker init (spec.md §7): return code -5.
func WorkerBufferAlloc(op, msg string) *Error {
	return New(op, CodeBufferAllocFailed, msg).WithLegacy(WorkerBufferAllocCode)
}

// IsCode reports whether err (or a wrapped error) matches the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
