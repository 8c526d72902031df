package errors

import (
	"errors"
)

type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindInvalidParent   Kind = "INVALID_PARENT"
	KindCycleDetected   Kind = "CYCLE_DETECTED"
	KindNonFastForward  Kind = "NON_FAST_FORWARD"
	KindEmptyRepository Kind = "EMPTY_REPOSITORY"
	KindCrossRepository Kind = "CROSS_REPOSITORY"
	KindConflict        Kind = "CONFLICT"
	KindValidation      Kind = "VALIDATION"
)

// Error is the typed failure returned by every engine operation. Callers
// branch on Kind; Message is for logs, not end users.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func InvalidParent(message string) *Error {
	return &Error{Kind: KindInvalidParent, Message: message}
}

func CycleDetected(message string) *Error {
	return &Error{Kind: KindCycleDetected, Message: message}
}

func NonFastForward(message string) *Error {
	return &Error{Kind: KindNonFastForward, Message: message}
}

func EmptyRepository(message string) *Error {
	return &Error{Kind: KindEmptyRepository, Message: message}
}

func CrossRepository(message string) *Error {
	return &Error{Kind: KindCrossRepository, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func ValidationError(message string, details any) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
