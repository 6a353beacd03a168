package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a receipt workflow error code.
type ErrorCode string

const (
	ErrAmbiguousAddressing ErrorCode = "AMBIGUOUS_ADDRESSING" // 400
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"      // 400
	ErrInvalidAssignee     ErrorCode = "INVALID_ASSIGNEE"     // 400
	ErrUnauthenticated     ErrorCode = "UNAUTHENTICATED"      // 401
	ErrNotFound            ErrorCode = "NOT_FOUND"            // 404
	ErrNoItemsRemaining    ErrorCode = "NO_ITEMS_REMAINING"   // 409
	ErrInvalidTransition   ErrorCode = "INVALID_TRANSITION"   // 409
	ErrConflict            ErrorCode = "CONFLICT"             // 409
	ErrArchiveTooLarge     ErrorCode = "ARCHIVE_TOO_LARGE"    // 413
	ErrCancelled           ErrorCode = "CANCELLED"            // 499
	ErrInternal            ErrorCode = "INTERNAL"             // 500
	ErrExtractionFailed    ErrorCode = "EXTRACTION_FAILED"    // 502
)

// ReceiptError represents a structured error with code, status, and details.
type ReceiptError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *ReceiptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAmbiguousAddressing creates a 400 error for when both a file id and a filename are provided.
func NewAmbiguousAddressing() *ReceiptError {
	return &ReceiptError{
		Code:    ErrAmbiguousAddressing,
		Status:  400,
		Message: "cannot specify both file id and filename; use one addressing mode",
	}
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidItem creates a 400 error for a draft item that failed validation.
func NewInvalidItem(index int, reason string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: fmt.Sprintf("item %d: %s", index, reason),
		Details: map[string]any{"index": index, "reason": reason},
	}
}

// NewInvalidAssignee creates a 400 error for an assignee outside a, b, shared.
func NewInvalidAssignee(value string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrInvalidAssignee,
		Status:  400,
		Message: fmt.Sprintf("invalid assignee %q: must be one of a, b, shared", value),
		Details: map[string]any{"assignee": value},
	}
}

// NewUnauthenticated creates a 401 error when no owner identity is present.
func NewUnauthenticated(header string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrUnauthenticated,
		Status:  401,
		Message: fmt.Sprintf("missing identity header %s", header),
		Details: map[string]any{"header": header},
	}
}

// NewNotFound creates a 404 error for a missing entity.
func NewNotFound(kind, identifier string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewNoItemsRemaining creates a 409 error when every confirmed item is already assigned.
func NewNoItemsRemaining(sessionID string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrNoItemsRemaining,
		Status:  409,
		Message: "no unassigned items remain",
		Details: map[string]any{"session_id": sessionID},
	}
}

// NewInvalidTransition creates a 409 error for a step change whose guard does not hold.
func NewInvalidTransition(from, to, reason string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrInvalidTransition,
		Status:  409,
		Message: fmt.Sprintf("cannot move from %s to %s: %s", from, to, reason),
		Details: map[string]any{"from": from, "to": to, "reason": reason},
	}
}

// NewConflict creates a 409 error for general conflicts.
func NewConflict(msg string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewArchiveTooLarge creates a 413 error when an uploaded archive exceeds the size limit.
func NewArchiveTooLarge(max int64) *ReceiptError {
	return &ReceiptError{
		Code:    ErrArchiveTooLarge,
		Status:  413,
		Message: fmt.Sprintf("archive exceeds maximum size of %d bytes", max),
		Details: map[string]any{"max_bytes": max},
	}
}

// NewCancelled creates a 499 error for a request whose context was cancelled.
func NewCancelled(op string) *ReceiptError {
	return &ReceiptError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewExtractionFailed creates a 502 error for a failed call to the vision service.
func NewExtractionFailed(filename string, err error) *ReceiptError {
	msg := "extraction failed"
	if err != nil {
		msg = fmt.Sprintf("extraction failed for %s: %v", filename, err)
	}
	return &ReceiptError{
		Code:    ErrExtractionFailed,
		Status:  502,
		Message: msg,
		Details: map[string]any{"filename": filename},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *ReceiptError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &ReceiptError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is (or wraps) a ReceiptError with the given code.
func Is(err error, code ErrorCode) bool {
	var rErr *ReceiptError
	if stderrors.As(err, &rErr) {
		return rErr.Code == code
	}
	return false
}

// As returns err as a ReceiptError, wrapping anything else as INTERNAL.
func As(err error) *ReceiptError {
	var rErr *ReceiptError
	if stderrors.As(err, &rErr) {
		return rErr
	}
	return NewInternal(err)
}
