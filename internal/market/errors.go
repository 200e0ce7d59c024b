package market

import (
	"errors"
	"fmt"
)

// Code enumerates the business outcomes a caller can act on. Infrastructure
// faults are never wrapped in one of these; they stay plain errors.
type Code string

const (
	// CodeInvalidTransaction: the signed payload is malformed or
	// semantically wrong. Detected before any state mutation.
	CodeInvalidTransaction Code = "INVALID_TRANSACTION"
	// CodeExistPendingOrder: the seller already has an in-flight listing.
	CodeExistPendingOrder Code = "EXIST_PENDING_ORDER"
	// CodeOrderNotFound: the referenced order id does not exist.
	CodeOrderNotFound Code = "ORDER_NOT_FOUND"
	// CodeOrderStatusError: a conditional transition matched zero rows;
	// a concurrent request won the race. Retry against fresh state.
	CodeOrderStatusError Code = "ORDER_STATUS_ERROR"
	// CodeTransferFailed: the chain rejected or failed a submitted
	// extrinsic. The order row records the diagnostic.
	CodeTransferFailed Code = "TRANSFER_FAILED"
)

// Error is a business outcome with a stable code and a human-readable
// detail. Public entry points return either a receipt or one of these.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps a business error, if err carries one.
func AsError(err error) (*Error, bool) {
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr, true
	}
	return nil, false
}
