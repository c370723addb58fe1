package protocol

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodePaymentNotVerified          Code = "PAYMENT_NOT_VERIFIED"
	CodeSignatureInvalid            Code = "SIGNATURE_INVALID"
	CodeOrderNotFound               Code = "ORDER_NOT_FOUND"
	CodeServiceUnavailable          Code = "SERVICE_UNAVAILABLE"
	CodeInsufficientBalance         Code = "INSUFFICIENT_BALANCE"
	CodeServiceTypeNotSupported     Code = "SERVICE_TYPE_NOT_SUPPORTED"
	CodeBudgetTooLow                Code = "BUDGET_TOO_LOW"
	CodePaymentTimeout              Code = "PAYMENT_TIMEOUT"
	CodeOrderExpired                Code = "ORDER_EXPIRED"
	CodeProtocolVersionUnsupported  Code = "PROTOCOL_VERSION_UNSUPPORTED"
	CodeInternalError               Code = "INTERNAL_ERROR"
	CodeDuplicatePayment            Code = "DUPLICATE_PAYMENT"
	CodeInvalidSignedMessage        Code = "INVALID_SIGNED_MESSAGE"
	CodeSignatureVerificationFailed Code = "SIGNATURE_VERIFICATION_FAILED"
	CodeInvalidOrderStatus          Code = "INVALID_ORDER_STATUS"
	CodeNetworkMismatch             Code = "NETWORK_MISMATCH"

	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeDeliverableNotReady Code = "DELIVERABLE_NOT_READY"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeRateLimited         Code = "RATE_LIMITED"
)

// Error is the wire error envelope. It doubles as the Go error returned by
// every guarded engine operation.
type Error struct {
	Code    Code           `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of e carrying an extra detail entry.
func (e *Error) With(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// CodeOf extracts the protocol code from err, or "" when err is not a
// protocol error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code()
	}
	return ""
}

// AsError converts err into a wire envelope. Validation errors keep their
// field issues in details; anything else that is not already a protocol
// error becomes an opaque INTERNAL_ERROR.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Envelope()
	}
	return NewError(CodeInternalError, "internal error")
}
