package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Connection errors
	CodeAuthRequired         Code = "AUTH_REQUIRED"
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodeSuperseded           Code = "SUPERSEDED"
	CodeTimeout              Code = "TIMEOUT"

	// Room errors
	CodeNotAuthorized Code = "NOT_AUTHORIZED"
	CodeNotSubscribed Code = "NOT_SUBSCRIBED"
	CodeRoomNotFound  Code = "ROOM_NOT_FOUND"
	CodeRoomInactive  Code = "ROOM_INACTIVE"

	// Message errors
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Abuse limits
	CodeRateLimited Code = "RATE_LIMITED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeInternal Code = "INTERNAL"
)

// Retryable reports whether a request failing with this code may succeed on a
// retry. Terminal request failures (bad input, missing access) are not
// retryable; transport faults and timeouts are.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimeout, CodeTransportUnavailable, CodeRateLimited, CodeInternal:
		return true
	default:
		return false
	}
}
