package types

import "errors"

var (
	// ErrValidation rejects a bad submission before it enters the store.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an illegal state transition attempt, e.g. a
	// cancel against a processing job.
	ErrConflict = errors.New("conflicting state transition")

	// ErrStaleTransition is the compare-and-swap mismatch: the job was
	// not in the expected prior state. Callers re-read and retry their
	// own logic, never the job itself.
	ErrStaleTransition = errors.New("stale transition")

	// ErrTimeout covers ack or processing deadlines. It is converted
	// into a retry or failed transition internally and never surfaced
	// raw to API callers.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrTransportUnavailable means the broker connection is down.
	// Jobs are deferred, not failed.
	ErrTransportUnavailable = errors.New("transport unavailable")

	ErrDeviceNotFound = errors.New("device not found")
	ErrJobNotFound    = errors.New("job not found")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
