package bridge

import (
	"context"
	"errors"

	"github.com/Automattic/pingbridge/internal/bus"
)

var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrPolicyDenied      = errors.New("access denied")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrPipelineTimeout   = errors.New("bridge event not completed in time")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrTooManyHandlers   = errors.New("max handlers reached")
	ErrAddressTooLong    = errors.New("address too long")
	ErrSlowConsumer      = errors.New("outbound queue full")
	ErrRateLimited       = errors.New("rate limited")
	ErrPolicyRevoked     = errors.New("registration revoked by policy")
	ErrReplyTimeout      = errors.New("reply timed out")
	ErrServerClosed      = errors.New("bridge server closed")
)

// ProtocolError is the payload of an err frame.
type ProtocolError struct {
	Code    int    `json:"failureCode"`
	Type    string `json:"failureType"`
	Message string `json:"message"`
}

func (e ProtocolError) Error() string {
	return e.Type + ": " + e.Message
}

// failureFor maps an error from any layer to the err frame reported to the
// client. Pipeline timeouts are reported as access_denied.
func failureFor(err error) ProtocolError {
	var pe ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	f := ProtocolError{Message: err.Error()}
	switch {
	case errors.Is(err, ErrMalformedFrame):
		f.Code, f.Type = 400, "invalid_json"
	case errors.Is(err, ErrPolicyDenied), errors.Is(err, ErrPipelineTimeout):
		f.Code, f.Type = 403, "access_denied"
	case errors.Is(err, ErrPolicyRevoked):
		f.Code, f.Type = 403, "policy_revoked"
	case errors.Is(err, ErrNotRegistered):
		f.Code, f.Type = 404, "not_registered"
	case errors.Is(err, ErrAlreadyRegistered):
		f.Code, f.Type = 409, "already_registered"
	case errors.Is(err, ErrAddressTooLong):
		f.Code, f.Type = 414, "address_too_long"
	case errors.Is(err, ErrTooManyHandlers):
		f.Code, f.Type = 429, "max_handlers_reached"
	case errors.Is(err, ErrRateLimited):
		f.Code, f.Type = 429, "rate_limited"
	case errors.Is(err, bus.ErrNoHandlers):
		f.Code, f.Type = 503, "NO_HANDLERS"
	case errors.Is(err, ErrReplyTimeout), errors.Is(err, context.DeadlineExceeded):
		f.Code, f.Type = 504, "TIMEOUT"
	default:
		f.Code, f.Type = 500, "internal_error"
	}
	return f
}
