package relayerr

import (
	"context"
	"errors"
)

// ClassifyTransportCode maps a transport-layer read/write error to a
// stable Code, folding context cancellation and deadline expiry into
// the same kinds the session state machine already produces for idle
// timeout and peer-initiated close.
func ClassifyTransportCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeIdleTimeout
	case errors.Is(err, context.Canceled):
		return CodeInvalidState
	default:
		return CodeWriteFailed
	}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, reporting ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Code, true
}

// Is reports whether err is a *Error carrying the given Code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
