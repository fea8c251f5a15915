// Package relayerr provides a structured, programmatically classifiable
// error type shared by the relay and client packages.
package relayerr

import "fmt"

// Path identifies which side of the protocol produced the error.
type Path string

const (
	PathRelay  Path = "relay"
	PathClient Path = "client"
)

// Stage identifies which part of the protocol failed.
type Stage string

const (
	StageCodec     Stage = "codec"
	StageHandshake Stage = "handshake"
	StageSession   Stage = "session"
	StageChannel   Stage = "channel"
	StagePeer      Stage = "peer"
	StageKeyStore  Stage = "keystore"
)

// Code is a stable, programmatic error identifier matching the error
// kinds named by the protocol's external interface.
type Code string

const (
	CodeMalformedFrame     Code = "malformed_frame"
	CodeProtocolViolation  Code = "protocol_violation"
	CodeBadCipher          Code = "bad_cipher"
	CodeUnknownTarget      Code = "unknown_target"
	CodeChannelFull        Code = "channel_full"
	CodeRateLimit          Code = "rate_limit"
	CodeIdleTimeout        Code = "idle_timeout"
	CodeInvalidState       Code = "invalid_state"
	CodeWriteFailed        Code = "write_failed"
	CodeKeyStoreIOFailed   Code = "keystore_io_failed"
)

// Error is a structured, programmatically identifiable relay/client error.
type Error struct {
	Path  Path
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Path, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Path, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a new structured Error.
func Wrap(path Path, stage Stage, code Code, err error) error {
	return &Error{Path: path, Stage: stage, Code: code, Err: err}
}
