// Package codec encodes and decodes NodeCrypt wire envelopes.
//
// An envelope is "a small self-describing record" (a text-keyed map is
// explicitly permitted by the protocol) carrying an action tag plus
// whatever fields that action needs. Binary key material and
// ciphertexts travel as base64 field values.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// ErrMalformedFrame is returned for bad base64, missing required
// fields, an unrecognized action tag, or an oversized payload — every
// case the protocol folds into the MalformedFrame error kind.
var ErrMalformedFrame = errors.New("codec: malformed frame")

// DefaultMaxEnvelopeBytes is the default maximum encoded envelope size:
// large enough for 256KiB file chunks plus header/field overhead.
const DefaultMaxEnvelopeBytes = 512 * 1024

// ActionKey is the reserved field name carrying the envelope's action tag.
const ActionKey = "a"

// Envelope is a flat, text-keyed wire record. Field values that hold
// binary data are base64-encoded by the caller before being placed in
// the map (see EncodeBinary/DecodeBinary).
type Envelope map[string]string

// Action returns the envelope's action tag, or "" if absent.
func (e Envelope) Action() string {
	return e[ActionKey]
}

// New builds an Envelope with the given action tag.
func New(action string) Envelope {
	return Envelope{ActionKey: action}
}

// With sets a field and returns the envelope for chaining.
func (e Envelope) With(key, value string) Envelope {
	e[key] = value
	return e
}

// Require returns the named field, or ErrMalformedFrame if it is absent or empty.
func (e Envelope) Require(key string) (string, error) {
	v, ok := e[key]
	if !ok || v == "" {
		return "", ErrMalformedFrame
	}
	return v, nil
}

// RequireBinary returns the named field decoded from base64.
func (e Envelope) RequireBinary(key string) ([]byte, error) {
	v, err := e.Require(key)
	if err != nil {
		return nil, err
	}
	return DecodeBinary(v)
}

// EncodeBinary encodes b as standard base64, for placement in an
// Envelope field.
func EncodeBinary(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBinary decodes a base64 Envelope field value.
func DecodeBinary(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	return b, nil
}

// Encode serializes the envelope as JSON, rejecting frames larger than maxBytes.
//
// maxBytes <= 0 uses DefaultMaxEnvelopeBytes.
func Encode(e Envelope, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEnvelopeBytes
	}
	if e.Action() == "" {
		return nil, ErrMalformedFrame
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	if len(b) > maxBytes {
		return nil, ErrMalformedFrame
	}
	return b, nil
}

// Decode parses a wire frame into an Envelope, rejecting frames larger
// than maxBytes or lacking a recognized action tag.
//
// maxBytes <= 0 uses DefaultMaxEnvelopeBytes.
func Decode(frame []byte, maxBytes int) (Envelope, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEnvelopeBytes
	}
	if len(frame) > maxBytes {
		return nil, ErrMalformedFrame
	}
	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, ErrMalformedFrame
	}
	switch e.Action() {
	case "r", "k", "e", "s", "j", "c", "w", "l":
	default:
		return nil, ErrMalformedFrame
	}
	return e, nil
}
