// Package endpointid generates and validates the random client_id the
// relay assigns each ClientSession at websocket upgrade time (spec §4.1:
// the server-hello's client_id, echoed back in "l" list envelopes and
// used as the unicast address in "c" envelopes). It has no relationship
// to any persisted identity — a new one is minted per connection and
// forgotten when the session closes.
package endpointid

import (
	"crypto/rand"
	"errors"

	"github.com/nodecrypt/relay-go/internal/base64url"
)

var (
	errInvalid    = errors.New("invalid endpoint instance id")
	errInvalidLen = errors.New("invalid length")
)

// Validate reports whether eid could plausibly be a client_id this
// package minted: base64url-decodable and within the byte-length range
// Random ever produces. It does not check that the id is actually live
// in any ChannelRegistry — callers that need that do a map lookup.
func Validate(eid string) error {
	b, err := base64url.Decode(eid)
	if err != nil {
		return errInvalid
	}
	if len(b) < 16 || len(b) > 32 {
		return errInvalid
	}
	return nil
}

// Random generates an n-byte client_id, base64url-encoded.
// NewClientSession calls Random(16), giving 128 bits of entropy per
// connection — enough that two concurrently open sessions colliding on
// client_id is not a scenario ChannelRegistry needs to guard against.
func Random(n int) (string, error) {
	if n <= 0 {
		return "", errInvalidLen
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64url.Encode(b), nil
}
