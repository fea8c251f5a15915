// Package base64url provides unpadded base64url encoding, used by
// endpointid for the client_id string, so the value never needs
// percent-escaping and is safe to drop straight into a URL query string
// if a transport ever needs that. Binary envelope fields (rsa_pub,
// ecdh pubs, ciphertexts) do not use it: codec.EncodeBinary encodes
// them as standard padded base64.
package base64url

import (
	"encoding/base64"
)

// Encode encodes bytes as base64url without padding.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode decodes base64url without padding.
func Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
