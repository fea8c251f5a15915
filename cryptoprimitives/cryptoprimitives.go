// Package cryptoprimitives wraps the asymmetric, symmetric, and hashing
// operations NodeCrypt's three key-establishment layers are built from:
// RSA-2048 for relay identity, ECDH-P384 for the outer client<->relay
// session, and Curve25519 plus password mixing for the inner
// client<->client session.
package cryptoprimitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20"
)

var (
	// ErrBadCipher is returned when an outer-layer decrypt (RSA or AES) fails.
	ErrBadCipher = errors.New("cryptoprimitives: bad cipher")
	// ErrShortCiphertext indicates a buffer is too small to hold IV/nonce + payload.
	ErrShortCiphertext = errors.New("cryptoprimitives: ciphertext too short")
)

// RSAKeyBits is the relay identity key size required by the protocol.
const RSAKeyBits = 2048

// GenerateRSAKeypair creates a fresh RSA-2048 keypair for relay identity use.
func GenerateRSAKeypair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeyBits)
}

// MarshalRSAPublicKey DER-encodes an RSA public key (PKIX, SubjectPublicKeyInfo).
func MarshalRSAPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// ParseRSAPublicKey parses a DER-encoded RSA public key.
func ParseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("cryptoprimitives: not an rsa public key")
	}
	return rsaKey, nil
}

// EncryptRSA OAEP-encrypts msg under pub using SHA-256.
func EncryptRSA(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, msg, nil)
}

// DecryptRSA OAEP-decrypts ciphertext under priv using SHA-256.
//
// A decryption failure is folded into ErrBadCipher, matching the
// relay's "BadCipher closes the transport" handling (spec §7) rather
// than leaking the underlying OAEP padding error.
func DecryptRSA(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, ErrBadCipher
	}
	return out, nil
}

// GenerateECDHP384 creates an ephemeral P-384 keypair for the outer
// client<->relay session.
func GenerateECDHP384() (*ecdh.PrivateKey, error) {
	return ecdh.P384().GenerateKey(rand.Reader)
}

// ParseECDHP384PublicKey parses an uncompressed P-384 public point.
func ParseECDHP384PublicKey(b []byte) (*ecdh.PublicKey, error) {
	return ecdh.P384().NewPublicKey(b)
}

// GenerateX25519 creates an ephemeral Curve25519 keypair for a
// client<->client PeerSession.
func GenerateX25519() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// ParseX25519PublicKey parses a 32-byte Curve25519 public key.
func ParseX25519PublicKey(b []byte) (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(b)
}

// DeriveOuterAESKey derives the outer AES-256-CBC key from an ECDH-P384
// shared secret: SHA-256's worth of bytes taken from the front of the
// raw shared secret (spec §4.2: "take first 32 bytes of raw shared
// secret, left-padded").
func DeriveOuterAESKey(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([32]byte, error) {
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return [32]byte{}, err
	}
	var key [32]byte
	if len(shared) >= 32 {
		copy(key[:], shared[:32])
		return key, nil
	}
	// Left-pad if the curve ever yields a shorter shared secret than 32 bytes.
	copy(key[32-len(shared):], shared)
	return key, nil
}

// DeriveChaChaKey computes the password-mixed inner PeerSession key:
// SHA256( X25519(myPriv, peerPub) XOR SHA256(roomPassword) ).
func DeriveChaChaKey(myPriv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, roomPassword string) ([32]byte, error) {
	shared, err := myPriv.ECDH(peerPub)
	if err != nil {
		return [32]byte{}, err
	}
	if len(shared) != 32 {
		return [32]byte{}, errors.New("cryptoprimitives: unexpected x25519 shared secret length")
	}
	passHash := HashPassword(roomPassword)
	mixed := make([]byte, 32)
	for i := range mixed {
		mixed[i] = shared[i] ^ passHash[i]
	}
	return sha256.Sum256(mixed), nil
}

// EncryptAESCBC encrypts plaintext under key using AES-256-CBC with
// PKCS#7 padding and a fresh random 16-byte IV prepended to the output.
func EncryptAESCBC(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// DecryptAESCBC reverses EncryptAESCBC. Input shorter than one block or
// not block-aligned is reported as ErrShortCiphertext; an empty body or
// a padding failure is reported as ErrBadCipher.
func DecryptAESCBC(key [32]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize || (len(ciphertext)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, ErrShortCiphertext
	}
	iv := ciphertext[:aes.BlockSize]
	body := ciphertext[aes.BlockSize:]
	if len(body) == 0 {
		return nil, ErrBadCipher
	}
	out := make([]byte, len(body))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, body)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadCipher
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrBadCipher
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadCipher
		}
	}
	return data[:len(data)-padLen], nil
}

// ChaChaNonceSize is the nonce length used for inner-layer ChaCha20
// encryption — chacha20.NonceSize, the 12-byte IETF nonce.
const ChaChaNonceSize = chacha20.NonceSize

// EncryptChaCha20 encrypts plaintext under key with a fresh random
// nonce prepended to the ciphertext. There is no associated data and
// no authentication tag: a wrong-key peer simply produces garbage
// bytes, which PeerSession treats as a non-fatal decrypt failure.
func EncryptChaCha20(key [32]byte, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, ChaChaNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, ChaChaNonceSize+len(plaintext))
	copy(out, nonce)
	c.XORKeyStream(out[ChaChaNonceSize:], plaintext)
	return out, nil
}

// DecryptChaCha20 reverses EncryptChaCha20.
func DecryptChaCha20(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < ChaChaNonceSize {
		return nil, ErrShortCiphertext
	}
	nonce := ciphertext[:ChaChaNonceSize]
	body := ciphertext[ChaChaNonceSize:]
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body))
	c.XORKeyStream(out, body)
	return out, nil
}

// FingerprintRSAPublicKey returns a stable SHA-256 fingerprint of a DER
// encoded RSA public key, used by RelayKeyStore to let in-flight
// sessions keep referencing a rotated-out key.
func FingerprintRSAPublicKey(der []byte) [32]byte {
	return sha256.Sum256(der)
}

// ConstantTimeEqual reports whether a and b are equal using a
// constant-time comparison, for any future MAC/fingerprint check that
// must not leak timing information.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HashPassword returns SHA-256(password), used as the mixing input for
// the inner PeerSession key.
func HashPassword(password string) [32]byte {
	return sha256.Sum256([]byte(password))
}
