// Package peer implements the client-side per-peer key agreement and
// payload cipher for one other member of a joined channel.
package peer

import (
	"crypto/ecdh"
	"errors"
	"sync"

	"github.com/nodecrypt/relay-go/cryptoprimitives"
	"github.com/nodecrypt/relay-go/relayerr"
)

// State is a PeerSession's position in its own two-message key
// agreement with one other channel member (spec §4.6).
type State int

const (
	// StateSeenInList: the peer appeared in a client_list frame but no
	// Curve25519 public key has been exchanged in either direction yet.
	StateSeenInList State = iota
	// StateAwaitingPeerPub: this client's own Curve25519 public key has
	// been sent; the peer's has not yet arrived.
	StateAwaitingPeerPub
	// StateEstablished: both public keys are known and chacha_key is derived.
	StateEstablished
)

var (
	// ErrNotEstablished is returned by Encrypt/Decrypt before chacha_key exists.
	ErrNotEstablished = errors.New("peer: session not established")
	errAlreadyHavePub = errors.New("peer: peer public key already recorded")
)

// Session tracks one other channel member's Curve25519 public key and,
// once both sides have exchanged keys, the derived ChaCha20 key mixed
// with the room password.
//
// Grounded on endpoint/session.go's small-struct-plus-state idiom,
// rebuilt around NodeCrypt's X25519+password cipher suite instead of
// the teacher's AES-GCM/ECDH/HKDF SecureChannel.
type Session struct {
	mu sync.Mutex

	peerClientID string
	myPriv       *ecdh.PrivateKey
	myPub        *ecdh.PublicKey
	peerPub      *ecdh.PublicKey
	roomPassword string

	state     State
	chachaKey [32]byte
}

// New creates a PeerSession for peerClientID, generating this client's
// own Curve25519 keypair immediately so MyPublicKey is available to
// send as soon as the peer is seen in a client_list.
func New(peerClientID, roomPassword string) (*Session, error) {
	priv, err := cryptoprimitives.GenerateX25519()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PathClient, relayerr.StagePeer, relayerr.CodeInvalidState, err)
	}
	return &Session{
		peerClientID: peerClientID,
		myPriv:       priv,
		myPub:        priv.PublicKey(),
		roomPassword: roomPassword,
		state:        StateSeenInList,
	}, nil
}

// PeerClientID returns the relay-assigned id of the other party.
func (s *Session) PeerClientID() string { return s.peerClientID }

// MyPublicKeyBytes returns this client's own Curve25519 public key,
// to be sent to the peer.
func (s *Session) MyPublicKeyBytes() []byte {
	return s.myPub.Bytes()
}

// State returns the session's current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkPubSent transitions StateSeenInList -> StateAwaitingPeerPub. It
// is a no-op once the peer's own public key has already been recorded.
func (s *Session) MarkPubSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSeenInList {
		s.state = StateAwaitingPeerPub
	}
}

// ReceivePeerPublicKey records the peer's Curve25519 public key and
// derives chacha_key. Safe to call exactly once; a second call is
// rejected since a peer's public key is fixed for the session's
// lifetime (spec §4.6).
func (s *Session) ReceivePeerPublicKey(raw []byte) error {
	pub, err := cryptoprimitives.ParseX25519PublicKey(raw)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StagePeer, relayerr.CodeMalformedFrame, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEstablished {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StagePeer, relayerr.CodeProtocolViolation, errAlreadyHavePub)
	}

	key, err := cryptoprimitives.DeriveChaChaKey(s.myPriv, pub, s.roomPassword)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StagePeer, relayerr.CodeInvalidState, err)
	}
	s.peerPub = pub
	s.chachaKey = key
	s.state = StateEstablished
	return nil
}

// Encrypt ChaCha20-encrypts plaintext under chacha_key. Fails with
// ErrNotEstablished if the peer's public key has not arrived yet.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return cryptoprimitives.EncryptChaCha20(s.chachaKey, plaintext)
}

// Decrypt ChaCha20-decrypts ciphertext under chacha_key. A wrong
// password/key simply yields garbage bytes — ChaCha20 carries no
// authentication tag, so callers must not treat a non-error return as
// proof of correctness. Only a structurally short ciphertext errors.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return cryptoprimitives.DecryptChaCha20(s.chachaKey, ciphertext)
}
