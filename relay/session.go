// Package relay implements the NodeCrypt server: per-connection
// handshake and outer-session cryptography, and the ChannelRegistry
// that forwards already-encrypted envelopes between channel members.
package relay

import (
	"context"
	"crypto/ecdh"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodecrypt/relay-go/codec"
	"github.com/nodecrypt/relay-go/cryptoprimitives"
	"github.com/nodecrypt/relay-go/internal/contextutil"
	"github.com/nodecrypt/relay-go/internal/endpointid"
	"github.com/nodecrypt/relay-go/observability"
	"github.com/nodecrypt/relay-go/realtime/ws"
	"github.com/nodecrypt/relay-go/relaykeystore"
	"github.com/nodecrypt/relay-go/relayerr"
)

// State is a ClientSession's position in the handshake/membership
// lifecycle (spec §4.3).
type State int

const (
	StateAccepted State = iota
	StateRsaAnnounced
	StateEcdhPending
	StateSecured
	StateJoined
	StateClosed
)

var (
	errAlreadyJoined = errors.New("relay: session already joined a channel")
	errWrongState    = errors.New("relay: envelope received out of order")
	errUnknownAction = errors.New("relay: unrecognized envelope action")
	errOutboxFull    = errors.New("relay: outbound queue full")
	errJoinRateLimit = errors.New("relay: too many join attempts")
)

// Config bounds the per-connection resource limits and timers.
type Config struct {
	IdleTimeout      time.Duration
	MaxEnvelopeBytes int
	OutboxDepth      int
	// MaxJoinAttempts caps how many "j" envelopes a session may submit
	// before it is closed as rate-limited. A session that has already
	// joined is rejected by errAlreadyJoined regardless of this limit;
	// this guards the pre-join window where a connection could otherwise
	// resubmit "j" envelopes indefinitely without ever completing a join.
	MaxJoinAttempts int
}

// DefaultConfig returns the spec's default session limits.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      60 * time.Second,
		MaxEnvelopeBytes: codec.DefaultMaxEnvelopeBytes,
		OutboxDepth:      64,
		MaxJoinAttempts:  1,
	}
}

// ClientSession drives one websocket connection through the handshake
// state machine and, once Joined, forwards channel traffic through the
// owning ChannelRegistry.
//
// Grounded on tunnel/server's per-endpoint connection handling
// (acceptLoop + pump + writePump idiom), generalized from the
// teacher's fixed tunnel-pairing handshake to NodeCrypt's three-layer
// RSA/ECDH/AES scheme and N-member channel membership.
type ClientSession struct {
	id       string
	conn     *ws.Conn
	keystore *relaykeystore.Store
	registry *ChannelRegistry
	cfg      Config
	observer observability.RelayObserver

	mu       sync.Mutex
	state    State
	identity *relaykeystore.Identity
	ecdhPriv *ecdh.PrivateKey
	aesKey   [32]byte
	channel  string
	userName string
	lastSeen time.Time

	joinAttempts int

	outbox    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientSession builds a session around an already-upgraded
// websocket connection. Call Run to drive it to completion.
func NewClientSession(conn *ws.Conn, keystore *relaykeystore.Store, registry *ChannelRegistry, cfg Config, observer observability.RelayObserver) (*ClientSession, error) {
	if observer == nil {
		observer = observability.NoopRelayObserver
	}
	id, err := endpointid.Random(16)
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		id:       id,
		conn:     conn,
		keystore: keystore,
		registry: registry,
		cfg:      cfg,
		observer: observer,
		state:    StateAccepted,
		lastSeen: time.Now(),
		outbox:   make(chan []byte, cfg.OutboxDepth),
		closed:   make(chan struct{}),
	}, nil
}

// ID returns the session's relay-assigned client_id.
func (s *ClientSession) ID() string { return s.id }

// Channel returns the joined channel name, or "" if not yet joined.
func (s *ClientSession) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// UserName returns the display name chosen at join time.
func (s *ClientSession) UserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userName
}

func (s *ClientSession) setChannel(channel, userName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = channel
	s.userName = userName
	s.state = StateJoined
}

// Run drives the connection: it sends the relay-hello, then loops
// reading envelopes until the connection closes, the idle timeout
// fires, or a protocol violation forces a close.
func (s *ClientSession) Run(ctx context.Context) error {
	s.identity = s.keystore.Current()
	s.conn.SetReadLimit(int64(s.cfg.MaxEnvelopeBytes))

	go s.writePump(ctx)

	if err := s.sendHello(); err != nil {
		s.closeWith(observability.CloseReasonWriteError)
		return err
	}

	for {
		readCtx, cancel := contextutil.WithTimeout(ctx, s.cfg.IdleTimeout)
		_, frame, err := s.conn.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if relayerr.ClassifyTransportCode(err) == relayerr.CodeIdleTimeout {
				s.closeWith(observability.CloseReasonIdleTimeout)
				return nil
			}
			s.closeWith(observability.CloseReasonPeerClosed)
			return nil
		}

		s.mu.Lock()
		s.lastSeen = time.Now()
		s.mu.Unlock()

		if err := s.handleFrame(frame); err != nil {
			var relayErr *relayerr.Error
			reason := observability.CloseReasonProtocolError
			if errors.As(err, &relayErr) {
				switch relayErr.Code {
				case relayerr.CodeMalformedFrame:
					reason = observability.CloseReasonMalformedFrame
				case relayerr.CodeBadCipher:
					reason = observability.CloseReasonBadCipher
				}
			}
			s.closeWith(reason)
			return err
		}
	}
}

func (s *ClientSession) sendHello() error {
	env := codec.New("r").
		With("client_id", s.id).
		With("rsa_pub", codec.EncodeBinary(s.identity.PubDER))
	if err := s.enqueue(env); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StateRsaAnnounced
	s.mu.Unlock()
	return nil
}

func (s *ClientSession) handleFrame(frame []byte) error {
	env, err := codec.Decode(frame, s.cfg.MaxEnvelopeBytes)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateRsaAnnounced:
		return s.handleKeyExchange(env)
	case StateSecured, StateJoined:
		return s.handleSecured(env)
	default:
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageSession, relayerr.CodeProtocolViolation, errWrongState)
	}
}

// handleKeyExchange processes envelope "k": the client's RSA public
// key plus its ECDH P-384 public key, RSA-OAEP-encrypted under that
// same key. The server replies with envelope "e": its own ECDH public
// key, RSA-OAEP-encrypted under the client's key (spec §4.2).
func (s *ClientSession) handleKeyExchange(env codec.Envelope) error {
	if env.Action() != "k" {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeProtocolViolation, errWrongState)
	}
	clientRSADER, err := env.RequireBinary("client_rsa_pub")
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}
	encryptedECDH, err := env.RequireBinary("client_ecdh_pub")
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}
	clientRSAPub, err := cryptoprimitives.ParseRSAPublicKey(clientRSADER)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}
	clientECDHRaw, err := cryptoprimitives.DecryptRSA(s.identity.Priv, encryptedECDH)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeBadCipher, err)
	}
	clientECDHPub, err := cryptoprimitives.ParseECDHP384PublicKey(clientECDHRaw)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}

	serverECDHPriv, err := cryptoprimitives.GenerateECDHP384()
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	aesKey, err := cryptoprimitives.DeriveOuterAESKey(serverECDHPriv, clientECDHPub)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	encryptedServerECDH, err := cryptoprimitives.EncryptRSA(clientRSAPub, serverECDHPriv.PublicKey().Bytes())
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}

	s.mu.Lock()
	s.ecdhPriv = serverECDHPriv
	s.aesKey = aesKey
	s.state = StateSecured
	s.mu.Unlock()

	ack := codec.New("e").With("server_ecdh_pub", codec.EncodeBinary(encryptedServerECDH))
	return s.enqueue(ack)
}

// handleSecured decrypts the outer AES-256-CBC envelope, decodes the
// inner envelope, and dispatches on its action.
func (s *ClientSession) handleSecured(env codec.Envelope) error {
	if env.Action() != "s" {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageSession, relayerr.CodeProtocolViolation, errWrongState)
	}
	ciphertext, err := env.RequireBinary("data")
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}

	s.mu.Lock()
	aesKey := s.aesKey
	state := s.state
	s.mu.Unlock()

	plaintext, err := cryptoprimitives.DecryptAESCBC(aesKey, ciphertext)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageSession, relayerr.CodeBadCipher, err)
	}
	inner, err := codec.Decode(plaintext, s.cfg.MaxEnvelopeBytes)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}

	switch inner.Action() {
	case "j":
		if state == StateJoined {
			return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeProtocolViolation, errAlreadyJoined)
		}
		if s.cfg.MaxJoinAttempts > 0 {
			s.mu.Lock()
			s.joinAttempts++
			attempts := s.joinAttempts
			s.mu.Unlock()
			if attempts > s.cfg.MaxJoinAttempts {
				s.closeWith(observability.CloseReasonRateLimited)
				return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeRateLimit, errJoinRateLimit)
			}
		}
		channel, err := inner.Require("channel")
		if err != nil {
			return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeMalformedFrame, err)
		}
		userName, err := inner.Require("user_name")
		if err != nil {
			return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeMalformedFrame, err)
		}
		return s.registry.Join(s, channel, userName)
	case "w":
		if state != StateJoined {
			return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeProtocolViolation, errWrongState)
		}
		s.registry.ForwardBroadcast(s, inner)
		return nil
	case "c":
		if state != StateJoined {
			return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeProtocolViolation, errWrongState)
		}
		target, err := inner.Require("target")
		if err != nil {
			return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeMalformedFrame, err)
		}
		s.registry.ForwardUnicast(s, target, inner)
		return nil
	default:
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageChannel, relayerr.CodeProtocolViolation, errUnknownAction)
	}
}

// sendSecured AES-encrypts inner under this session's own outer key
// and enqueues it as an "s" envelope. Called by the ChannelRegistry
// for list/broadcast/unicast delivery.
func (s *ClientSession) sendSecured(inner codec.Envelope) error {
	payload, err := codec.Encode(inner, s.cfg.MaxEnvelopeBytes)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}

	s.mu.Lock()
	aesKey := s.aesKey
	s.mu.Unlock()

	ciphertext, err := cryptoprimitives.EncryptAESCBC(aesKey, payload)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageSession, relayerr.CodeInvalidState, err)
	}
	outer := codec.New("s").With("data", codec.EncodeBinary(ciphertext))
	return s.enqueue(outer)
}

func (s *ClientSession) enqueue(env codec.Envelope) error {
	frame, err := codec.Encode(env, s.cfg.MaxEnvelopeBytes)
	if err != nil {
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}
	select {
	case s.outbox <- frame:
		return nil
	case <-s.closed:
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageSession, relayerr.CodeWriteFailed, errOutboxFull)
	default:
		s.closeWith(observability.CloseReasonChannelFull)
		return relayerr.Wrap(relayerr.PathRelay, relayerr.StageSession, relayerr.CodeChannelFull, errOutboxFull)
	}
}

func (s *ClientSession) writePump(ctx context.Context) {
	for {
		select {
		case frame := <-s.outbox:
			if err := s.conn.WriteMessage(ctx, websocket.TextMessage, frame); err != nil {
				s.closeWith(observability.CloseReasonWriteError)
				return
			}
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *ClientSession) closeWith(reason observability.CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closed)
		s.registry.Leave(s)
		s.observer.Close(reason)
		_ = s.conn.Close()
	})
}
