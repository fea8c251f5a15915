// Package chatclient drives one end-to-end NodeCrypt client: the
// outer RSA/ECDH/AES handshake with the relay, the per-peer Curve25519
// key exchange, and ChaCha20 chat payload encryption.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodecrypt/relay-go/codec"
	"github.com/nodecrypt/relay-go/cryptoprimitives"
	"github.com/nodecrypt/relay-go/internal/contextutil"
	"github.com/nodecrypt/relay-go/internal/defaults"
	"github.com/nodecrypt/relay-go/peer"
	"github.com/nodecrypt/relay-go/realtime/ws"
	"github.com/nodecrypt/relay-go/relayerr"
)

// EventKind distinguishes the variants of Event, realized as a Go
// tagged union rather than an interface hierarchy (spec §9).
type EventKind string

const (
	EventPeerJoined        EventKind = "peer_joined"
	EventPeerLeft          EventKind = "peer_left"
	EventBroadcastMessage  EventKind = "broadcast_message"
	EventPrivateMessage    EventKind = "private_message"
	EventClosed            EventKind = "closed"
)

// Event is delivered on ChatClient.Events(). Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind     EventKind
	PeerID   string
	UserName string
	Text     string
	Err      error
}

const (
	msgTypePubKey       = "pubkey"
	msgTypeChat         = "chat"
	msgTypeChatPrivate  = "chat_private"
)

var errPeerNotEstablished = errors.New("chatclient: peer session not established")
var errServerFingerprintMismatch = errors.New("chatclient: relay rsa_pub fingerprint does not match pinned value")

// ChatClient owns one relay connection: it drives the handshake, joins
// a channel, maintains a peer.Session per other member, and exposes
// in/outbound chat as a single event channel plus Send methods.
//
// Grounded on client/client.go's Session/Close idiom and
// endpoint/tunnel.go's client-side bring-up flow, rebuilt around
// NodeCrypt's membership-list-driven peer discovery instead of the
// teacher's fixed two-party tunnel pairing.
type ChatClient struct {
	conn         *ws.Conn
	clientID     string
	userName     string
	channel      string
	roomPassword string
	aesKey       [32]byte
	maxEnvelope  int
	pinnedServer []byte

	mu           sync.Mutex
	peers        map[string]*peer.Session
	membership   map[string]string // client_id -> user_name, last seen client_list snapshot
	baselineSeen bool

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

// DialOptions configures a Dial call.
type DialOptions struct {
	UserName     string
	Channel      string
	RoomPassword string
	MaxEnvelope  int
	EventBuffer  int
	// HandshakeTimeout bounds the RSA/ECDH handshake (the "r"/"k"/"e"
	// exchange), independent of whatever deadline ctx already carries
	// for the websocket connect itself. Zero uses defaults.HandshakeTimeout.
	HandshakeTimeout time.Duration
	// PinnedServerFingerprint, when non-empty, is compared against the
	// SHA-256 fingerprint of the relay-hello's rsa_pub. A mismatch fails
	// the handshake before any key material is exchanged, guarding a
	// returning client against a silently rotated or substituted relay
	// identity (trust-on-first-use pinning; see relaykeystore.Identity).
	PinnedServerFingerprint []byte
}

// Dial connects to the relay at wsURL, performs the RSA/ECDH handshake
// and the channel join, and starts the background read loop. Events
// are available on the returned ChatClient's Events channel.
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*ChatClient, error) {
	maxEnvelope := opts.MaxEnvelope
	if maxEnvelope <= 0 {
		maxEnvelope = codec.DefaultMaxEnvelopeBytes
	}
	readBuf, writeBuf := ws.BufferSizesForEnvelope(maxEnvelope)
	conn, _, err := ws.Dial(ctx, wsURL, ws.DialOptions{
		Dialer: &websocket.Dialer{ReadBufferSize: readBuf, WriteBufferSize: writeBuf},
	})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	eventBuffer := opts.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 256
	}

	c := &ChatClient{
		conn:         conn,
		userName:     opts.UserName,
		channel:      opts.Channel,
		roomPassword: opts.RoomPassword,
		maxEnvelope:  maxEnvelope,
		pinnedServer: opts.PinnedServerFingerprint,
		peers:        make(map[string]*peer.Session),
		membership:   make(map[string]string),
		events:       make(chan Event, eventBuffer),
		closed:       make(chan struct{}),
	}
	conn.SetReadLimit(int64(maxEnvelope))

	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaults.HandshakeTimeout
	}
	handshakeCtx, cancel := contextutil.WithTimeout(ctx, handshakeTimeout)
	err = c.handshake(handshakeCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.join(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop(ctx)
	return c, nil
}

// Events returns the channel Event values are delivered on. The
// channel is closed once the underlying connection closes.
func (c *ChatClient) Events() <-chan Event { return c.events }

// ClientID returns this client's relay-assigned id.
func (c *ChatClient) ClientID() string { return c.clientID }

// Close tears down the connection.
func (c *ChatClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *ChatClient) handshake(ctx context.Context) error {
	hello, err := c.readEnvelope(ctx)
	if err != nil {
		return err
	}
	if hello.Action() != "r" {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeProtocolViolation, errors.New("expected relay-hello"))
	}
	c.clientID = hello["client_id"]
	serverRSADER, err := hello.RequireBinary("rsa_pub")
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}
	serverRSAPub, err := cryptoprimitives.ParseRSAPublicKey(serverRSADER)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}
	if len(c.pinnedServer) > 0 {
		fingerprint := cryptoprimitives.FingerprintRSAPublicKey(serverRSADER)
		if !cryptoprimitives.ConstantTimeEqual(fingerprint[:], c.pinnedServer) {
			return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeProtocolViolation, errServerFingerprintMismatch)
		}
	}

	rsaPriv, err := cryptoprimitives.GenerateRSAKeypair()
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	ecdhPriv, err := cryptoprimitives.GenerateECDHP384()
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	rsaDER, err := cryptoprimitives.MarshalRSAPublicKey(&rsaPriv.PublicKey)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	encryptedECDH, err := cryptoprimitives.EncryptRSA(serverRSAPub, ecdhPriv.PublicKey().Bytes())
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	if err := c.sendEnvelope(ctx, codec.New("k").
		With("client_rsa_pub", codec.EncodeBinary(rsaDER)).
		With("client_ecdh_pub", codec.EncodeBinary(encryptedECDH))); err != nil {
		return err
	}

	ack, err := c.readEnvelope(ctx)
	if err != nil {
		return err
	}
	if ack.Action() != "e" {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeProtocolViolation, errors.New("expected ecdh-ack"))
	}
	encryptedServerECDH, err := ack.RequireBinary("server_ecdh_pub")
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}
	serverECDHRaw, err := cryptoprimitives.DecryptRSA(rsaPriv, encryptedServerECDH)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeBadCipher, err)
	}
	serverECDHPub, err := cryptoprimitives.ParseECDHP384PublicKey(serverECDHRaw)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeMalformedFrame, err)
	}
	aesKey, err := cryptoprimitives.DeriveOuterAESKey(ecdhPriv, serverECDHPub)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageHandshake, relayerr.CodeInvalidState, err)
	}
	c.aesKey = aesKey
	return nil
}

func (c *ChatClient) join() error {
	return c.sendSecured(codec.New("j").With("channel", c.channel).With("user_name", c.userName))
}

// SendBroadcast encrypts text independently for every established peer
// and sends a single broadcast envelope bundling the per-recipient
// ciphertexts.
func (c *ChatClient) SendBroadcast(text string) error {
	c.mu.Lock()
	ciphertexts := make(map[string]string, len(c.peers))
	for id, p := range c.peers {
		if p.State() != peer.StateEstablished {
			continue
		}
		ct, err := p.Encrypt([]byte(text))
		if err != nil {
			c.mu.Unlock()
			return relayerr.Wrap(relayerr.PathClient, relayerr.StagePeer, relayerr.CodeInvalidState, err)
		}
		ciphertexts[id] = codec.EncodeBinary(ct)
	}
	c.mu.Unlock()

	blob, err := json.Marshal(ciphertexts)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}
	return c.sendSecured(codec.New("w").
		With("msg_type", msgTypeChat).
		With("ciphertexts", string(blob)))
}

// SendPrivate encrypts text under the named peer's session and sends
// it as a unicast envelope.
func (c *ChatClient) SendPrivate(targetClientID, text string) error {
	c.mu.Lock()
	p, ok := c.peers[targetClientID]
	c.mu.Unlock()
	if !ok || p.State() != peer.StateEstablished {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StagePeer, relayerr.CodeInvalidState, errPeerNotEstablished)
	}
	ct, err := p.Encrypt([]byte(text))
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StagePeer, relayerr.CodeInvalidState, err)
	}
	return c.sendSecured(codec.New("c").
		With("target", targetClientID).
		With("msg_type", msgTypeChatPrivate).
		With("ciphertext", codec.EncodeBinary(ct)))
}

func (c *ChatClient) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		env, err := c.readEnvelope(ctx)
		if err != nil {
			return
		}
		if env.Action() != "s" {
			continue
		}
		ciphertext, err := env.RequireBinary("data")
		if err != nil {
			continue
		}
		plaintext, err := cryptoprimitives.DecryptAESCBC(c.aesKey, ciphertext)
		if err != nil {
			continue
		}
		inner, err := codec.Decode(plaintext, c.maxEnvelope)
		if err != nil {
			continue
		}
		c.handleInner(inner)
	}
}

func (c *ChatClient) handleInner(inner codec.Envelope) {
	switch inner.Action() {
	case "l":
		c.handleList(inner)
	case "w":
		c.handleBroadcastPayload(inner)
	case "c":
		c.handleUnicastPayload(inner)
	}
}

// handleList applies the two-frame warmup (spec §4.7): the first
// client_list received establishes the baseline membership silently;
// every subsequent one is diffed for join/leave events.
func (c *ChatClient) handleList(inner codec.Envelope) {
	next := parseMembership(inner)

	c.mu.Lock()
	first := !c.baselineSeen
	c.baselineSeen = true
	prev := c.membership
	c.membership = next

	var joined, left []string
	if first {
		// The baseline snapshot may already include members who were
		// present before this client joined; establish peer sessions
		// with them too, just without a join event (they did not just
		// arrive from this client's point of view).
		for id := range next {
			if id != c.clientID {
				joined = append(joined, id)
			}
		}
	} else {
		for id := range next {
			if _, ok := prev[id]; !ok && id != c.clientID {
				joined = append(joined, id)
			}
		}
		for id := range prev {
			if _, ok := next[id]; !ok {
				left = append(left, id)
			}
		}
	}
	for _, id := range left {
		delete(c.peers, id)
	}
	c.mu.Unlock()

	for _, id := range joined {
		c.establishPeer(id, next[id], !first)
	}
	for _, id := range left {
		c.emit(Event{Kind: EventPeerLeft, PeerID: id})
	}
}

func parseMembership(inner codec.Envelope) map[string]string {
	out := make(map[string]string)
	for key, id := range inner {
		const prefix = "client_id_"
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		idx := key[len(prefix):]
		out[id] = inner["user_name_"+idx]
	}
	return out
}

// establishPeer creates a peer.Session for a member observed in a
// client_list (whether from the initial baseline or a later diff) and
// sends it this client's Curve25519 public key. emitEvent is false for
// baseline members, since they were already present when this client
// joined rather than having just arrived.
func (c *ChatClient) establishPeer(peerID, userName string, emitEvent bool) {
	p, err := peer.New(peerID, c.roomPassword)
	if err != nil {
		c.emit(Event{Kind: EventClosed, Err: err})
		return
	}
	c.mu.Lock()
	c.peers[peerID] = p
	c.mu.Unlock()

	p.MarkPubSent()
	_ = c.sendSecured(codec.New("c").
		With("target", peerID).
		With("msg_type", msgTypePubKey).
		With("pubkey", codec.EncodeBinary(p.MyPublicKeyBytes())))

	if emitEvent {
		c.emit(Event{Kind: EventPeerJoined, PeerID: peerID, UserName: userName})
	}
}

func (c *ChatClient) handleBroadcastPayload(inner codec.Envelope) {
	senderID := inner["client_id"]
	if inner["msg_type"] != msgTypeChat {
		return
	}
	var ciphertexts map[string]string
	if err := json.Unmarshal([]byte(inner["ciphertexts"]), &ciphertexts); err != nil {
		return
	}
	ctB64, ok := ciphertexts[c.clientID]
	if !ok {
		return
	}
	ct, err := codec.DecodeBinary(ctB64)
	if err != nil {
		return
	}
	p := c.getPeer(senderID)
	if p == nil || p.State() != peer.StateEstablished {
		return
	}
	pt, err := p.Decrypt(ct)
	if err != nil {
		return
	}
	c.emit(Event{Kind: EventBroadcastMessage, PeerID: senderID, UserName: inner["user_name"], Text: string(pt)})
}

func (c *ChatClient) handleUnicastPayload(inner codec.Envelope) {
	senderID := inner["client_id"]
	switch inner["msg_type"] {
	case msgTypePubKey:
		c.handlePeerPubKey(senderID, inner)
	case msgTypeChatPrivate:
		c.handlePrivateChat(senderID, inner)
	}
}

func (c *ChatClient) handlePeerPubKey(senderID string, inner codec.Envelope) {
	raw, err := inner.RequireBinary("pubkey")
	if err != nil {
		return
	}
	p := c.getOrCreatePeer(senderID)
	if err := p.ReceivePeerPublicKey(raw); err != nil {
		return
	}
	if p.State() == peer.StateSeenInList {
		p.MarkPubSent()
		_ = c.sendSecured(codec.New("c").
			With("target", senderID).
			With("msg_type", msgTypePubKey).
			With("pubkey", codec.EncodeBinary(p.MyPublicKeyBytes())))
	}
}

func (c *ChatClient) handlePrivateChat(senderID string, inner codec.Envelope) {
	ct, err := inner.RequireBinary("ciphertext")
	if err != nil {
		return
	}
	p := c.getPeer(senderID)
	if p == nil || p.State() != peer.StateEstablished {
		return
	}
	pt, err := p.Decrypt(ct)
	if err != nil {
		return
	}
	c.emit(Event{Kind: EventPrivateMessage, PeerID: senderID, UserName: inner["user_name"], Text: string(pt)})
}

func (c *ChatClient) getPeer(id string) *peer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

func (c *ChatClient) getOrCreatePeer(id string) *peer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[id]; ok {
		return p
	}
	p, err := peer.New(id, c.roomPassword)
	if err != nil {
		return nil
	}
	c.peers[id] = p
	return p
}

func (c *ChatClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *ChatClient) sendSecured(inner codec.Envelope) error {
	payload, err := codec.Encode(inner, c.maxEnvelope)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}
	ciphertext, err := cryptoprimitives.EncryptAESCBC(c.aesKey, payload)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageSession, relayerr.CodeInvalidState, err)
	}
	return c.sendEnvelope(context.Background(), codec.New("s").With("data", codec.EncodeBinary(ciphertext)))
}

func (c *ChatClient) sendEnvelope(ctx context.Context, env codec.Envelope) error {
	frame, err := codec.Encode(env, c.maxEnvelope)
	if err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}
	writeCtx, cancel := contextutil.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.conn.WriteMessage(writeCtx, websocket.TextMessage, frame); err != nil {
		return relayerr.Wrap(relayerr.PathClient, relayerr.StageSession, relayerr.CodeWriteFailed, err)
	}
	return nil
}

func (c *ChatClient) readEnvelope(ctx context.Context) (codec.Envelope, error) {
	_, frame, err := c.conn.ReadMessage(ctx)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PathClient, relayerr.StageSession, relayerr.CodeInvalidState, err)
	}
	env, err := codec.Decode(frame, c.maxEnvelope)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.PathClient, relayerr.StageCodec, relayerr.CodeMalformedFrame, err)
	}
	return env, nil
}
