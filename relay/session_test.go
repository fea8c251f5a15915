package relay

import (
	"context"
	"crypto/ecdh"
	"crypto/rsa"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodecrypt/relay-go/codec"
	"github.com/nodecrypt/relay-go/cryptoprimitives"
	"github.com/nodecrypt/relay-go/realtime/ws"
	"github.com/nodecrypt/relay-go/relaykeystore"
)

// testClient drives the wire protocol from the client side, enough to
// exercise the relay's handshake, join, broadcast, and unicast paths
// without depending on the chatclient package.
type testClient struct {
	t        *testing.T
	conn     *ws.Conn
	id       string
	rsaPriv  *rsa.PrivateKey
	ecdhPriv *ecdh.PrivateKey
	aesKey   [32]byte
}

func dialTestClient(t *testing.T, wsURL string) *testClient {
	t.Helper()
	conn, _, err := ws.Dial(context.Background(), wsURL, ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tc := &testClient{t: t, conn: conn}

	hello := tc.readEnvelope()
	if hello.Action() != "r" {
		t.Fatalf("expected hello envelope, got %q", hello.Action())
	}
	tc.id = hello["client_id"]
	serverRSADER, err := hello.RequireBinary("rsa_pub")
	if err != nil {
		t.Fatalf("hello rsa_pub: %v", err)
	}
	serverRSAPub, err := cryptoprimitives.ParseRSAPublicKey(serverRSADER)
	if err != nil {
		t.Fatalf("parse server rsa pub: %v", err)
	}

	rsaPriv, err := cryptoprimitives.GenerateRSAKeypair()
	if err != nil {
		t.Fatalf("client rsa keygen: %v", err)
	}
	ecdhPriv, err := cryptoprimitives.GenerateECDHP384()
	if err != nil {
		t.Fatalf("client ecdh keygen: %v", err)
	}
	tc.rsaPriv = rsaPriv
	tc.ecdhPriv = ecdhPriv

	rsaDER, err := cryptoprimitives.MarshalRSAPublicKey(&rsaPriv.PublicKey)
	if err != nil {
		t.Fatalf("marshal client rsa pub: %v", err)
	}
	encryptedECDH, err := cryptoprimitives.EncryptRSA(serverRSAPub, ecdhPriv.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("encrypt client ecdh pub: %v", err)
	}
	tc.sendEnvelope(codec.New("k").
		With("client_rsa_pub", codec.EncodeBinary(rsaDER)).
		With("client_ecdh_pub", codec.EncodeBinary(encryptedECDH)))

	ack := tc.readEnvelope()
	if ack.Action() != "e" {
		t.Fatalf("expected ecdh-ack envelope, got %q", ack.Action())
	}
	encryptedServerECDH, err := ack.RequireBinary("server_ecdh_pub")
	if err != nil {
		t.Fatalf("ack server_ecdh_pub: %v", err)
	}
	serverECDHRaw, err := cryptoprimitives.DecryptRSA(rsaPriv, encryptedServerECDH)
	if err != nil {
		t.Fatalf("decrypt server ecdh pub: %v", err)
	}
	serverECDHPub, err := cryptoprimitives.ParseECDHP384PublicKey(serverECDHRaw)
	if err != nil {
		t.Fatalf("parse server ecdh pub: %v", err)
	}
	aesKey, err := cryptoprimitives.DeriveOuterAESKey(ecdhPriv, serverECDHPub)
	if err != nil {
		t.Fatalf("derive aes key: %v", err)
	}
	tc.aesKey = aesKey
	return tc
}

func (tc *testClient) sendEnvelope(env codec.Envelope) {
	tc.t.Helper()
	frame, err := codec.Encode(env, 0)
	if err != nil {
		tc.t.Fatalf("encode: %v", err)
	}
	if err := tc.conn.WriteMessage(context.Background(), websocket.TextMessage, frame); err != nil {
		tc.t.Fatalf("write: %v", err)
	}
}

func (tc *testClient) readEnvelope() codec.Envelope {
	tc.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, frame, err := tc.conn.ReadMessage(ctx)
	if err != nil {
		tc.t.Fatalf("read: %v", err)
	}
	env, err := codec.Decode(frame, 0)
	if err != nil {
		tc.t.Fatalf("decode: %v", err)
	}
	return env
}

func (tc *testClient) sendSecured(inner codec.Envelope) {
	tc.t.Helper()
	payload, err := codec.Encode(inner, 0)
	if err != nil {
		tc.t.Fatalf("encode inner: %v", err)
	}
	ciphertext, err := cryptoprimitives.EncryptAESCBC(tc.aesKey, payload)
	if err != nil {
		tc.t.Fatalf("encrypt outer: %v", err)
	}
	tc.sendEnvelope(codec.New("s").With("data", codec.EncodeBinary(ciphertext)))
}

func (tc *testClient) readSecured() codec.Envelope {
	tc.t.Helper()
	outer := tc.readEnvelope()
	if outer.Action() != "s" {
		tc.t.Fatalf("expected secured envelope, got %q", outer.Action())
	}
	ciphertext, err := outer.RequireBinary("data")
	if err != nil {
		tc.t.Fatalf("outer data: %v", err)
	}
	plaintext, err := cryptoprimitives.DecryptAESCBC(tc.aesKey, ciphertext)
	if err != nil {
		tc.t.Fatalf("decrypt outer: %v", err)
	}
	inner, err := codec.Decode(plaintext, 0)
	if err != nil {
		tc.t.Fatalf("decode inner: %v", err)
	}
	return inner
}

func (tc *testClient) join(channel, userName string) {
	tc.t.Helper()
	tc.sendSecured(codec.New("j").With("channel", channel).With("user_name", userName))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	keystore, err := relaykeystore.Open("", time.Hour, nil)
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	srv := NewServer(keystore, nil, log.New(io.Discard, "", 0))
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func wsURL(httpSrv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

// TestHandshakeEstablishesSharedAESKey grounds scenario S1 (outer aes_key
// agreement) at the wire level.
func TestHandshakeEstablishesSharedAESKey(t *testing.T) {
	_, httpSrv := newTestServer(t)
	client := dialTestClient(t, wsURL(httpSrv))
	if client.id == "" {
		t.Fatalf("expected a non-empty client_id")
	}
	// A secured round trip only decrypts if both sides derived the same key.
	client.join("#room", "alice")
	if list := client.readSecured(); list.Action() != "l" {
		t.Fatalf("expected a client_list decrypted under the shared aes_key, got %#v", list)
	}
}

// TestJoinDeliversSelfListThenBroadcastList grounds the two-frame join
// warmup the ChatClient relies on (spec §4.5/§4.7).
func TestJoinDeliversSelfListThenBroadcastList(t *testing.T) {
	_, httpSrv := newTestServer(t)
	alice := dialTestClient(t, wsURL(httpSrv))
	alice.join("#room", "alice")

	// alice's own join yields two frames: her individual list, then the
	// broadcast of the (still solo) updated membership.
	first := alice.readSecured()
	if first.Action() != "l" || first["count"] != "1" {
		t.Fatalf("expected a solo client_list, got %#v", first)
	}
	second := alice.readSecured()
	if second.Action() != "l" || second["count"] != "1" {
		t.Fatalf("expected alice's solo broadcast list, got %#v", second)
	}

	bob := dialTestClient(t, wsURL(httpSrv))
	bob.join("#room", "bob")

	// alice observes the membership change broadcast.
	aliceUpdate := alice.readSecured()
	if aliceUpdate.Action() != "l" || aliceUpdate["count"] != "2" {
		t.Fatalf("expected alice's updated client_list, got %#v", aliceUpdate)
	}

	// bob's own join yields its individual list, then the broadcast list;
	// both already include alice.
	bobFirst := bob.readSecured()
	if bobFirst.Action() != "l" {
		t.Fatalf("expected bob's individual client_list, got %#v", bobFirst)
	}
	bobUpdate := bob.readSecured()
	if bobUpdate.Action() != "l" || bobUpdate["count"] != "2" {
		t.Fatalf("expected bob's updated client_list, got %#v", bobUpdate)
	}
}

// TestBroadcastNeverEchoesSender grounds scenario S3.
func TestBroadcastNeverEchoesSender(t *testing.T) {
	_, httpSrv := newTestServer(t)
	alice := dialTestClient(t, wsURL(httpSrv))
	alice.join("#room", "alice")
	alice.readSecured() // alice's individual list
	alice.readSecured() // alice's solo broadcast list

	bob := dialTestClient(t, wsURL(httpSrv))
	bob.join("#room", "bob")
	alice.readSecured() // alice's membership update
	bob.readSecured()   // bob's individual list
	bob.readSecured()   // bob's membership update

	alice.sendSecured(codec.New("w").With("ciphertext", "deadbeef"))

	got := bob.readSecured()
	if got.Action() != "w" || got["client_id"] != alice.id || got["ciphertext"] != "deadbeef" {
		t.Fatalf("unexpected broadcast delivery: %#v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, _, err := alice.conn.ReadMessage(ctx); err == nil {
		t.Fatalf("expected no echo of alice's own broadcast")
	}
}

// TestUnicastDropsSilentlyOnUnknownTarget grounds the UnknownTarget
// handling in spec §7: the relay cannot signal the error through the
// opaque inner layer, so the sender simply observes nothing.
func TestUnicastDropsSilentlyOnUnknownTarget(t *testing.T) {
	_, httpSrv := newTestServer(t)
	alice := dialTestClient(t, wsURL(httpSrv))
	alice.join("#room", "alice")
	alice.readSecured() // individual list
	alice.readSecured() // solo broadcast list

	alice.sendSecured(codec.New("c").With("target", "no-such-client").With("ciphertext", "x"))

	// No crash, no close: confirm the session is still alive by joining
	// a second member and observing the resulting broadcast update.
	bob := dialTestClient(t, wsURL(httpSrv))
	bob.join("#room", "bob")
	update := alice.readSecured()
	if update.Action() != "l" || update["count"] != "2" {
		t.Fatalf("expected alice's session to still be alive: %#v", update)
	}
}

// TestIdleTimeoutClosesAndRebroadcastsList grounds scenario S6: a
// session that goes quiet past its configured idle timeout is closed
// by the relay, and the remaining channel members observe an updated
// "l" list with the idle session removed.
func TestIdleTimeoutClosesAndRebroadcastsList(t *testing.T) {
	srv, httpSrv := newTestServer(t)
	srv.Config.IdleTimeout = 100 * time.Millisecond

	alice := dialTestClient(t, wsURL(httpSrv))
	alice.join("#room", "alice")
	alice.readSecured() // alice's individual list
	alice.readSecured() // alice's solo broadcast list

	bob := dialTestClient(t, wsURL(httpSrv))
	bob.join("#room", "bob")
	alice.readSecured() // alice sees bob join
	bob.readSecured()   // bob's individual list
	bob.readSecured()   // bob's broadcast list

	// alice sends nothing further and is reaped once IdleTimeout elapses.
	update := bob.readSecured()
	if update.Action() != "l" || update["count"] != "1" {
		t.Fatalf("expected bob to observe a solo client_list after alice's idle timeout, got %#v", update)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := alice.conn.ReadMessage(ctx); err == nil {
		t.Fatalf("expected alice's connection to be closed after idling past IdleTimeout")
	}
}

// TestSecondJoinIsProtocolViolation grounds invariant 6: a channel
// assignment is immutable once made.
func TestSecondJoinIsProtocolViolation(t *testing.T) {
	_, httpSrv := newTestServer(t)
	alice := dialTestClient(t, wsURL(httpSrv))
	alice.join("#room", "alice")
	alice.readSecured() // individual list
	alice.readSecured() // solo broadcast list

	alice.join("#other-room", "alice-again")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := alice.conn.ReadMessage(ctx); err == nil {
		t.Fatalf("expected the connection to close after a second join attempt")
	}
}
