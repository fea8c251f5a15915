package defaults

import "time"

const (
	// ConnectTimeout is nodecrypt-client's default timeout for the
	// websocket connect (cmd/nodecrypt-client/main.go), before any
	// relay-hello has been read.
	ConnectTimeout = 10 * time.Second
	// HandshakeTimeout is chatclient's default bound on the RSA/ECDH
	// outer-session exchange (relay-hello through ecdh-ack, spec §4.2),
	// separate from ConnectTimeout so a slow crypto handshake over an
	// already-open socket fails on its own schedule.
	HandshakeTimeout = 10 * time.Second
)
