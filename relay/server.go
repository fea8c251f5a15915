package relay

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nodecrypt/relay-go/observability"
	"github.com/nodecrypt/relay-go/realtime/ws"
	"github.com/nodecrypt/relay-go/relaykeystore"
)

// Server owns the channel registry and relay identity and exposes the
// websocket upgrade endpoint new connections attach to.
//
// Grounded on tunnel/server/server.go's Server/ServeHTTP shape,
// generalized from a fixed two-role tunnel acceptor to NodeCrypt's
// open-ended client population.
type Server struct {
	Keystore *relaykeystore.Store
	Registry *ChannelRegistry
	Config   Config
	Observer observability.RelayObserver
	Logger   *log.Logger

	UpgraderOptions ws.UpgraderOptions

	activeConns int64
}

// NewServer wires a Server from its dependencies, defaulting any unset
// fields.
func NewServer(keystore *relaykeystore.Store, observer observability.RelayObserver, logger *log.Logger) *Server {
	if observer == nil {
		observer = observability.NoopRelayObserver
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		Keystore: keystore,
		Registry: NewChannelRegistry(observer),
		Config:   DefaultConfig(),
		Observer: observer,
		Logger:   logger,
	}
}

// ServeHTTP upgrades the request to a websocket and runs a ClientSession
// to completion. It never returns an error to the HTTP layer: failures
// are logged and surfaced only as a closed connection.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, srv.UpgraderOptions)
	if err != nil {
		srv.Logger.Printf("relay: upgrade failed: %v", err)
		return
	}

	session, err := NewClientSession(conn, srv.Keystore, srv.Registry, srv.Config, srv.Observer)
	if err != nil {
		srv.Logger.Printf("relay: session init failed: %v", err)
		_ = conn.Close()
		return
	}

	n := atomic.AddInt64(&srv.activeConns, 1)
	srv.Observer.ConnCount(n)
	defer func() {
		n := atomic.AddInt64(&srv.activeConns, -1)
		srv.Observer.ConnCount(n)
	}()

	if err := session.Run(r.Context()); err != nil {
		srv.Logger.Printf("relay: session %s closed: %v", session.ID(), err)
	}
}

// RotateKeysPeriodically runs RotateIfDue on an interval until ctx is
// canceled. Intended to be started as its own goroutine by the relay
// binary's main.
func (srv *Server) RotateKeysPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if rotated, err := srv.Keystore.RotateIfDue(now); err != nil {
				srv.Logger.Printf("relay: key rotation failed: %v", err)
			} else if rotated {
				srv.Logger.Printf("relay: rotated RSA identity")
			}
		}
	}
}

// Healthz reports liveness for the relay's /healthz endpoint.
func (srv *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
