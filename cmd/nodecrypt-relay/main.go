package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nodecrypt/relay-go/codec"
	"github.com/nodecrypt/relay-go/internal/cmdutil"
	ncversion "github.com/nodecrypt/relay-go/internal/version"
	"github.com/nodecrypt/relay-go/observability"
	"github.com/nodecrypt/relay-go/observability/prom"
	"github.com/nodecrypt/relay-go/realtime/ws"
	"github.com/nodecrypt/relay-go/relay"
	"github.com/nodecrypt/relay-go/relaykeystore"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicRelayObserver
	srv      *relay.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicRelayObserver, srv *relay.Server) *metricsController {
	return &metricsController{handler: handler, observer: observer, srv: srv}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	relayObs := prom.NewRelayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(relayObs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopRelayObserver)
	c.enabled = false
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	WSPath     string `json:"ws_path"`
	WSURL      string `json:"ws_url"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	listen := cmdutil.EnvString("NODECRYPT_RELAY_LISTEN", "127.0.0.1:0")
	wsPath := cmdutil.EnvString("NODECRYPT_RELAY_WS_PATH", "/ws")
	keyFile := cmdutil.EnvString("NODECRYPT_RELAY_KEY_FILE", "")
	metricsListen := cmdutil.EnvString("NODECRYPT_RELAY_METRICS_LISTEN", "")

	rotationInterval, err := cmdutil.EnvDuration("NODECRYPT_RELAY_ROTATION_INTERVAL", relaykeystore.DefaultRotationInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid NODECRYPT_RELAY_ROTATION_INTERVAL: %v\n", err)
		return 2
	}
	idleTimeout, err := cmdutil.EnvDuration("NODECRYPT_RELAY_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		fmt.Fprintf(stderr, "invalid NODECRYPT_RELAY_IDLE_TIMEOUT: %v\n", err)
		return 2
	}
	maxEnvelopeBytes, err := cmdutil.EnvInt("NODECRYPT_RELAY_MAX_ENVELOPE_BYTES", codec.DefaultMaxEnvelopeBytes)
	if err != nil {
		fmt.Fprintf(stderr, "invalid NODECRYPT_RELAY_MAX_ENVELOPE_BYTES: %v\n", err)
		return 2
	}
	allowNoOrigin, err := cmdutil.EnvBool("NODECRYPT_RELAY_ALLOW_NO_ORIGIN", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid NODECRYPT_RELAY_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}

	allowedOrigins := stringSliceFlag(cmdutil.SplitCSVEnv("NODECRYPT_RELAY_ALLOW_ORIGIN"))

	fs := flag.NewFlagSet("nodecrypt-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: NODECRYPT_RELAY_LISTEN)")
	fs.StringVar(&wsPath, "ws-path", wsPath, "websocket path (env: NODECRYPT_RELAY_WS_PATH)")
	fs.StringVar(&keyFile, "key-file", keyFile, "RelayKeyStore identity persistence file (optional; empty regenerates on every restart) (env: NODECRYPT_RELAY_KEY_FILE)")
	fs.DurationVar(&rotationInterval, "rotation-interval", rotationInterval, "RSA identity rotation interval (env: NODECRYPT_RELAY_ROTATION_INTERVAL)")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "per-connection idle timeout (env: NODECRYPT_RELAY_IDLE_TIMEOUT)")
	fs.IntVar(&maxEnvelopeBytes, "max-envelope-bytes", maxEnvelopeBytes, "max accepted envelope size in bytes (env: NODECRYPT_RELAY_MAX_ENVELOPE_BYTES)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable): full Origin, hostname, hostname:port, wildcard hostname (*.example.com) (env: NODECRYPT_RELAY_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without an Origin header (non-browser clients) (env: NODECRYPT_RELAY_ALLOW_NO_ORIGIN)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the metrics server (empty disables) (env: NODECRYPT_RELAY_METRICS_LISTEN)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, ncversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}
	if len(allowedOrigins) == 0 && !allowNoOrigin {
		return usageErr("missing --allow-origin (or set --allow-no-origin for non-browser deployments)")
	}

	keystore, err := relaykeystore.Open(keyFile, rotationInterval, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	observer := observability.NewAtomicRelayObserver()
	srv := relay.NewServer(keystore, observer, logger)
	srv.Config.IdleTimeout = idleTimeout
	srv.Config.MaxEnvelopeBytes = maxEnvelopeBytes
	readBuf, writeBuf := ws.BufferSizesForEnvelope(maxEnvelopeBytes)
	srv.UpgraderOptions = ws.UpgraderOptions{
		ReadBufferSize:  readBuf,
		WriteBufferSize: writeBuf,
		CheckOrigin:     ws.NewOriginChecker(allowedOrigins, allowNoOrigin),
	}

	mux := http.NewServeMux()
	mux.Handle(wsPath, srv)
	mux.HandleFunc("/healthz", srv.Healthz)

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer, srv)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Fatal(err)
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	httpSrv := newHTTPServer(mux)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	rotateCtx, cancelRotate := context.WithCancel(context.Background())
	go srv.RotateKeysPeriodically(rotateCtx, rotationInterval)

	bindAddr := ln.Addr().String()
	out := ready{
		Version:    version,
		Commit:     commit,
		Date:       date,
		Listen:     bindAddr,
		WSPath:     wsPath,
		WSURL:      "ws://" + bindAddr + wsPath,
		HealthzURL: "http://" + bindAddr + "/healthz",
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = writeReady(stdout, out)

	sig := make(chan os.Signal, 2)
	notifySignals(sig)

	for {
		s := <-sig
		if handled := handleSignal(s, logger, metrics); handled {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		cancelRotate()
		return 0
	}
}
