package prom

import (
	"net/http"
	"time"

	"github.com/nodecrypt/relay-go/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	connGauge        prometheus.Gauge
	channelGauge     prometheus.Gauge
	joinTotal        prometheus.Counter
	leaveTotal       prometheus.Counter
	forwardTotal     *prometheus.CounterVec
	keyRotatedTotal  prometheus.Counter
	handshakeLatency prometheus.Histogram
	closeTotal       *prometheus.CounterVec
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodecrypt_relay_connections",
			Help: "Current websocket connection count.",
		}),
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodecrypt_relay_channels",
			Help: "Current active channel count.",
		}),
		joinTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodecrypt_relay_joins_total",
			Help: "Channel joins accepted by the relay.",
		}),
		leaveTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodecrypt_relay_leaves_total",
			Help: "Channel leaves observed by the relay.",
		}),
		forwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_relay_forwards_total",
			Help: "Envelopes forwarded by kind (broadcast/unicast).",
		}, []string{"kind"}),
		keyRotatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodecrypt_relay_key_rotations_total",
			Help: "RelayKeyStore RSA keypair rotations.",
		}),
		handshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nodecrypt_relay_handshake_latency_seconds",
			Help:    "Latency from connection accept to Secured state.",
			Buckets: prometheus.DefBuckets,
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_relay_close_total",
			Help: "ClientSession close reasons.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.channelGauge,
		o.joinTotal,
		o.leaveTotal,
		o.forwardTotal,
		o.keyRotatedTotal,
		o.handshakeLatency,
		o.closeTotal,
	)
	return o
}

func (o *RelayObserver) ConnCount(n int64)    { o.connGauge.Set(float64(n)) }
func (o *RelayObserver) ChannelCount(n int)   { o.channelGauge.Set(float64(n)) }
func (o *RelayObserver) Join(string)          { o.joinTotal.Inc() }
func (o *RelayObserver) Leave(string)         { o.leaveTotal.Inc() }
func (o *RelayObserver) KeyRotated()          { o.keyRotatedTotal.Inc() }

func (o *RelayObserver) Forward(kind observability.ForwardKind) {
	o.forwardTotal.WithLabelValues(string(kind)).Inc()
}

func (o *RelayObserver) HandshakeLatency(d time.Duration) {
	o.handshakeLatency.Observe(d.Seconds())
}

func (o *RelayObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}
