package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moovy2/snitun/pkg/peermanager"
)

// Metrics are the Prometheus gauges/counters exposed on the peer-check
// endpoint's /metrics path. Metrics only defines and registers them;
// neither Handshake nor Dispatcher updates any of them, so they report
// zero unless some other caller sets them.
type Metrics struct {
	ActivePeers      prometheus.Gauge
	HandshakeFailure prometheus.Counter
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
}

// NewMetrics registers a fresh set of collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snitun_active_peers",
			Help: "Number of currently authenticated tunnel peers.",
		}),
		HandshakeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snitun_handshake_failures_total",
			Help: "Number of tunnel handshakes that failed authentication.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snitun_bytes_in_total",
			Help: "Bytes forwarded from outside connections into peer channels.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snitun_bytes_out_total",
			Help: "Bytes forwarded from peer channels to outside connections.",
		}),
	}
	reg.MustRegister(m.ActivePeers, m.HandshakeFailure, m.BytesIn, m.BytesOut)
	return m
}

// healthBody is the JSON shape returned from the peer-check endpoint's /
// path.
type healthBody struct {
	Peers  int    `json:"peers"`
	Uptime string `json:"uptime"`
}

// PeerCheckHandler builds the HTTP mux served on the peer-check endpoint:
// "/" for a JSON health body, "/metrics" for Prometheus scraping.
func PeerCheckHandler(peers *peermanager.Manager, reg *prometheus.Registry, startedAt time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body := healthBody{
			Peers:  peers.Connections(),
			Uptime: time.Since(startedAt).String(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
