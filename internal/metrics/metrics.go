// Package metrics exposes the relay's Prometheus instrumentation: per-flow
// lifecycle counters and byte counts, scraped over plain HTTP the same way
// any other Go service in this stack would expose them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retether",
		Name:      "clients_connected",
		Help:      "Number of device clients currently connected to the relay.",
	})

	ConnectionsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "retether",
		Name:      "connections_open",
		Help:      "Number of proxied connections currently open, by protocol.",
	}, []string{"protocol"})

	BytesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retether",
		Name:      "bytes_relayed_total",
		Help:      "Bytes relayed, by protocol and direction.",
	}, []string{"protocol", "direction"})

	UDPFlowsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retether",
		Name:      "udp_flows_expired_total",
		Help:      "UDP flows torn down by the idle sweep.",
	})

	TCPConnectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retether",
		Name:      "tcp_connections_opened_total",
		Help:      "TCP connections the relay has opened toward real destinations.",
	})

	PacketsDroppedUnsupported = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retether",
		Name:      "packets_dropped_unsupported_total",
		Help:      "Client-sent packets dropped for an unsupported or invalid protocol.",
	})
)

func init() {
	prometheus.MustRegister(
		ClientsConnected,
		ConnectionsOpen,
		BytesRelayed,
		UDPFlowsExpired,
		TCPConnectionsOpened,
		PacketsDroppedUnsupported,
	)
}

// Serve starts a plain HTTP server exposing /metrics on addr. It runs until
// the server errors or is shut down by the caller closing the listener;
// callers typically run it in its own goroutine alongside the relay's
// single-threaded event loop, which never shares state with it directly —
// every metric above is updated through prometheus's own atomics.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
