package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PacketsTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sniffer_packets_total", Help: "packets processed"}, []string{"session"})
	FlowsTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sniffer_flows_total", Help: "flows created"})
	NodesTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sniffer_nodes_total", Help: "nodes added to session graphs"})
	EdgesTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sniffer_edges_total", Help: "edges added to session graphs"})
	DecodedFlows      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sniffer_decoded_flows_total", Help: "checkpointed flows by decoded type"}, []string{"flow_type"})
	TLSRegistrations  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sniffer_tls_registrations", Help: "live TLS proxy registrations"})
	RunningSessions   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sniffer_running_sessions", Help: "sessions with an active capture loop"})
	CheckpointSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sniffer_checkpoint_duration_seconds",
		Help:    "time spent checkpointing a session",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(PacketsTotal, FlowsTotal, NodesTotal, EdgesTotal, DecodedFlows,
		TLSRegistrations, RunningSessions, CheckpointSeconds)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
