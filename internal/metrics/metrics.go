// Package metrics exposes Prometheus collectors for the worker
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ridesync"

var (
	hostProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_probes_total",
		Help:      "Liveness probes sent to candidate hosts, by result.",
	}, []string{"host", "result"})

	hostOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_online",
		Help:      "1 when a remote host is selected, 0 when offline.",
	})

	interceptTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intercept_responses_total",
		Help:      "Intercepted requests by the tier that answered them.",
	}, []string{"tier"})

	syncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_passes_total",
		Help:      "Reconciliation passes by outcome.",
	}, []string{"outcome"})

	syncItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_items_total",
		Help:      "Replayed rides by result.",
	}, []string{"result"})

	rpcMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_messages_total",
		Help:      "Inbound RPC messages by variant and outcome.",
	}, []string{"variant", "outcome"})
)

// RecordProbe counts a host probe
func RecordProbe(host string, ok bool) {
	result := "down"
	if ok {
		result = "up"
	}
	hostProbes.WithLabelValues(host, result).Inc()
}

// SetOnline records whether a host is currently selected
func SetOnline(online bool) {
	if online {
		hostOnline.Set(1)
		return
	}
	hostOnline.Set(0)
}

// RecordTier counts an intercepted request answered by tier
// (remote, local, cache, offline)
func RecordTier(tier string) {
	interceptTier.WithLabelValues(tier).Inc()
}

// RecordSyncPass counts a reconciliation pass outcome
func RecordSyncPass(outcome string) {
	syncPasses.WithLabelValues(outcome).Inc()
}

// RecordSyncItems adds n replayed rides with the given result
func RecordSyncItems(result string, n int) {
	if n > 0 {
		syncItems.WithLabelValues(result).Add(float64(n))
	}
}

// RecordRPC counts an inbound RPC message
func RecordRPC(variant, outcome string) {
	rpcMessages.WithLabelValues(variant, outcome).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
