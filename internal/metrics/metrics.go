// Package metrics declares the Prometheus vectors exported by every unit
// and target. Components increment or set these directly; main registers
// the package-level set once at startup.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GatePublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrproxy_gate_publish_total",
			Help: "Payload snapshots published by a unit's gate.",
		},
		[]string{"unit"},
	)

	GateHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrproxy_gate_healthy",
			Help: "Current health of a unit's gate (1 healthy, 0 stalled).",
		},
		[]string{"unit"},
	)

	SourceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrproxy_source_healthy",
			Help: "Health of one source link feeding an any/merge unit (1 healthy, 0 not).",
		},
		[]string{"unit", "source"},
	)

	RTRSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrproxy_rtr_sessions_active",
			Help: "Open downstream RTR client connections per target.",
		},
		[]string{"target"},
	)

	RTRQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrproxy_rtr_queries_total",
			Help: "RTR queries served per target, by kind.",
		},
		[]string{"target", "kind"},
	)

	RTRSerialCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtrproxy_rtr_serial_current",
			Help: "Current session serial number served by an RTR target.",
		},
		[]string{"target"},
	)

	SLURMFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrproxy_slurm_filtered_total",
			Help: "VRPs removed by SLURM prefix/ASN filters on reload.",
		},
		[]string{"unit", "file"},
	)

	SLURMAssertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrproxy_slurm_asserted_total",
			Help: "VRPs added by SLURM prefix assertions on reload.",
		},
		[]string{"unit", "file"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtrproxy_http_requests_total",
			Help: "HTTP JSON target requests by status code.",
		},
		[]string{"target", "code"},
	)
)

var registerOnce sync.Once

// Register adds every vector to the default registry. Safe to call more
// than once; only the first call registers anything.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			GatePublishTotal,
			GateHealthy,
			SourceHealthy,
			RTRSessionsActive,
			RTRQueriesTotal,
			RTRSerialCurrent,
			SLURMFilteredTotal,
			SLURMAssertedTotal,
			HTTPRequestsTotal,
		)
	})
}
