// Package metrics exposes this node's ops-facing instrumentation via
// github.com/prometheus/client_golang, mounted by cmd/ — not a collaborator
// API surface, just scrape-based observability.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consensus metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_is_leader",
			Help: "Whether this node currently holds Raft leadership (1 = leader, 0 = follower/candidate)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_term",
			Help: "Current Raft term observed by this node",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_log_index",
			Help: "Last Raft log index on this node",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_applied_index",
			Help: "Last applied Raft log index on this node",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raft_apply_duration_seconds",
			Help:    "Time taken for a Propose call to commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	ByzantineReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raft_byzantine_reports_total",
			Help: "Total number of equivocating AppendEntries payloads detected",
		},
	)

	// Transport metrics
	TransportConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transport_connections",
			Help: "Number of currently pooled peer QUIC connections",
		},
	)

	TransportHandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transport_handshake_duration_seconds",
			Help:    "Time taken to complete a peer TLS 1.3 handshake",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransportFramesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_frames_rejected_total",
			Help: "Total frames rejected by reason (oversized, sequence_gap, clock_skew)",
		},
		[]string{"reason"},
	)

	// Registry metrics
	RegistryAssetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_assets_total",
			Help: "Total number of known assets by status",
		},
		[]string{"status"},
	)

	RegistryPoisonedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_poisoned_entries_total",
			Help: "Total number of committed entries whose proof re-validation failed on apply",
		},
	)

	// Proof metrics
	ProofValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proof_validations_total",
			Help: "Total ConsensusProof validations by outcome",
		},
		[]string{"outcome"},
	)

	// Membership metrics
	MembershipSuspectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "membership_suspected_peers",
			Help: "Number of peers currently under local suspicion",
		},
	)

	MembershipConfirmedFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "membership_confirmed_failures_total",
			Help: "Total number of peers whose failure reached majority confirmation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader, RaftTerm, RaftLogIndex, RaftAppliedIndex, RaftApplyDuration, ByzantineReportsTotal,
		TransportConnections, TransportHandshakeDuration, TransportFramesRejectedTotal,
		RegistryAssetsTotal, RegistryPoisonedEntriesTotal,
		ProofValidationsTotal,
		MembershipSuspectedPeers, MembershipConfirmedFailuresTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler for cmd/ to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
