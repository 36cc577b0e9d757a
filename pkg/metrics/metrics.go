// Package metrics exposes the validator node's Prometheus instrumentation.
// Grounded on the rest of the pack's client_golang usage: package-level
// registered collectors, no custom registry, standard counter/gauge/
// histogram shapes per component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlocksFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_blocks_finalized_total",
		Help: "Total number of blocks finalized by this replica.",
	})

	ViewChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_view_changes_total",
		Help: "Total number of view changes this replica has initiated or adopted.",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_consensus_messages_dropped_total",
		Help: "Consensus messages dropped at admission, by reason.",
	}, []string{"reason"})

	MempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "validator_mempool_size",
		Help: "Current number of transactions held in the mempool.",
	})

	MempoolShedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_mempool_shed_total",
		Help: "Total number of mempool shedding events triggered at capacity.",
	})

	StreamBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "validator_stream_pending_messages",
		Help: "Pending (unacked) entries in the consumer group, as last observed.",
	})

	ConsensusRoundLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "validator_consensus_round_duration_seconds",
		Help:    "Wall-clock time from PRE_PREPARE admission to Finalize for a block.",
		Buckets: prometheus.DefBuckets,
	})
)
