// Package metrics registers the indexer's Prometheus collectors. Jobs
// update them as they run; the API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlocksScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainscan",
		Name:      "blocks_scanned_total",
		Help:      "Blocks covered by successful getLogs batches.",
	}, []string{"network"})

	LogsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainscan",
		Name:      "logs_fetched_total",
		Help:      "Transfer logs returned by getLogs.",
	}, []string{"network"})

	AddressesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainscan",
		Name:      "addresses_classified_total",
		Help:      "Addresses classified, labelled by outcome.",
	}, []string{"network", "kind"})

	ExcludedBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainscan",
		Name:      "excluded_blocks_total",
		Help:      "Blocks permanently excluded after retry exhaustion.",
	}, []string{"network"})

	VerificationCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainscan",
		Name:      "verification_calls_total",
		Help:      "Explorer source-code lookups spent.",
	}, []string{"network"})

	FundUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainscan",
		Name:      "fund_updates_total",
		Help:      "Address rows whose fund valuation was refreshed.",
	}, []string{"network"})

	BatchSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainscan",
		Name:      "getlogs_batch_size",
		Help:      "Current adaptive getLogs block span.",
	}, []string{"network"})
)
