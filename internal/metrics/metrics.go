// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
)

const namespace = "chronos"

var (
	records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Batch records by final state.",
		},
		[]string{"state"},
	)
	batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batches_total",
			Help:      "Ingestion batches by outcome.",
		},
		[]string{"outcome"},
	)
	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_duration_seconds",
			Help:      "Wall time of one ingestion batch.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
	merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge log entries by status.",
		},
		[]string{"status"},
	)
	flags = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_flags_total",
			Help:      "Newly created review flags by kind.",
		},
		[]string{"kind"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue messages by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)
	enrichments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichments_total",
			Help:      "Narrative enrichments of stored works by outcome.",
		},
		[]string{"outcome"},
	)
	aiTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tokens_total",
			Help:      "Tokens exchanged with the AI provider by direction.",
		},
		[]string{"direction"},
	)
	aiRequestSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_request_seconds_total",
			Help:      "Time spent waiting for the AI provider.",
		},
	)
	missingProvenance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provenance_missing_nodes",
			Help:      "Core nodes without a CREATED_BY edge at the last audit.",
		},
	)
)

func init() {
	prometheus.MustRegister(records, batches, batchDuration, merges, flags, messages, enrichments, aiTokens, aiRequestSeconds, missingProvenance)
}

// Queue message outcomes.
const (
	OutcomeAck   = "ack"
	OutcomeRetry = "retry"
	OutcomeDLQ   = "dlq"
)

func ObserveBatch(res *graph.BatchResult) {
	if res == nil {
		return
	}
	outcome := "committed"
	switch {
	case res.Aborted:
		outcome = "aborted"
	case res.DryRun:
		outcome = "dry_run"
	}
	batches.WithLabelValues(outcome).Inc()
	if !res.FinishedAt.IsZero() {
		batchDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
	if res.DryRun {
		return
	}
	for state, n := range res.Summary.ByState {
		records.WithLabelValues(string(state)).Add(float64(n))
	}
	observeMerges(res.MergeLog)
	observeFlags(res.Flags)
}

// ObserveScan counts the merges and flags of an applied duplicate scan.
func ObserveScan(res *graph.ScanResult) {
	if res == nil {
		return
	}
	observeMerges(res.Merges)
	observeFlags(res.Flags)
}

func observeMerges(entries []graph.MergeLogEntry) {
	for _, e := range entries {
		merges.WithLabelValues(string(e.Status)).Inc()
	}
}

func observeFlags(refs []graph.FlagRef) {
	for _, f := range refs {
		if f.Created {
			flags.WithLabelValues(string(f.Kind)).Inc()
		}
	}
}

func ObserveMessage(queue, outcome string) {
	messages.WithLabelValues(queue, outcome).Inc()
}

func ObserveEnrichment(err error) {
	if err != nil {
		enrichments.WithLabelValues("failed").Inc()
		return
	}
	enrichments.WithLabelValues("ok").Inc()
}

// ObserveAI adds the usage collected by an AI client since its last reset.
func ObserveAI(m ai.ModelMetrics) {
	aiTokens.WithLabelValues("input").Add(float64(m.InputTokens))
	aiTokens.WithLabelValues("output").Add(float64(m.OutputTokens))
	aiRequestSeconds.Add(float64(m.DurationMs) / 1000)
}

func SetMissingProvenance(n int) {
	missingProvenance.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
