package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchRunsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instapool", Name: "match_runs_total", Help: "Total matching runs executed"})
	MatchingsCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instapool", Name: "matchings_created_total", Help: "Total ride matchings created"})
	MatchCandidates     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "instapool", Name: "match_candidates", Help: "Candidate requests per matching run", Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100}})
	MatchLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "instapool", Name: "match_latency_seconds", Help: "Matching run latency seconds"})
	NotifyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instapool", Name: "notify_failures_total", Help: "Notifications dropped after retries"})
	MatchesAccepted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instapool", Name: "matches_accepted_total", Help: "Matchings accepted by riders"})
	MatchesRejected     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instapool", Name: "matches_rejected_total", Help: "Matchings rejected by riders"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "instapool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "instapool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
