package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	SearchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "search_attempts_total", Help: "Candidate search attempts by kind"},
		[]string{"kind"},
	)
	SearchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "search_outcomes_total", Help: "Finished searches by outcome"},
		[]string{"kind", "outcome"},
	)
	OffersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers delivered to drivers"},
		[]string{"kind"},
	)
	OffersSkipped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_skipped_total", Help: "Offers skipped for lack of a live channel"})

	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept calls that lost the claim"})
	Transitions     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Applied lifecycle transitions"},
		[]string{"to"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from request creation to driver assignment",
		Buckets:   []float64{1, 5, 10, 20, 40, 60, 120, 300},
	})

	GateOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "earnings_gate_total", Help: "Earnings gate decisions"},
		[]string{"outcome"},
	)
	PlansExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "plans_expired_total", Help: "Plans expired by the sweeper"})

	Connected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connected_participants", Help: "Live websocket connections"},
		[]string{"role"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)
