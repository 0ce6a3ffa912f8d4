package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total rides created with at least one candidate"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Candidate search latency seconds"})
	MatcherSearches = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matcher_searches_total", Help: "Geo index queries issued by the matcher, expansions included"})
	NoDrivers       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "no_drivers_total", Help: "Ride requests rejected after full radius expansion"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_outcomes_total", Help: "tryAccept results by outcome"},
		[]string{"outcome"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"status"},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_deliveries_total", Help: "Event deliveries by channel and result"},
		[]string{"channel", "result"},
	)
	Ratings = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ratings_total", Help: "Ride ratings stored by stars"},
		[]string{"stars"},
	)
	PaymentRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "payment_records_total", Help: "Payment record upserts by provider and result"},
		[]string{"provider", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
