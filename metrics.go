package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatwatch_http_requests_total",
		Help: "Total number of HTTP requests processed, by method, path and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seatwatch_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatwatch_rate_limit_rejections_total",
		Help: "Requests rejected by the sliding window limiter, by profile.",
	}, []string{"profile"})

	rateLimitActiveIdentifiers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatwatch_rate_limit_active_identifiers",
		Help: "Identifiers currently tracked by the rate limiter.",
	})

	lockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatwatch_lockouts_total",
		Help: "Accounts locked out after repeated failed logins.",
	})

	memoryResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatwatch_memory_resident_bytes",
		Help: "Resident memory reported by the last health sample.",
	})

	memoryHeapUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatwatch_memory_heap_used_bytes",
		Help: "Heap bytes in use reported by the last health sample.",
	})

	memoryHeapTotalBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatwatch_memory_heap_total_bytes",
		Help: "Heap bytes reserved reported by the last health sample.",
	})

	memoryGrowthMBPerMin = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatwatch_memory_growth_mb_per_min",
		Help: "Resident memory growth rate between the last two health samples.",
	})

	leakWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatwatch_leak_warnings_total",
		Help: "Times the health monitor flagged sustained memory growth.",
	})

	scrapeRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatwatch_scrape_runs_total",
		Help: "Completed scrape worker runs.",
	})

	scrapeSectionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatwatch_scrape_section_failures_total",
		Help: "Section fetches that ended in an error.",
	})

	workerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatwatch_worker_restarts_total",
		Help: "Scrape worker restarts triggered by operators or the health monitor.",
	})

	bridgeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seatwatch_bridge_subscriptions",
		Help: "Open realtime subscriptions.",
	})

	bridgeDeltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatwatch_bridge_deltas_total",
		Help: "State deltas delivered to subscribers, by kind.",
	}, []string{"kind"})

	bridgeDroppedDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatwatch_bridge_dropped_deltas_total",
		Help: "Deltas dropped because a subscriber buffer was full.",
	})
)
