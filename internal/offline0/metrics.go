package offline0

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_fetch_total",
		Help: "Intercepted requests by route and outcome",
	}, []string{"route", "outcome"})

	passthroughTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline0_passthrough_total",
		Help: "Requests left to default network handling",
	})

	lifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_lifecycle_total",
		Help: "Dispatched install/activate/message signals by result",
	}, []string{"signal", "result"})

	lifecycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline0_lifecycle_duration_seconds",
		Help:    "Time spent in install/activate/message handlers",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
	}, []string{"signal"})

	reconcileEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_reconcile_entries_total",
		Help: "Content entries kept, evicted or staged during activation",
	}, []string{"action"})

	primedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline0_primed_total",
		Help: "Resources fetched by downloadOffline",
	})
)
