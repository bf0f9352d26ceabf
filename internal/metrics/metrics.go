// Package metrics exposes Prometheus collectors for the scheduler, cache
// server, and dispatcher: grants outstanding, cache hit/miss counts, ARC
// list sizes, and disk-purge activity. Each process registers only the
// collectors relevant to its role and serves them on its admin mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler holds the scheduler's metrics.
type Scheduler struct {
	GrantsOutstanding    prometheus.Gauge
	ServantsRegistered   prometheus.Gauge
	TasksDispatchedTotal prometheus.Counter
	TasksExpiredTotal    prometheus.Counter
}

// NewScheduler constructs and registers scheduler metrics against reg.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	m := &Scheduler{
		GrantsOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yadcc", Subsystem: "scheduler", Name: "grants_outstanding",
			Help: "Number of task grants not yet freed or expired.",
		}),
		ServantsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yadcc", Subsystem: "scheduler", Name: "servants_registered",
			Help: "Number of servants with a live heartbeat.",
		}),
		TasksDispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "scheduler", Name: "tasks_dispatched_total",
			Help: "Total tasks granted to a servant.",
		}),
		TasksExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "scheduler", Name: "tasks_expired_total",
			Help: "Total grants reclaimed by the expiration sweep.",
		}),
	}
	reg.MustRegister(m.GrantsOutstanding, m.ServantsRegistered, m.TasksDispatchedTotal, m.TasksExpiredTotal)
	return m
}

// Cache holds the cache server's metrics.
type Cache struct {
	HitsTotal        prometheus.Counter
	MissesTotal      prometheus.Counter
	ARCT1Bytes       prometheus.Gauge
	ARCT2Bytes       prometheus.Gauge
	ARCB1Bytes       prometheus.Gauge
	ARCB2Bytes       prometheus.Gauge
	PurgedBytesTotal prometheus.Counter
}

// NewCache constructs and registers cache server metrics against reg.
func NewCache(reg prometheus.Registerer) *Cache {
	m := &Cache{
		HitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "cache", Name: "hits_total", Help: "Cache lookups that found an entry.",
		}),
		MissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "cache", Name: "misses_total", Help: "Cache lookups that found nothing.",
		}),
		ARCT1Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yadcc", Subsystem: "cache", Name: "arc_t1_bytes", Help: "Bytes resident in the ARC T1 (seen-once) list.",
		}),
		ARCT2Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yadcc", Subsystem: "cache", Name: "arc_t2_bytes", Help: "Bytes resident in the ARC T2 (seen-more-than-once) list.",
		}),
		ARCB1Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yadcc", Subsystem: "cache", Name: "arc_b1_ghost_bytes", Help: "Notional bytes of the ARC B1 ghost list.",
		}),
		ARCB2Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yadcc", Subsystem: "cache", Name: "arc_b2_ghost_bytes", Help: "Notional bytes of the ARC B2 ghost list.",
		}),
		PurgedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "cache", Name: "purged_bytes_total", Help: "Bytes removed by disk-cache purges.",
		}),
	}
	reg.MustRegister(m.HitsTotal, m.MissesTotal, m.ARCT1Bytes, m.ARCT2Bytes, m.ARCB1Bytes, m.ARCB2Bytes, m.PurgedBytesTotal)
	return m
}

// Daemon holds the per-machine daemon's dispatcher metrics.
type Daemon struct {
	TasksQueuedTotal    prometheus.Counter
	TasksCompletedTotal prometheus.Counter
	TasksAbortedTotal   prometheus.Counter
	CacheHitsTotal      prometheus.Counter
	TasksReusedTotal    prometheus.Counter
}

// NewDaemon constructs and registers daemon metrics against reg.
func NewDaemon(reg prometheus.Registerer) *Daemon {
	m := &Daemon{
		TasksQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "daemon", Name: "tasks_queued_total",
			Help: "Tasks submitted by local compiler wrappers.",
		}),
		TasksCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "daemon", Name: "tasks_completed_total",
			Help: "Tasks that reached the done state.",
		}),
		TasksAbortedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "daemon", Name: "tasks_aborted_total",
			Help: "Tasks aborted: deadline, orphaned submitter or lost keep-alive.",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "daemon", Name: "cache_hits_total",
			Help: "Tasks satisfied from the distributed cache.",
		}),
		TasksReusedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yadcc", Subsystem: "daemon", Name: "tasks_reused_total",
			Help: "Tasks that referenced an identical in-flight compilation.",
		}),
	}
	reg.MustRegister(m.TasksQueuedTotal, m.TasksCompletedTotal, m.TasksAbortedTotal, m.CacheHitsTotal, m.TasksReusedTotal)
	return m
}

// Handler returns an http.Handler serving reg in the Prometheus exposition
// format, suitable for mounting on an admin mux at e.g. "/metrics".
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
