// Package metrics provides Prometheus metrics for the session pools.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/llmpool/internal/pool"
)

var (
	slotStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmpool",
		Subsystem: "pool",
		Name:      "slots",
		Help:      "Number of slots per pool and state",
	}, []string{"pool", "state"})

	completionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmpool",
		Subsystem: "pool",
		Name:      "completions_served_total",
		Help:      "Completions delivered to consumers",
	}, []string{"pool"})

	completionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmpool",
		Subsystem: "pool",
		Name:      "completion_duration_seconds",
		Help:      "Time from request submit to delivery",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pool"})

	recycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmpool",
		Subsystem: "pool",
		Name:      "recycles_total",
		Help:      "Slot recycles by reason",
	}, []string{"pool", "reason"})

	warmupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmpool",
		Subsystem: "pool",
		Name:      "warmup_failures_total",
		Help:      "Pool-wide warm-up attempts that failed",
	}, []string{"pool"})

	degraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llmpool",
		Subsystem: "pool",
		Name:      "degraded",
		Help:      "1 while the pool refuses to serve",
	}, []string{"pool"})

	// Local cache of per-slot states for count recomputation and SSE
	// exporter access.
	slotCache   = make(map[string]map[int]string)
	slotCacheMu sync.RWMutex
)

// allStates enumerates the gauge's state label values so counts drop
// back to zero when a pool leaves a state entirely.
var allStates = []pool.SlotState{
	pool.StateInitializing,
	pool.StateAvailable,
	pool.StateBusy,
	pool.StateDead,
}

// SetSlotState records a slot's new state and refreshes the per-state
// counts for its pool.
func SetSlotState(poolName string, slot int, state string) {
	slotCacheMu.Lock()
	slots, ok := slotCache[poolName]
	if !ok {
		slots = make(map[int]string)
		slotCache[poolName] = slots
	}
	slots[slot] = state
	counts := make(map[string]int, len(allStates))
	for _, st := range slots {
		counts[st]++
	}
	slotCacheMu.Unlock()

	for _, st := range allStates {
		slotStates.WithLabelValues(poolName, string(st)).Set(float64(counts[string(st)]))
	}
}

// RecordCompletion counts one served completion.
func RecordCompletion(poolName string, duration time.Duration) {
	completionsServed.WithLabelValues(poolName).Inc()
	if duration > 0 {
		completionDuration.WithLabelValues(poolName).Observe(duration.Seconds())
	}
}

// RecordRecycle counts one slot recycle.
func RecordRecycle(poolName, reason string) {
	recycles.WithLabelValues(poolName, reason).Inc()
}

// RecordWarmupFailure counts one failed pool-wide warm-up attempt.
func RecordWarmupFailure(poolName string) {
	warmupFailures.WithLabelValues(poolName).Inc()
}

// SetDegraded flags whether a pool is out of service.
func SetDegraded(poolName string, isDegraded bool) {
	v := 0.0
	if isDegraded {
		v = 1.0
	}
	degraded.WithLabelValues(poolName).Set(v)
}

// SlotCounts returns the cached per-state slot counts for a pool, or
// nil if the pool has reported nothing yet.
func SlotCounts(poolName string) map[string]int {
	slotCacheMu.RLock()
	defer slotCacheMu.RUnlock()
	slots, ok := slotCache[poolName]
	if !ok {
		return nil
	}
	counts := make(map[string]int)
	for _, st := range slots {
		counts[st]++
	}
	return counts
}

// AllSlotCounts returns per-state slot counts for every known pool.
func AllSlotCounts() map[string]map[string]int {
	slotCacheMu.RLock()
	defer slotCacheMu.RUnlock()
	result := make(map[string]map[string]int, len(slotCache))
	for poolName, slots := range slotCache {
		counts := make(map[string]int)
		for _, st := range slots {
			counts[st]++
		}
		result[poolName] = counts
	}
	return result
}

// DeletePoolMetrics removes every series for a pool.
func DeletePoolMetrics(poolName string) {
	for _, st := range allStates {
		slotStates.DeleteLabelValues(poolName, string(st))
	}
	completionsServed.DeleteLabelValues(poolName)
	completionDuration.DeleteLabelValues(poolName)
	recycles.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	warmupFailures.DeleteLabelValues(poolName)
	degraded.DeleteLabelValues(poolName)

	slotCacheMu.Lock()
	delete(slotCache, poolName)
	slotCacheMu.Unlock()
}

// Handler returns the Prometheus scrape handler. promauto registers
// everything above on the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
