// SPDX-License-Identifier: MIT
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueScripts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fastgpu",
		Name:      "queue_scripts",
		Help:      "Scripts per work directory stage (last poll)",
	}, []string{"dir"}) // dir=to_run|running|complete|fail

	runningScripts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fastgpu",
		Name:      "running_scripts",
		Help:      "Scripts currently executing under this poller",
	})

	slotLocked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fastgpu",
		Name:      "slot_locked",
		Help:      "Whether a slot is held by a running script (1) or free (0)",
	}, []string{"slot", "kind"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fastgpu",
		Name:      "runs_total",
		Help:      "Finished script runs by result",
	}, []string{"result"}) // result=complete|fail

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fastgpu",
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of script runs",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 9), // 1s to ~18h
	}, []string{"result"})

	dispatchStalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fastgpu",
		Name:      "dispatch_stalls_total",
		Help:      "Poll ticks where scripts were pending but no slot was free",
	})

	// StaleLocksReclaimed counts slot locks removed because their owner was gone.
	StaleLocksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fastgpu",
		Name:      "stale_locks_reclaimed_total",
		Help:      "Slot locks removed because their owning process was gone",
	})
)

// SetQueueScripts records the number of scripts in one work directory stage.
func SetQueueScripts(dir string, n int) {
	queueScripts.WithLabelValues(dir).Set(float64(n))
}

// IncRunning marks a script as started.
func IncRunning() {
	runningScripts.Inc()
}

// DecRunning marks a script as finished.
func DecRunning() {
	runningScripts.Dec()
}

// SetSlotLocked records the lock state of a slot.
func SetSlotLocked(slot int, kind string, locked bool) {
	v := 0.0
	if locked {
		v = 1
	}
	slotLocked.WithLabelValues(strconv.Itoa(slot), kind).Set(v)
}

// ObserveRun records a finished run.
func ObserveRun(result string, d time.Duration) {
	runsTotal.WithLabelValues(result).Inc()
	runDuration.WithLabelValues(result).Observe(d.Seconds())
}

// IncDispatchStall records a tick with pending work but no free slot.
func IncDispatchStall() {
	dispatchStalls.Inc()
}

// IncStaleLockReclaimed records a reclaimed slot lock.
func IncStaleLockReclaimed() {
	StaleLocksReclaimed.Inc()
}
