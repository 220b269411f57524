// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GPUMemoryUsed is the memory in use per device as reported by the probe.
	GPUMemoryUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastgpu",
			Subsystem: "gpu",
			Name:      "memory_used_bytes",
			Help:      "GPU memory in use in bytes",
		},
		[]string{"device"},
	)

	// GPUMemoryTotal is the total memory per device.
	GPUMemoryTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastgpu",
			Subsystem: "gpu",
			Name:      "memory_total_bytes",
			Help:      "GPU memory capacity in bytes",
		},
		[]string{"device"},
	)

	// GPUBusy flags devices occupied by compute processes this poller did not start.
	GPUBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastgpu",
			Subsystem: "gpu",
			Name:      "busy",
			Help:      "Whether a GPU hosts compute processes (1) or is idle (0)",
		},
		[]string{"device"},
	)

	// ProbeErrors counts failed device probes.
	ProbeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastgpu",
			Subsystem: "gpu",
			Name:      "probe_errors_total",
			Help:      "Total GPU probe failures",
		},
		[]string{"query"}, // query: "devices|compute_apps"
	)
)

const mib = 1 << 20

// UpdateGPUMemory records used and total memory of a device in MiB.
func UpdateGPUMemory(device int, usedMiB, totalMiB int64) {
	d := strconv.Itoa(device)
	GPUMemoryUsed.WithLabelValues(d).Set(float64(usedMiB * mib))
	GPUMemoryTotal.WithLabelValues(d).Set(float64(totalMiB * mib))
}

// SetGPUBusy records the busy state of a device.
func SetGPUBusy(device int, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	GPUBusy.WithLabelValues(strconv.Itoa(device)).Set(v)
}

// RecordProbeError records a probe failure for the given query.
func RecordProbeError(query string) {
	ProbeErrors.WithLabelValues(query).Inc()
}
