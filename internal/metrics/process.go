// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var procSignals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fastgpu",
	Name:      "proc_signals_total",
	Help:      "Signals sent to script process groups by outcome",
}, []string{"signal", "outcome"}) // outcome=sent|esrch|error

// IncProcSignal records a signal delivery attempt to a process group.
func IncProcSignal(signal, outcome string) {
	procSignals.WithLabelValues(signal, outcome).Inc()
}
