package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaypbx/switchcore/internal/callstack"
	"github.com/relaypbx/switchcore/internal/registry"
)

// Metrics exports the engine gauges the control channel's snapshot/dump
// commands also render as plaintext, grounded on the promauto wiring of
// arzzra-soft_phone's pkg/dialog/metrics.go. Kept separate from the
// prometheus HTTP exposition path (out of scope: the core has no HTTP
// surface) so callers can register these on any registerer they already
// run, including the teacher's own process-wide one if present.
type Metrics struct {
	activeCalls    prometheus.GaugeFunc
	activeSessions prometheus.GaugeFunc
	registryCount  prometheus.GaugeFunc
}

// NewMetrics registers the engine gauges against reg.
func NewMetrics(reg prometheus.Registerer, stack *callstack.Stack, registryStore *registry.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{}
	m.activeCalls = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "switchcore",
		Subsystem: "stack",
		Name:      "active_calls",
		Help:      "Number of calls currently tracked by the call stack.",
	}, func() float64 { return float64(stack.ActiveCalls()) })

	m.activeSessions = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "switchcore",
		Subsystem: "stack",
		Name:      "active_sessions",
		Help:      "Number of call segments currently tracked across all calls.",
	}, func() float64 { return float64(stack.ActiveSegments()) })

	m.registryCount = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "switchcore",
		Subsystem: "registry",
		Name:      "entries",
		Help:      "Number of live (non-reaped) registry entries.",
	}, func() float64 { return float64(registryStore.Count()) })

	return m
}
