// Package metrics exposes Prometheus collectors for funnel activity.
package metrics

import (
	"strconv"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatfunnel"

// FunnelMetrics exposes counters/gauges for funnel playback, analytics and
// asset preloading. A nil *FunnelMetrics is safe to use.
type FunnelMetrics struct {
	stepsEmitted     *prometheus.CounterVec
	branchesSelected *prometheus.CounterVec
	gateTimeouts     prometheus.Counter
	analyticsEvents  *prometheus.CounterVec
	preloadAssets    *prometheus.CounterVec
	preloadDuration  prometheus.Histogram
	activeSessions   prometheus.Gauge
}

// NewFunnelMetrics registers the collectors on reg, or the default registerer when nil.
func NewFunnelMetrics(reg prometheus.Registerer) *FunnelMetrics {
	m := &FunnelMetrics{
		stepsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "steps_emitted_total",
			Help:      "Total funnel steps emitted into the conversation",
		}, []string{"kind"}),
		branchesSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "branch_selected_total",
			Help:      "Total answers to the options prompt",
		}, []string{"choice"}),
		gateTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "audio_gate_timeouts_total",
			Help:      "Total awaited audios skipped after the gate timeout",
		}),
		analyticsEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "events_total",
			Help:      "Total analytics events, by whether consent allowed forwarding",
		}, []string{"event", "forwarded"}),
		preloadAssets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "assets_total",
			Help:      "Total preloaded assets by outcome",
		}, []string{"status"}),
		preloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "duration_seconds",
			Help:      "Duration of a full preload pass",
			Buckets:   prometheus.DefBuckets,
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "active_sessions",
			Help:      "Funnel sessions currently held in memory",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.stepsEmitted,
		m.branchesSelected,
		m.gateTimeouts,
		m.analyticsEvents,
		m.preloadAssets,
		m.preloadDuration,
		m.activeSessions,
	)
	return m
}

// StepEmitted counts a funnel step shown to the visitor.
func (m *FunnelMetrics) StepEmitted(kind domain.StepKind) {
	if m == nil {
		return
	}
	m.stepsEmitted.WithLabelValues(string(kind)).Inc()
}

// BranchSelected counts an answer to the options prompt.
func (m *FunnelMetrics) BranchSelected(choice domain.Choice) {
	if m == nil {
		return
	}
	m.branchesSelected.WithLabelValues(string(choice)).Inc()
}

// AudioGateTimedOut counts an audio gate skipped by timeout.
func (m *FunnelMetrics) AudioGateTimedOut() {
	if m == nil {
		return
	}
	m.gateTimeouts.Inc()
}

// ObserveAnalytics counts an analytics event, labelled by whether consent let it through.
func (m *FunnelMetrics) ObserveAnalytics(event string, forwarded bool) {
	if m == nil {
		return
	}
	m.analyticsEvents.WithLabelValues(event, strconv.FormatBool(forwarded)).Inc()
}

// ObservePreload counts one asset fetch result.
func (m *FunnelMetrics) ObservePreload(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.preloadAssets.WithLabelValues(status).Inc()
}

// ObservePreloadDuration records how long a preload pass took.
func (m *FunnelMetrics) ObservePreloadDuration(seconds float64) {
	if m == nil {
		return
	}
	m.preloadDuration.Observe(seconds)
}

// SetActiveSessions reports the number of live chat sessions.
func (m *FunnelMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
