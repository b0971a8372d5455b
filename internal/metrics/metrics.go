// Package metrics defines the prometheus collectors devsentry exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector so components share one registration.
type Set struct {
	DeviceEvents     *prometheus.CounterVec
	DebouncedEvents  prometheus.Counter
	EventLogDepth    prometheus.Gauge
	EventLogRedelivs prometheus.Counter
	Violations       *prometheus.CounterVec
	Quarantines      prometheus.Counter
	SandboxStarts    *prometheus.CounterVec
	ChannelTimeouts  prometheus.Counter
	ChannelRejects   *prometheus.CounterVec
}

// New builds the collector set and registers it with reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		DeviceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devsentry_device_events_total",
			Help: "Normalized device events emitted, by kind.",
		}, []string{"kind"}),
		DebouncedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsentry_device_events_debounced_total",
			Help: "Raw notifications suppressed inside the debounce window.",
		}),
		EventLogDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devsentry_eventlog_depth",
			Help: "Entries currently retained in the event log.",
		}),
		EventLogRedelivs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsentry_eventlog_redeliveries_total",
			Help: "Entries redelivered after the visibility timeout.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devsentry_violations_total",
			Help: "Violations recorded, by type.",
		}, []string{"type"}),
		Quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsentry_quarantines_total",
			Help: "Instances moved to Blocked by the security monitor.",
		}),
		SandboxStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devsentry_sandbox_starts_total",
			Help: "Sandbox start attempts, by outcome.",
		}, []string{"outcome"}),
		ChannelTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devsentry_channel_timeouts_total",
			Help: "Requests resolved as timeouts.",
		}),
		ChannelRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devsentry_channel_rejects_total",
			Help: "Sends rejected before transmission, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			s.DeviceEvents, s.DebouncedEvents,
			s.EventLogDepth, s.EventLogRedelivs,
			s.Violations, s.Quarantines,
			s.SandboxStarts, s.ChannelTimeouts, s.ChannelRejects,
		)
	}
	return s
}

// NewUnregistered is a convenience for tests and optional wiring.
func NewUnregistered() *Set { return New(nil) }
