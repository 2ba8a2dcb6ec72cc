// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus instrumentation for the
// racksync service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every racksync metric. Create one per process with
// NewMetrics and share it; tests pass their own registry so parallel test
// packages do not collide on registration.
type Metrics struct {
	SavesTotal       prometheus.Counter
	SaveErrors       prometheus.Counter
	SaveDuration     prometheus.Histogram
	ConflictsTotal   prometheus.Counter
	ResolutionsTotal *prometheus.CounterVec
	AutoResolveFalls prometheus.Counter
	RecoveriesTotal  *prometheus.CounterVec
	EventSubscribers prometheus.Gauge
	EventsDropped    prometheus.Counter
}

// NewMetrics registers all metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "racksync_saves_total",
			Help: "Successfully applied auto-save operations.",
		}),
		SaveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "racksync_save_errors_total",
			Help: "Auto-save operations that failed for non-conflict reasons.",
		}),
		SaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "racksync_save_duration_seconds",
			Help:    "Wall time to apply one auto-save, including storage retries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "racksync_conflicts_total",
			Help: "Field-level version conflicts detected.",
		}),
		ResolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "racksync_resolutions_total",
			Help: "Conflict resolutions applied, by resolution choice.",
		}, []string{"resolution"}),
		AutoResolveFalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "racksync_auto_resolve_fallbacks_total",
			Help: "Smart-merge resolutions that fell back to last-write-wins.",
		}),
		RecoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "racksync_connection_recoveries_total",
			Help: "Connection recovery checks, by suggested action.",
		}, []string{"action"}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "racksync_event_subscribers",
			Help: "Open websocket subscriptions on the events endpoint.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "racksync_events_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full.",
		}),
	}
}
