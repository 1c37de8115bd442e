/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MixerTicksTotal counts output ticks per broadcast.
	MixerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_mixer_ticks_total",
		Help: "Number of mixer output ticks executed.",
	}, []string{"broadcast_id"})

	// MixerTickErrorsTotal counts recovered per-tick failures.
	MixerTickErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_mixer_tick_errors_total",
		Help: "Number of mixer ticks that failed and were skipped.",
	}, []string{"broadcast_id"})

	// ActiveSessions tracks live mixing sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_active_sessions",
		Help: "Number of live mixing sessions.",
	})

	// PacketsSentTotal counts frames dispatched to speaker endpoints.
	PacketsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_packets_sent_total",
		Help: "Number of audio frames sent to speakers.",
	})

	// BytesSentTotal counts payload bytes dispatched to speaker endpoints.
	BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_bytes_sent_total",
		Help: "Number of payload bytes sent to speakers.",
	})

	// SendErrorsTotal counts failed speaker sends.
	SendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_send_errors_total",
		Help: "Number of failed speaker sends.",
	})

	// SchedulerTicksTotal counts schedule scanner passes.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_scheduler_ticks_total",
		Help: "Number of schedule scanner passes.",
	})

	// SchedulerErrorsTotal counts scanner/executor failures by stage.
	SchedulerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_scheduler_errors_total",
		Help: "Number of schedule orchestration failures.",
	}, []string{"stage"})

	// TakeoversTotal counts speaker ownership takeovers.
	TakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_ownership_takeovers_total",
		Help: "Number of speaker ownership takeovers.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
