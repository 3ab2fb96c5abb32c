// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckinsSubmitted counts accepted submissions; deduplicated marks those
	// whose key was already queued or done.
	CheckinsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "checkins_submitted_total",
		Help:      "Check-in submissions accepted by the API.",
	}, []string{"deduplicated"})

	// CheckinJobs counts finished check-in jobs by outcome and modality.
	CheckinJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "checkin_jobs_total",
		Help:      "Check-in jobs processed by the worker.",
	}, []string{"outcome", "modality"})

	CheckinJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendance",
		Name:      "checkin_job_duration_seconds",
		Help:      "Time spent processing one check-in job.",
		Buckets:   prometheus.DefBuckets,
	})

	WindowsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "verification_windows_opened_total",
		Help:      "Verification windows opened by teachers.",
	})

	LeaveTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "leave_transitions_total",
		Help:      "Leave application state changes.",
	}, []string{"to"})

	SweepTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sweep_absent_total",
		Help:      "Records the absence sweep turned into absences.",
	})
)
