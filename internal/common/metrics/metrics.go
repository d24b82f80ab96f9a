// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guarantee_actions_completed_total",
			Help: "Total number of lifecycle actions completed",
		},
		[]string{"action"},
	)

	ActionsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guarantee_actions_denied_total",
			Help: "Total number of lifecycle actions denied by the authorization gate",
		},
		[]string{"action", "error_code"},
	)

	ActionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guarantee_actions_failed_total",
			Help: "Total number of lifecycle actions that failed after authorization",
		},
		[]string{"action", "error_code"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "guarantee_action_duration_seconds",
			Help: "Duration of lifecycle action processing in seconds",
		},
		[]string{"action"},
	)

	LedgerResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guarantee_ledger_resolutions_total",
			Help: "Ledger operation resolutions by status",
		},
		[]string{"kind", "status"},
	)

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guarantee_stage_transitions_total",
			Help: "Confirmed stage transitions by target stage",
		},
		[]string{"to_stage"},
	)
)
