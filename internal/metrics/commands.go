package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace    = "todoline"
	LabelCommand = "command"
	LabelOutcome = "outcome"
)

const (
	OutcomeOK           = "ok"
	OutcomeInvalid      = "invalid"
	OutcomeNotFound     = "not_found"
	OutcomeStorageError = "storage_error"
	OutcomeError        = "error"
)

var Commands = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name:      "commands_total",
		Help:      "Handled chat commands by outcome",
		Namespace: Namespace,
	},
	[]string{LabelCommand, LabelOutcome},
)

var CommandDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:      "command_duration_seconds",
		Help:      "Time spent handling a chat command",
		Namespace: Namespace,
		Buckets:   prometheus.DefBuckets,
	},
	[]string{LabelCommand},
)
