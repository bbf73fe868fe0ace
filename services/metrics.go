package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugbank_lifecycle_operations_total",
		Help: "Bug lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})

	xpAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bugbank_xp_awarded_total",
		Help: "XP credited through reward claims.",
	})
)

func observe(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
		if KindOf(err) == 0 {
			outcome = "error"
		}
	}
	lifecycleOps.WithLabelValues(operation, outcome).Inc()
}
