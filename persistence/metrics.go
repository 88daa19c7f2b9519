package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "persistence",
		Name:      "transactions_total",
		Help:      "Transactions by outcome.",
	}, []string{"outcome"})

	gcRemovedTargets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "gc",
		Name:      "removed_targets_total",
		Help:      "Targets removed by garbage collection.",
	})

	gcRemovedDocuments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "gc",
		Name:      "removed_documents_total",
		Help:      "Orphaned documents removed by garbage collection.",
	})

	gcRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "gc",
		Name:      "runs_total",
		Help:      "Garbage collection runs by outcome.",
	}, []string{"outcome"})

	leaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "lease",
		Name:      "transitions_total",
		Help:      "Primary lease acquisitions and losses.",
	}, []string{"direction"})
)
