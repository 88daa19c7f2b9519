package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	existenceFilterMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "existence_filter_mismatches_total",
		Help:      "Existence filter mismatches, by whether the bloom filter explained them.",
	}, []string{"outcome"})

	streamCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "stream_closes_total",
		Help:      "Stream closures by stream kind.",
	}, []string{"stream"})

	remoteEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "events_total",
		Help:      "Remote events raised from the watch stream.",
	})

	writeBatchesAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "write_batches_total",
		Help:      "Write batches by outcome.",
	}, []string{"outcome"})
)
