package slasher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedAttestationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_processed_attestations_total",
		Help: "Total number of attestation records successfully processed",
	})
	droppedAttestationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_dropped_attestations_total",
		Help: "Total number of attestation records dropped for failing validation",
	})
	deferredAttestationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_deferred_attestations_total",
		Help: "Total number of attestation records deferred for future processing",
	})
	batchesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_batches_failed_total",
		Help: "Total number of attestation batches aborted without committing",
	})
	slashingsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slasher_slashings_detected_total",
		Help: "Total number of slashable offenses detected, by kind",
	}, []string{"kind"})
)
