package slasherkv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	slasherAttestationsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_attestations_pruned_total",
		Help: "Total number of attestation records pruned from the database",
	})
	slasherChunksPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slasher_chunks_pruned_total",
		Help: "Total number of min/max span chunks pruned from the database",
	})
)
