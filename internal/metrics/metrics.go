package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total bytes reserved for the paged KV block pool",
	})

	KVCacheSlotWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_slot_writes_total",
		Help: "Number of (slot, head) key/value pairs written to the cache",
	})

	KVCacheSlotReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_slot_reads_total",
		Help: "Number of (slot, head) key/value pairs read back from the cache",
	})

	FusedWriteTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fused_write_tokens_total",
		Help: "Tokens processed by the fused rotate-and-cache path",
	})

	FusedWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fused_write_duration_seconds",
		Help:    "Duration of fused rotate-and-cache batches",
		Buckets: prometheus.DefBuckets,
	})

	FusedWriteRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fused_write_rejects_total",
		Help: "Batches rejected before any write occurred",
	}, []string{"reason"})

	QuantSaturations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_saturations_total",
		Help: "Elements clamped to the narrow format's finite range",
	})

	SlotCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slot_collisions_total",
		Help: "Duplicate slot-mapping entries caught by the debug check",
	})

	RopeTableBuildDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "rope_table_build_duration_seconds",
		Help: "Time spent precomputing rotary cos/sin tables",
	})

	RopeTableBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rope_table_bytes",
		Help: "Bytes held by rotary cos/sin tables",
	})
)

// RecordCacheAllocated records the pool footprint of a newly allocated store.
func RecordCacheAllocated(capacityBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
}

// RecordSlotWrites counts completed (slot, head) writes.
func RecordSlotWrites(n int) {
	KVCacheSlotWrites.Add(float64(n))
}

// RecordSlotReads counts completed (slot, head) reads.
func RecordSlotReads(n int) {
	KVCacheSlotReads.Add(float64(n))
}

// RecordFusedWrite records one accepted fused batch.
func RecordFusedWrite(tokens int, d time.Duration) {
	FusedWriteTokens.Add(float64(tokens))
	FusedWriteDuration.Observe(d.Seconds())
}

// RecordFusedReject counts a batch rejected during upfront validation.
func RecordFusedReject(reason string) {
	FusedWriteRejects.WithLabelValues(reason).Inc()
}

// RecordQuantSaturations counts elements clamped during narrow encoding.
func RecordQuantSaturations(n int) {
	if n > 0 {
		QuantSaturations.Add(float64(n))
	}
}

// RecordSlotCollision counts a duplicate slot caught in debug mode.
func RecordSlotCollision() {
	SlotCollisions.Inc()
}

// RecordRopeTableBuild records table precompute cost and footprint.
func RecordRopeTableBuild(d time.Duration, bytes int64) {
	RopeTableBuildDuration.Observe(d.Seconds())
	RopeTableBytes.Set(float64(bytes))
}
