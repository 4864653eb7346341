// Package kernel fuses the rotary positional transform with the paged cache
// write: per token, the key is rotated and lands in the store in one pass,
// with no intermediate rotated-key tensor materialized in between.
package kernel

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/kvcache"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/rope"
)

// ErrSlotCollision is returned by the debug validation mode when two tokens
// in one batch map to the same slot. In production the check is off and the
// last write wins.
var ErrSlotCollision = errors.New("slot mapping collision")

// Batches below this run serially; goroutine fan-out costs more than the
// rotation for a handful of tokens.
const parallelThreshold = 16

// Fused binds a rotary table to a paged store. One instance per layer,
// reused for the lifetime of the serving session; it holds no per-call state.
type Fused struct {
	table          *rope.Table
	store          *kvcache.Store
	tokenWidth     int
	debugSlotCheck bool
}

// New wires a table and store built from the same config. The pair must
// agree on head geometry.
func New(table *rope.Table, store *kvcache.Store, cfg config.Config) (*Fused, error) {
	if table.HeadSize() != store.HeadSize() {
		return nil, fmt.Errorf("%w: table head_size %d != store head_size %d",
			kvcache.ErrShapeMismatch, table.HeadSize(), store.HeadSize())
	}
	return &Fused{
		table:          table,
		store:          store,
		tokenWidth:     store.NumHeads() * store.HeadSize(),
		debugSlotCheck: cfg.DebugSlotCheck,
	}, nil
}

// RotateAndCache rotates each token's query and key at its absolute position,
// writes the rotated key and the raw value into the store at the token's
// mapped slot (every head), and returns the rotated queries. Queries are
// never stored; the attention consumer reads them directly.
//
// All five inputs are batch-aligned by token index. The whole batch is
// validated before the first write, so a rejected call leaves the store
// untouched. Inputs are never mutated.
func (f *Fused) RotateAndCache(positions []int, queries, keys, values [][]float32, slotMapping []kvcache.Slot) ([][]float32, error) {
	start := time.Now()
	n := len(positions)
	if len(queries) != n || len(keys) != n || len(values) != n || len(slotMapping) != n {
		metrics.RecordFusedReject("batch_length")
		return nil, fmt.Errorf("%w: positions=%d queries=%d keys=%d values=%d slots=%d",
			kvcache.ErrShapeMismatch, n, len(queries), len(keys), len(values), len(slotMapping))
	}
	for t := 0; t < n; t++ {
		if len(queries[t]) != f.tokenWidth || len(keys[t]) != f.tokenWidth || len(values[t]) != f.tokenWidth {
			metrics.RecordFusedReject("vector_length")
			return nil, fmt.Errorf("%w: token %d vector lengths q=%d k=%d v=%d (want %d)",
				kvcache.ErrShapeMismatch, t, len(queries[t]), len(keys[t]), len(values[t]), f.tokenWidth)
		}
		if err := f.table.CheckPosition(positions[t]); err != nil {
			metrics.RecordFusedReject("position")
			return nil, fmt.Errorf("token %d: %w", t, err)
		}
		if err := f.store.CheckSlot(slotMapping[t]); err != nil {
			metrics.RecordFusedReject("slot")
			return nil, fmt.Errorf("token %d: %w", t, err)
		}
	}
	if f.debugSlotCheck {
		if err := checkSlotUniqueness(slotMapping); err != nil {
			metrics.RecordFusedReject("collision")
			return nil, err
		}
	}

	out := make([][]float32, n)

	if n < parallelThreshold {
		if err := f.writeRange(0, n, positions, queries, keys, values, slotMapping, out); err != nil {
			return nil, err
		}
	} else {
		// Tokens are independent; shard the batch into contiguous chunks.
		workers := runtime.GOMAXPROCS(0)
		chunk := (n + workers - 1) / workers
		g := new(errgroup.Group)
		for lo := 0; lo < n; lo += chunk {
			hi := min(lo+chunk, n)
			g.Go(func() error {
				return f.writeRange(lo, hi, positions, queries, keys, values, slotMapping, out)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	metrics.RecordFusedWrite(n, time.Since(start))
	return out, nil
}

// writeRange processes tokens [lo, hi). The key scratch buffer is reused
// across heads and tokens within the range; Store.Write copies out of it
// before the next rotation lands.
func (f *Fused) writeRange(lo, hi int, positions []int, queries, keys, values [][]float32, slotMapping []kvcache.Slot, out [][]float32) error {
	headSize := f.store.HeadSize()
	numHeads := f.store.NumHeads()
	scratch := make([]float32, headSize)

	for t := lo; t < hi; t++ {
		pos := positions[t]
		slot := slotMapping[t]
		rq := make([]float32, f.tokenWidth)
		for h := 0; h < numHeads; h++ {
			o := h * headSize
			f.table.Apply(rq[o:o+headSize], queries[t][o:o+headSize], pos, false)
			f.table.Apply(scratch, keys[t][o:o+headSize], pos, false)
			if err := f.store.Write(slot, h, scratch, values[t][o:o+headSize]); err != nil {
				return fmt.Errorf("token %d head %d: %w", t, h, err)
			}
		}
		out[t] = rq
	}
	return nil
}

func checkSlotUniqueness(slotMapping []kvcache.Slot) error {
	seen := make(map[kvcache.Slot]int, len(slotMapping))
	for t, s := range slotMapping {
		if prev, ok := seen[s]; ok {
			metrics.RecordSlotCollision()
			logger.Log.Component("kernel").Warn("slot mapping collision",
				"slot", int(s), "token_a", prev, "token_b", t)
			return fmt.Errorf("%w: slot %d claimed by tokens %d and %d", ErrSlotCollision, int(s), prev, t)
		}
		seen[s] = t
	}
	return nil
}
