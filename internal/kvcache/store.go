// Package kvcache implements a block-structured store for per-token attention
// key/value vectors, addressed by flat slot indices handed out by an external
// block allocator. It has no notion of sequences or eviction: it is pure
// indexed storage over a pool the store owns for its lifetime.
package kvcache

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/quant"
)

var (
	// ErrSlotOutOfRange marks a slot (or head) index outside the store's
	// addressable range. Never silently clamped: clamping would corrupt
	// unrelated slots.
	ErrSlotOutOfRange = errors.New("slot index out of range")

	// ErrShapeMismatch marks a vector whose length does not match the
	// configured head size.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Slot is a flat index into the pool's slot space:
// block_index * block_size + offset_within_block. It is the sole addressing
// unit exposed by the store; slots are capability tokens minted by the
// external allocator, not tracked here.
type Slot int

// Store owns one pool of key vectors and one of value vectors, each shaped
// [numBlocks * blockSize, numHeads, headSize] in the configured element
// format. Blocks are never resized; slot contents are overwritten in place.
//
// Concurrent writes to distinct slots need no coordination. Writes to the
// same slot are not synchronized or detected; slot uniqueness within a batch
// is the slot-mapping producer's contract.
type Store struct {
	numBlocks int
	blockSize int
	numHeads  int
	headSize  int
	numSlots  int
	format    config.Format
	scale     float32

	kBuf *memory.Buffer
	vBuf *memory.Buffer

	// Typed views over the buffers; exactly one pair is non-nil.
	kF32, vF32 []float32
	kF16, vF16 []uint16
	kN, vN     []uint8
}

// NewStore pre-sizes the block pool for cfg. The pool memory is owned
// exclusively by the store until Free. Unknown formats fail with
// quant.ErrUnsupportedFormat; invalid sizes with config.ErrConfiguration.
func NewStore(cfg config.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Format {
	case config.FormatF32, config.FormatF16, config.FormatFP8E5M2, config.FormatFP8E4M3:
	default:
		return nil, fmt.Errorf("%w: cache format %s", quant.ErrUnsupportedFormat, cfg.Format)
	}

	s := &Store{
		numBlocks: cfg.NumBlocks,
		blockSize: cfg.BlockSize,
		numHeads:  cfg.NumHeads,
		headSize:  cfg.HeadSize,
		numSlots:  cfg.NumSlots(),
		format:    cfg.Format,
		scale:     cfg.KVScale,
	}

	elems := s.numSlots * s.numHeads * s.headSize
	bytes := elems * cfg.Format.ElemSize()

	alloc := memory.NewGoAllocator()
	s.kBuf = memory.NewResizableBuffer(alloc)
	s.kBuf.Resize(bytes)
	s.vBuf = memory.NewResizableBuffer(alloc)
	s.vBuf.Resize(bytes)

	kb, vb := s.kBuf.Bytes(), s.vBuf.Bytes()
	switch cfg.Format {
	case config.FormatF32:
		s.kF32 = unsafe.Slice((*float32)(unsafe.Pointer(&kb[0])), elems)
		s.vF32 = unsafe.Slice((*float32)(unsafe.Pointer(&vb[0])), elems)
	case config.FormatF16:
		s.kF16 = unsafe.Slice((*uint16)(unsafe.Pointer(&kb[0])), elems)
		s.vF16 = unsafe.Slice((*uint16)(unsafe.Pointer(&vb[0])), elems)
	default:
		s.kN = kb
		s.vN = vb
	}

	metrics.RecordCacheAllocated(int64(bytes) * 2)
	logger.Log.Component("kvcache").Info("allocated paged KV pool",
		"blocks", s.numBlocks, "block_size", s.blockSize,
		"heads", s.numHeads, "head_size", s.headSize,
		"format", s.format.String(), "bytes", bytes*2)

	return s, nil
}

// Capacity returns the number of addressable slots.
func (s *Store) Capacity() int { return s.numSlots }

// NumHeads returns the head-group width of each slot.
func (s *Store) NumHeads() int { return s.numHeads }

// HeadSize returns the per-head vector length.
func (s *Store) HeadSize() int { return s.headSize }

// Format returns the on-cache element representation.
func (s *Store) Format() config.Format { return s.format }

// BytesPerSlot returns the combined key+value footprint of one slot.
func (s *Store) BytesPerSlot() int {
	return 2 * s.numHeads * s.headSize * s.format.ElemSize()
}

// CheckSlot reports whether slot addresses the pool.
func (s *Store) CheckSlot(slot Slot) error {
	if int(slot) < 0 || int(slot) >= s.numSlots {
		return fmt.Errorf("%w: slot %d (capacity %d)", ErrSlotOutOfRange, int(slot), s.numSlots)
	}
	return nil
}

// resolve decomposes a flat slot into its (block, offset) coordinates. The
// decomposition stays internal; callers only ever see flat slots.
func (s *Store) resolve(slot Slot) (block, offset int) {
	return int(slot) / s.blockSize, int(slot) % s.blockSize
}

// elemBase returns the element offset of (slot, head) within a pool.
func (s *Store) elemBase(slot Slot, head int) int {
	block, offset := s.resolve(slot)
	return ((block*s.blockSize+offset)*s.numHeads + head) * s.headSize
}

// Write stores one key and one value vector at (slot, head), quantizing both
// with the store's scale factor when the format is narrow. Overwrites in
// place; there is no append or versioning.
func (s *Store) Write(slot Slot, head int, key, value []float32) error {
	if err := s.CheckSlot(slot); err != nil {
		return err
	}
	if head < 0 || head >= s.numHeads {
		return fmt.Errorf("%w: head %d (heads %d)", ErrSlotOutOfRange, head, s.numHeads)
	}
	if len(key) != s.headSize || len(value) != s.headSize {
		return fmt.Errorf("%w: key len %d, value len %d (head_size %d)",
			ErrShapeMismatch, len(key), len(value), s.headSize)
	}

	base := s.elemBase(slot, head)
	switch s.format {
	case config.FormatF32:
		copy(s.kF32[base:base+s.headSize], key)
		copy(s.vF32[base:base+s.headSize], value)
	case config.FormatF16:
		for i, v := range key {
			s.kF16[base+i] = float16.New(v).Uint16()
		}
		for i, v := range value {
			s.vF16[base+i] = float16.New(v).Uint16()
		}
	default:
		satK, err := quant.Quantize(s.kN[base:base+s.headSize], key, s.scale, s.format)
		if err != nil {
			return err
		}
		satV, err := quant.Quantize(s.vN[base:base+s.headSize], value, s.scale, s.format)
		if err != nil {
			return err
		}
		metrics.RecordQuantSaturations(satK + satV)
	}

	metrics.RecordSlotWrites(1)
	return nil
}

// Read returns freshly allocated key and value vectors for (slot, head),
// dequantized if the format is narrow. Exact for f32; lossy otherwise.
func (s *Store) Read(slot Slot, head int) (key, value []float32, err error) {
	if err := s.CheckSlot(slot); err != nil {
		return nil, nil, err
	}
	if head < 0 || head >= s.numHeads {
		return nil, nil, fmt.Errorf("%w: head %d (heads %d)", ErrSlotOutOfRange, head, s.numHeads)
	}

	base := s.elemBase(slot, head)
	key = make([]float32, s.headSize)
	value = make([]float32, s.headSize)
	switch s.format {
	case config.FormatF32:
		copy(key, s.kF32[base:base+s.headSize])
		copy(value, s.vF32[base:base+s.headSize])
	case config.FormatF16:
		for i := range key {
			key[i] = float16.FromBits(s.kF16[base+i]).Float32()
			value[i] = float16.FromBits(s.vF16[base+i]).Float32()
		}
	default:
		if err := quant.Dequantize(key, s.kN[base:base+s.headSize], s.scale, s.format); err != nil {
			return nil, nil, err
		}
		if err := quant.Dequantize(value, s.vN[base:base+s.headSize], s.scale, s.format); err != nil {
			return nil, nil, err
		}
	}

	metrics.RecordSlotReads(1)
	return key, value, nil
}

// Free releases the pool buffers. The store must not be used afterwards.
func (s *Store) Free() {
	if s.kBuf != nil {
		s.kBuf.Release()
		s.kBuf = nil
	}
	if s.vBuf != nil {
		s.vBuf.Release()
		s.vBuf = nil
	}
	s.kF32, s.vF32 = nil, nil
	s.kF16, s.vF16 = nil, nil
	s.kN, s.vN = nil, nil
}
