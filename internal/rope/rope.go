package rope

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// ErrPositionOutOfRange is returned when a token position falls outside the
// table's precomputed range.
var ErrPositionOutOfRange = errors.New("position out of range")

// Table holds precomputed cos/sin pairs for every position and rotated
// dimension pair. It is immutable after construction and safe to share
// across any number of concurrent readers.
//
// Layout per position: rotaryDim/2 cosines followed by rotaryDim/2 sines,
// stride rotaryDim.
type Table struct {
	headSize    int
	rotaryDim   int
	maxPosition int
	layout      config.Layout
	cosSin      []float32
}

// NewTable precomputes rotation angles for cfg. The angle for dimension pair
// i at position p is p / base^(2i/rotaryDim).
func NewTable(cfg config.Config) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	rot := cfg.EffectiveRotaryDim()
	half := rot / 2
	t := &Table{
		headSize:    cfg.HeadSize,
		rotaryDim:   rot,
		maxPosition: cfg.MaxPosition,
		layout:      cfg.Layout,
		cosSin:      make([]float32, cfg.MaxPosition*rot),
	}

	// Inverse frequencies are position-independent; compute once.
	invFreq := make([]float64, half)
	for i := 0; i < half; i++ {
		invFreq[i] = math.Pow(float64(cfg.RopeBase), -2.0*float64(i)/float64(rot))
	}
	for pos := 0; pos < cfg.MaxPosition; pos++ {
		row := t.cosSin[pos*rot : (pos+1)*rot]
		for i := 0; i < half; i++ {
			theta := float64(pos) * invFreq[i]
			row[i] = float32(math.Cos(theta))
			row[half+i] = float32(math.Sin(theta))
		}
	}

	metrics.RecordRopeTableBuild(time.Since(start), int64(len(t.cosSin))*4)
	return t, nil
}

// HeadSize returns the per-head vector length the table was built for.
func (t *Table) HeadSize() int { return t.headSize }

// RotaryDim returns the rotated span; elements beyond it pass through.
func (t *Table) RotaryDim() int { return t.rotaryDim }

// MaxPosition returns the exclusive upper bound on positions.
func (t *Table) MaxPosition() int { return t.maxPosition }

// Layout returns the pairing convention bound at build time.
func (t *Table) Layout() config.Layout { return t.layout }

// CheckPosition reports whether pos is covered by the table.
func (t *Table) CheckPosition(pos int) error {
	if pos < 0 || pos >= t.maxPosition {
		return fmt.Errorf("%w: %d (max %d)", ErrPositionOutOfRange, pos, t.maxPosition)
	}
	return nil
}

// Rotate applies the position-dependent rotation to a single head vector and
// returns a new vector; vec is not modified. Deterministic: identical
// arguments produce bit-identical output.
func (t *Table) Rotate(vec []float32, pos int) []float32 {
	out := make([]float32, len(vec))
	t.Apply(out, vec, pos, false)
	return out
}

// RotateInverse applies the rotation with the angle negated, recovering the
// pre-rotation vector up to floating-point error.
func (t *Table) RotateInverse(vec []float32, pos int) []float32 {
	out := make([]float32, len(vec))
	t.Apply(out, vec, pos, true)
	return out
}

// Apply rotates src into dst without allocating. dst and src must both have
// the table's head size; they may be the same slice. This is the fused
// write path's entry point: rotation lands directly in the caller's target
// buffer with no intermediate tensor.
func (t *Table) Apply(dst, src []float32, pos int, inverse bool) {
	rot := t.rotaryDim
	half := rot / 2
	row := t.cosSin[pos*rot : (pos+1)*rot]

	if t.layout == config.LayoutSplitHalf {
		for i := 0; i < half; i++ {
			cos, sin := row[i], row[half+i]
			if inverse {
				sin = -sin
			}
			a, b := src[i], src[half+i]
			dst[i] = a*cos - b*sin
			dst[half+i] = a*sin + b*cos
		}
	} else {
		for i := 0; i < half; i++ {
			cos, sin := row[i], row[half+i]
			if inverse {
				sin = -sin
			}
			a, b := src[2*i], src[2*i+1]
			dst[2*i] = a*cos - b*sin
			dst[2*i+1] = a*sin + b*cos
		}
	}
	// Non-rotated tail passes through untouched.
	if &dst[0] != &src[0] {
		copy(dst[rot:], src[rot:])
	}
}
