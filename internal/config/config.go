package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration is the identity for all static parameter failures.
// Construction (table build, store allocation) aborts on the first violation.
var ErrConfiguration = errors.New("invalid configuration")

// Layout selects which element pairs the rotary transform rotates against
// each other. The choice is baked into the table at build time.
type Layout int

const (
	// LayoutSplitHalf rotates element i against element i+rotaryDim/2
	// (neox-style).
	LayoutSplitHalf Layout = iota
	// LayoutPaired rotates adjacent even/odd elements (GPT-J-style).
	LayoutPaired
)

func (l Layout) String() string {
	switch l {
	case LayoutSplitHalf:
		return "split-half"
	case LayoutPaired:
		return "paired"
	}
	return fmt.Sprintf("layout(%d)", int(l))
}

// ParseLayout maps a config string to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "split-half", "neox":
		return LayoutSplitHalf, nil
	case "paired", "gptj":
		return LayoutPaired, nil
	}
	return 0, fmt.Errorf("%w: unknown layout %q", ErrConfiguration, s)
}

// Format is the on-cache element representation.
type Format int

const (
	// FormatF32 stores exactly the input precision.
	FormatF32 Format = iota
	// FormatF16 halves the footprint; round-trips at fp16 tolerance.
	FormatF16
	// FormatFP8E5M2 is the 8-bit floating cache layout (2 mantissa bits).
	FormatFP8E5M2
	// FormatFP8E4M3 is the 8-bit floating cache layout (3 mantissa bits).
	FormatFP8E4M3
)

func (f Format) String() string {
	switch f {
	case FormatF32:
		return "f32"
	case FormatF16:
		return "f16"
	case FormatFP8E5M2:
		return "fp8_e5m2"
	case FormatFP8E4M3:
		return "fp8_e4m3"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Narrow reports whether the format requires the quantization codec.
func (f Format) Narrow() bool {
	return f == FormatFP8E5M2 || f == FormatFP8E4M3
}

// ElemSize returns the per-element byte width.
func (f Format) ElemSize() int {
	switch f {
	case FormatF32:
		return 4
	case FormatF16:
		return 2
	default:
		return 1
	}
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "auto":
		return FormatF32, nil
	case "f16", "fp16", "half":
		return FormatF16, nil
	case "fp8", "fp8_e5m2", "e5m2":
		return FormatFP8E5M2, nil
	case "fp8_e4m3", "e4m3":
		return FormatFP8E4M3, nil
	}
	return 0, fmt.Errorf("%w: unknown cache format %q", ErrConfiguration, s)
}

// Config holds the static parameters shared by the rotary table, the paged
// store and the fused write path. One instance describes one attention layer.
type Config struct {
	NumHeads    int
	HeadSize    int
	RotaryDim   int // 0 means full head size
	MaxPosition int
	RopeBase    float32
	Layout      Layout

	BlockSize int
	NumBlocks int
	Format    Format
	KVScale   float32

	// DebugSlotCheck enables an upfront slot-mapping uniqueness scan in the
	// fused write path. Off in production: uniqueness is the allocator's
	// contract.
	DebugSlotCheck bool
}

// Default returns a config with the reference base frequency and scale.
func Default() Config {
	return Config{
		MaxPosition: 8192,
		RopeBase:    10000.0,
		Layout:      LayoutSplitHalf,
		BlockSize:   16,
		Format:      FormatF32,
		KVScale:     1.0,
	}
}

// EffectiveRotaryDim resolves the "default" rotary span to the full head.
func (c *Config) EffectiveRotaryDim() int {
	if c.RotaryDim == 0 {
		return c.HeadSize
	}
	return c.RotaryDim
}

// NumSlots is the store's addressable slot space.
func (c *Config) NumSlots() int {
	return c.NumBlocks * c.BlockSize
}

// Validate checks every static parameter. All violations are ErrConfiguration.
func (c *Config) Validate() error {
	if c.NumHeads <= 0 {
		return fmt.Errorf("%w: num_heads=%d (must be positive)", ErrConfiguration, c.NumHeads)
	}
	if c.HeadSize <= 0 {
		return fmt.Errorf("%w: head_size=%d (must be positive)", ErrConfiguration, c.HeadSize)
	}
	rot := c.EffectiveRotaryDim()
	if rot%2 != 0 {
		return fmt.Errorf("%w: rotary_dim=%d (must be even)", ErrConfiguration, rot)
	}
	if rot > c.HeadSize {
		return fmt.Errorf("%w: rotary_dim=%d (must be <= head_size=%d)", ErrConfiguration, rot, c.HeadSize)
	}
	if c.MaxPosition <= 0 {
		return fmt.Errorf("%w: max_position=%d (must be positive)", ErrConfiguration, c.MaxPosition)
	}
	if c.RopeBase <= 0 {
		return fmt.Errorf("%w: rope_base=%f (must be positive)", ErrConfiguration, c.RopeBase)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block_size=%d (must be positive)", ErrConfiguration, c.BlockSize)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("%w: num_blocks=%d (must be positive)", ErrConfiguration, c.NumBlocks)
	}
	if c.KVScale <= 0 {
		return fmt.Errorf("%w: kv_scale=%f (must be positive)", ErrConfiguration, c.KVScale)
	}
	return nil
}
