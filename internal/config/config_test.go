package config

import (
	"errors"
	"testing"
)

func valid() Config {
	c := Default()
	c.NumHeads = 8
	c.HeadSize = 64
	c.NumBlocks = 128
	return c
}

func TestValidateDefaultsFilled(t *testing.T) {
	c := valid()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if c.EffectiveRotaryDim() != 64 {
		t.Errorf("default rotary dim should equal head size, got %d", c.EffectiveRotaryDim())
	}
	if c.NumSlots() != 128*16 {
		t.Errorf("NumSlots = %d, want %d", c.NumSlots(), 128*16)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero heads", func(c *Config) { c.NumHeads = 0 }},
		{"zero head size", func(c *Config) { c.HeadSize = 0 }},
		{"odd rotary dim", func(c *Config) { c.RotaryDim = 31 }},
		{"rotary dim too large", func(c *Config) { c.RotaryDim = 128 }},
		{"zero max position", func(c *Config) { c.MaxPosition = 0 }},
		{"negative base", func(c *Config) { c.RopeBase = -1 }},
		{"zero block size", func(c *Config) { c.BlockSize = 0 }},
		{"zero blocks", func(c *Config) { c.NumBlocks = 0 }},
		{"zero scale", func(c *Config) { c.KVScale = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"f32":      FormatF32,
		"auto":     FormatF32,
		"f16":      FormatF16,
		"half":     FormatF16,
		"fp8":      FormatFP8E5M2,
		"e5m2":     FormatFP8E5M2,
		"fp8_e4m3": FormatFP8E4M3,
	}
	for s, want := range cases {
		got, err := ParseFormat(s)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := ParseFormat("int4"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown format, got %v", err)
	}
}

func TestParseLayout(t *testing.T) {
	if l, err := ParseLayout("neox"); err != nil || l != LayoutSplitHalf {
		t.Errorf("ParseLayout(neox) = %v, %v", l, err)
	}
	if l, err := ParseLayout("gptj"); err != nil || l != LayoutPaired {
		t.Errorf("ParseLayout(gptj) = %v, %v", l, err)
	}
	if _, err := ParseLayout("interleaved"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unknown layout, got %v", err)
	}
}

func TestFormatProperties(t *testing.T) {
	if FormatF32.Narrow() || FormatF16.Narrow() {
		t.Error("wide formats reported narrow")
	}
	if !FormatFP8E5M2.Narrow() || !FormatFP8E4M3.Narrow() {
		t.Error("fp8 formats reported wide")
	}
	sizes := map[Format]int{FormatF32: 4, FormatF16: 2, FormatFP8E5M2: 1, FormatFP8E4M3: 1}
	for f, want := range sizes {
		if f.ElemSize() != want {
			t.Errorf("%s elem size = %d, want %d", f, f.ElemSize(), want)
		}
	}
}
