package rope

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/config"
)

func testConfig(headSize, rotaryDim int, layout config.Layout) config.Config {
	cfg := config.Default()
	cfg.NumHeads = 1
	cfg.HeadSize = headSize
	cfg.RotaryDim = rotaryDim
	cfg.MaxPosition = 4096
	cfg.NumBlocks = 1
	cfg.Layout = layout
	return cfg
}

// Reference rotation computed directly from the angle formula, float64
// throughout, independent of the table's precompute.
func refRotate(vec []float32, pos, rotaryDim int, base float64, layout config.Layout, inverse bool) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	half := rotaryDim / 2
	for i := 0; i < half; i++ {
		theta := float64(pos) * math.Pow(base, -2.0*float64(i)/float64(rotaryDim))
		cos, sin := math.Cos(theta), math.Sin(theta)
		if inverse {
			sin = -sin
		}
		var ia, ib int
		if layout == config.LayoutSplitHalf {
			ia, ib = i, i+half
		} else {
			ia, ib = 2*i, 2*i+1
		}
		a, b := float64(vec[ia]), float64(vec[ib])
		out[ia] = float32(a*cos - b*sin)
		out[ib] = float32(a*sin + b*cos)
	}
	return out
}

func randomVec(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestRotateMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, layout := range []config.Layout{config.LayoutSplitHalf, config.LayoutPaired} {
		cfg := testConfig(64, 32, layout)
		table, err := NewTable(cfg)
		if err != nil {
			t.Fatal(err)
		}
		for _, pos := range []int{0, 1, 5, 100, 4000, 4095} {
			vec := randomVec(rng, 64)
			got := table.Rotate(vec, pos)
			want := refRotate(vec, pos, 32, 10000.0, layout, false)
			for i := range got {
				if math.Abs(float64(got[i]-want[i])) > 1e-5 {
					t.Fatalf("%v pos %d dim %d: got %f, want %f", layout, pos, i, got[i], want[i])
				}
			}
		}
	}
}

func TestRotateDeterministic(t *testing.T) {
	table, err := NewTable(testConfig(64, 0, config.LayoutSplitHalf))
	if err != nil {
		t.Fatal(err)
	}
	vec := randomVec(rand.New(rand.NewSource(1)), 64)
	a := table.Rotate(vec, 1234)
	b := table.Rotate(vec, 1234)
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			t.Fatalf("dim %d: repeated rotation not bit-identical: %x vs %x",
				i, math.Float32bits(a[i]), math.Float32bits(b[i]))
		}
	}
}

func TestRotateBijection(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for _, layout := range []config.Layout{config.LayoutSplitHalf, config.LayoutPaired} {
		table, err := NewTable(testConfig(64, 32, layout))
		if err != nil {
			t.Fatal(err)
		}
		for _, pos := range []int{0, 17, 2048} {
			vec := randomVec(rng, 64)
			back := table.RotateInverse(table.Rotate(vec, pos), pos)
			for i := range vec {
				if math.Abs(float64(back[i]-vec[i])) > 1e-5 {
					t.Fatalf("%v pos %d dim %d: inverse did not recover %f, got %f",
						layout, pos, i, vec[i], back[i])
				}
			}
		}
	}
}

func TestTailPassthrough(t *testing.T) {
	table, err := NewTable(testConfig(64, 32, config.LayoutSplitHalf))
	if err != nil {
		t.Fatal(err)
	}
	vec := randomVec(rand.New(rand.NewSource(3)), 64)
	got := table.Rotate(vec, 777)
	for i := 32; i < 64; i++ {
		if math.Float32bits(got[i]) != math.Float32bits(vec[i]) {
			t.Fatalf("dim %d beyond rotary span changed: %f -> %f", i, vec[i], got[i])
		}
	}
}

func TestLayoutsDiffer(t *testing.T) {
	neox, err := NewTable(testConfig(64, 32, config.LayoutSplitHalf))
	if err != nil {
		t.Fatal(err)
	}
	gptj, err := NewTable(testConfig(64, 32, config.LayoutPaired))
	if err != nil {
		t.Fatal(err)
	}
	vec := randomVec(rand.New(rand.NewSource(5)), 64)
	a := neox.Rotate(vec, 50)
	b := gptj.Rotate(vec, 50)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("split-half and paired layouts produced identical rotations")
	}
}

func TestInPlaceApply(t *testing.T) {
	table, err := NewTable(testConfig(64, 32, config.LayoutPaired))
	if err != nil {
		t.Fatal(err)
	}
	vec := randomVec(rand.New(rand.NewSource(11)), 64)
	want := table.Rotate(vec, 31)
	got := make([]float32, 64)
	copy(got, vec)
	table.Apply(got, got, 31, false)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dim %d: in-place apply diverged: %f vs %f", i, got[i], want[i])
		}
	}
}

func TestDefaultRotaryDimIsFullHead(t *testing.T) {
	table, err := NewTable(testConfig(64, 0, config.LayoutSplitHalf))
	if err != nil {
		t.Fatal(err)
	}
	if table.RotaryDim() != 64 {
		t.Errorf("rotary dim = %d, want head size 64", table.RotaryDim())
	}
	vec := randomVec(rand.New(rand.NewSource(13)), 64)
	got := table.Rotate(vec, 9)
	changed := false
	for i := range vec {
		if got[i] != vec[i] {
			changed = true
		}
	}
	if !changed {
		t.Error("full-head rotation left the vector unchanged")
	}
}

func TestBuildRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"odd rotary dim", func(c *config.Config) { c.RotaryDim = 33 }},
		{"rotary dim exceeds head", func(c *config.Config) { c.RotaryDim = 96 }},
		{"zero max position", func(c *config.Config) { c.MaxPosition = 0 }},
		{"non-positive base", func(c *config.Config) { c.RopeBase = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(64, 32, config.LayoutSplitHalf)
			tc.mutate(&cfg)
			if _, err := NewTable(cfg); !errors.Is(err, config.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestCheckPosition(t *testing.T) {
	table, err := NewTable(testConfig(64, 32, config.LayoutSplitHalf))
	if err != nil {
		t.Fatal(err)
	}
	if err := table.CheckPosition(0); err != nil {
		t.Errorf("position 0 rejected: %v", err)
	}
	if err := table.CheckPosition(4095); err != nil {
		t.Errorf("last position rejected: %v", err)
	}
	if err := table.CheckPosition(-1); !errors.Is(err, ErrPositionOutOfRange) {
		t.Errorf("expected ErrPositionOutOfRange for -1, got %v", err)
	}
	if err := table.CheckPosition(4096); !errors.Is(err, ErrPositionOutOfRange) {
		t.Errorf("expected ErrPositionOutOfRange for max, got %v", err)
	}
}
