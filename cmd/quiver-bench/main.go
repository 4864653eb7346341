package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/kernel"
	"github.com/23skdu/longbow-quiver/internal/kvcache"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/rope"
)

func main() {
	numHeads := flag.Int("heads", 8, "Attention heads per token")
	headSize := flag.Int("head-size", 128, "Elements per head vector")
	rotaryDim := flag.Int("rotary-dim", 0, "Rotated span (0 = full head)")
	maxPosition := flag.Int("max-position", 8192, "Positions covered by the rotary table")
	base := flag.Float64("base", 10000.0, "Rotary base frequency")
	layoutStr := flag.String("layout", "split-half", "Rotation layout: split-half | paired")
	blockSize := flag.Int("block-size", 16, "Slots per block")
	numBlocks := flag.Int("blocks", 1024, "Blocks in the pool")
	formatStr := flag.String("format", "f32", "Cache format: f32 | f16 | fp8_e5m2 | fp8_e4m3")
	scale := flag.Float64("scale", 1.0, "Quantization scale factor for narrow formats")
	tokens := flag.Int("tokens", 256, "Tokens per fused batch")
	batches := flag.Int("batches", 100, "Fused batches to run")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	logLevel := flag.String("log-level", "INFO", "Log level")
	flag.Parse()

	logger.Setup(*logLevel, "console")

	layout, err := config.ParseLayout(*layoutStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	format, err := config.ParseFormat(*formatStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.NumHeads = *numHeads
	cfg.HeadSize = *headSize
	cfg.RotaryDim = *rotaryDim
	cfg.MaxPosition = *maxPosition
	cfg.RopeBase = float32(*base)
	cfg.Layout = layout
	cfg.BlockSize = *blockSize
	cfg.NumBlocks = *numBlocks
	cfg.Format = format
	cfg.KVScale = float32(*scale)

	if *tokens > cfg.NumSlots() {
		fmt.Fprintf(os.Stderr, "Error: %d tokens exceed %d slots\n", *tokens, cfg.NumSlots())
		os.Exit(1)
	}

	fmt.Printf("=== Longbow-Quiver Fused Cache-Write Benchmark ===\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("NumCPU: %d\n", runtime.NumCPU())
	fmt.Printf("Heads: %d, HeadSize: %d, RotaryDim: %d, Layout: %s\n",
		cfg.NumHeads, cfg.HeadSize, cfg.EffectiveRotaryDim(), cfg.Layout)
	fmt.Printf("Blocks: %d x %d slots, Format: %s, Scale: %.2f\n",
		cfg.NumBlocks, cfg.BlockSize, cfg.Format, cfg.KVScale)
	fmt.Printf("Batch: %d tokens x %d batches\n", *tokens, *batches)
	fmt.Println()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics listener starting", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Log.Error("metrics listener failed", "error", err)
			}
		}()
	}

	table, err := rope.NewTable(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build rotary table: %v\n", err)
		os.Exit(1)
	}
	store, err := kvcache.NewStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to allocate store: %v\n", err)
		os.Exit(1)
	}
	defer store.Free()
	fused, err := kernel.New(table, store, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build fused kernel: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(0))
	width := cfg.NumHeads * cfg.HeadSize
	positions := make([]int, *tokens)
	slots := make([]kvcache.Slot, *tokens)
	queries := make([][]float32, *tokens)
	keys := make([][]float32, *tokens)
	values := make([][]float32, *tokens)
	perm := rng.Perm(cfg.NumSlots())
	for t := 0; t < *tokens; t++ {
		positions[t] = rng.Intn(cfg.MaxPosition)
		slots[t] = kvcache.Slot(perm[t])
		queries[t] = randomVec(rng, width)
		keys[t] = randomVec(rng, width)
		values[t] = randomVec(rng, width)
	}

	start := time.Now()
	for b := 0; b < *batches; b++ {
		if _, err := fused.RotateAndCache(positions, queries, keys, values, slots); err != nil {
			fmt.Fprintf(os.Stderr, "Fused write failed: %v\n", err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)

	total := *tokens * *batches
	fmt.Printf("Wrote %d tokens in %v\n", total, elapsed)
	fmt.Printf("Throughput: %.0f tokens/sec\n", float64(total)/elapsed.Seconds())
	fmt.Printf("Per-batch latency: %v\n", elapsed/time.Duration(*batches))
	fmt.Printf("Pool footprint: %d MB\n", int64(store.BytesPerSlot())*int64(store.Capacity())/(1024*1024))
}

func randomVec(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}
