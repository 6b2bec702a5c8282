// Command muxsim runs the bitstream packer against synthetic Huffman
// fragment sources and writes the packed (optionally byte-stuffed)
// output. It can also capture a compressed fragment/word trace and
// verify a previously captured one.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/config"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/packer"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/pipeline"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/source"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/stuff"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/trace"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	seed := flag.Int64("seed", 0, "RNG seed for mock sources (overrides config; 0 = time-based)")
	blocks := flag.Int("blocks", 0, "Blocks per channel (overrides config)")
	out := flag.String("out", "", "Output path (overrides config; '-' = stdout)")
	tracePath := flag.String("trace", "", "Capture trace to this path (overrides config)")
	verify := flag.String("verify", "", "Verify a captured trace and exit")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if *verify != "" {
		os.Exit(verifyTrace(*verify))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *seed, *blocks, *out, *tracePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()

		// Force exit if the pipeline does not unwind in time.
		timeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
		time.Sleep(timeout)
		slog.Error("graceful shutdown timed out", "timeout", timeout.String())
		os.Exit(1)
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyOverrides(cfg *config.Config, seed int64, blocks int, out, tracePath string) {
	if seed != 0 {
		cfg.Source.Seed = seed
	}
	if cfg.Source.Seed == 0 {
		cfg.Source.Seed = time.Now().UnixNano()
	}
	if blocks > 0 {
		cfg.Source.Blocks = blocks
	}
	if out != "" {
		cfg.Output.Path = out
	}
	if tracePath != "" {
		cfg.Trace.Enabled = true
		cfg.Trace.Path = tracePath
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	outW, closeOut, err := openOutput(cfg.Output.Path)
	if err != nil {
		return err
	}
	defer closeOut()

	var sink packer.WordSink
	var stuffer *stuff.Writer
	if cfg.Output.Stuffed {
		stuffer = stuff.NewWriter(outW)
		sink = stuffer
	} else {
		sink = rawSink{w: outW}
	}

	var traceW io.WriteCloser
	if cfg.Trace.Enabled {
		f, err := os.Create(cfg.Trace.Path)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		traceW = f
	}

	// Distinct seeds per channel so the three producers run at the
	// irregular, divergent cadences real encoders show.
	var sources [types.NumChannels]source.FragmentSource
	for c := types.Channel(0); c < types.NumChannels; c++ {
		sources[c] = source.NewMockSource(c, cfg.Source.Blocks, cfg.Source.Seed+int64(c)*7919)
	}

	var tw io.Writer
	if traceW != nil {
		tw = traceW
	}
	p, err := pipeline.New(cfg, sources, sink, tw)
	if err != nil {
		return err
	}

	result, err := p.Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("simulation complete",
		"run_id", p.RunID().String(),
		"words", result.Words,
		"residual_bits", result.ResidualCount,
		"total_bits", result.TotalBits,
	)
	if stuffer != nil {
		slog.Info("byte stuffing",
			"bytes_out", stuffer.BytesWritten(),
			"zero_bytes_inserted", stuffer.Stuffed(),
		)
	}
	return nil
}

func verifyTrace(path string) int {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("failed to open trace", "path", path, "error", err)
		return 1
	}
	defer f.Close()

	r, err := trace.NewReader(f)
	if err != nil {
		slog.Error("failed to read trace header", "error", err)
		return 1
	}
	defer r.Close()

	res, err := trace.Verify(r)
	if err != nil {
		slog.Error("trace verification failed",
			"run_id", r.RunID().String(),
			"error", err,
		)
		return 1
	}

	slog.Info("trace verified",
		"run_id", r.RunID().String(),
		"fragments", res.Fragments,
		"words", res.Words,
		"total_bits", res.TotalBits,
	)
	return 0
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// rawSink writes words big-endian with no stuffing.
type rawSink struct {
	w io.Writer
}

func (s rawSink) WriteWord(word uint32) error {
	var buf [4]byte
	buf[0] = byte(word >> 24)
	buf[1] = byte(word >> 16)
	buf[2] = byte(word >> 8)
	buf[3] = byte(word)
	_, err := s.w.Write(buf[:])
	return err
}

// CloseResidual writes the final partial word's occupied bytes,
// zero-padded, so raw output still carries every valid bit.
func (s rawSink) CloseResidual(bits uint32, count int) error {
	if count == 0 {
		return nil
	}
	nbytes := (count + 7) / 8
	var buf [4]byte
	buf[0] = byte(bits >> 24)
	buf[1] = byte(bits >> 16)
	buf[2] = byte(bits >> 8)
	buf[3] = byte(bits)
	_, err := s.w.Write(buf[:nbytes])
	return err
}
