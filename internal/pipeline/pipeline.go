// Package pipeline wires the stage together: three fragment sources,
// their queues, the round-robin mux, and the word sink, with optional
// trace capture. It owns startup order, graceful shutdown order, and
// periodic stats logging.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/config"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/packer"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/queue"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/source"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/trace"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

// statsInterval is the period of the progress log line while running.
const statsInterval = 10 * time.Second

// ResidualSink is implemented by sinks that can take the end-of-image
// partial word (the stuffing writer does). Sinks without it simply never
// see the residual bytes; the Result still reports them.
type ResidualSink interface {
	CloseResidual(bits uint32, count int) error
}

// Pipeline is the assembled bitstream stage for one image.
type Pipeline struct {
	cfg   *config.Config
	runID uuid.UUID

	sources [types.NumChannels]source.FragmentSource
	queues  [types.NumChannels]*queue.Queue
	mux     *packer.Mux
	sink    packer.WordSink
	rec     *trace.Recorder
}

// New assembles a pipeline from configuration. sources must be indexed
// by channel; sink receives the output words. traceW, when non-nil,
// receives the compressed fragment/word trace (the caller closes it).
func New(cfg *config.Config, sources [types.NumChannels]source.FragmentSource, sink packer.WordSink, traceW io.Writer) (*Pipeline, error) {
	p := &Pipeline{
		cfg:     cfg,
		runID:   uuid.New(),
		sources: sources,
		sink:    sink,
	}
	if cfg.InstanceID != "" {
		// Keep the configured ID visible while still getting a unique
		// run ID per image.
		slog.Info("pipeline: configured instance", "instance_id", cfg.InstanceID)
	}

	for c := types.Channel(0); c < types.NumChannels; c++ {
		p.queues[c] = queue.New(c, cfg.Queues.Depth)
	}

	muxSink := sink
	if traceW != nil {
		rec, err := trace.NewRecorder(traceW, p.runID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: trace recorder: %w", err)
		}
		p.rec = rec
		muxSink = &recordingSink{next: sink, rec: rec}
	}

	p.mux = packer.NewMux(p.queues, muxSink)
	if p.rec != nil {
		p.mux.SetTap(&recordingTap{rec: p.rec})
	}
	return p, nil
}

// RunID returns the unique identifier of this image run.
func (p *Pipeline) RunID() uuid.UUID { return p.runID }

// Run processes one image: starts producers and the mux, waits for the
// drain to finish, and hands the residual to the sink. Blocks until
// completion, fatal error, or ctx cancellation.
func (p *Pipeline) Run(ctx context.Context) (packer.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("pipeline: starting",
		"run_id", p.runID.String(),
		"queue_depth", p.cfg.Queues.Depth,
		"trace", p.rec != nil,
	)

	for c := types.Channel(0); c < types.NumChannels; c++ {
		if err := p.sources[c].Start(ctx, p.queues[c]); err != nil {
			return packer.Result{}, fmt.Errorf("pipeline: start %s source: %w", c, err)
		}
	}

	if err := p.mux.Start(ctx); err != nil {
		return packer.Result{}, fmt.Errorf("pipeline: start mux: %w", err)
	}

	// Progress logging until the drain loop exits.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.logStats(ctx)
	}()

	select {
	case <-p.mux.Done():
	case <-ctx.Done():
	}

	// Shutdown order matters: producers first (they stop pushing and
	// close their queues), then the mux, then the post-run bookkeeping.
	cancel()
	for c := types.Channel(0); c < types.NumChannels; c++ {
		if err := p.sources[c].Stop(); err != nil {
			slog.Error("pipeline: source stop failed", "channel", c.String(), "error", err)
		}
	}
	if err := p.mux.Stop(); err != nil {
		slog.Error("pipeline: mux stop failed", "error", err)
	}
	wg.Wait()

	result, err := p.mux.Result()
	if err != nil {
		p.closeTrace()
		return result, err
	}

	if p.rec != nil {
		if terr := p.rec.End(result.ResidualBits, result.ResidualCount); terr != nil {
			slog.Error("pipeline: trace end record failed", "error", terr)
		}
	}
	p.closeTrace()

	if rs, ok := p.sink.(ResidualSink); ok {
		if err := rs.CloseResidual(result.ResidualBits, result.ResidualCount); err != nil {
			return result, fmt.Errorf("pipeline: residual: %w", err)
		}
	}

	slog.Info("pipeline: finished",
		"run_id", p.runID.String(),
		"words", result.Words,
		"residual_bits", result.ResidualCount,
		"total_bits", result.TotalBits,
		"blocks_y", result.Blocks[types.Y],
		"blocks_cb", result.Blocks[types.Cb],
		"blocks_cr", result.Blocks[types.Cr],
	)
	return result, nil
}

// QueueStats returns a snapshot of all three queues.
func (p *Pipeline) QueueStats() [types.NumChannels]queue.Stats {
	var out [types.NumChannels]queue.Stats
	for c := types.Channel(0); c < types.NumChannels; c++ {
		out[c] = p.queues[c].Stats()
	}
	return out
}

func (p *Pipeline) closeTrace() {
	if p.rec == nil {
		return
	}
	if err := p.rec.Close(); err != nil {
		slog.Error("pipeline: trace close failed", "error", err)
	}
}

func (p *Pipeline) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.mux.Done():
			return
		case <-ticker.C:
			st := p.mux.Stats()
			slog.Info("pipeline: progress",
				"active", st.Active.String(),
				"words", st.Words,
				"pending_bits", st.PendingBits,
				"blocks_y", st.Blocks[types.Y],
				"blocks_cb", st.Blocks[types.Cb],
				"blocks_cr", st.Blocks[types.Cr],
			)
			for _, qs := range p.QueueStats() {
				slog.Debug("pipeline: queue",
					"channel", qs.Channel.String(),
					"pushed", qs.Pushed,
					"popped", qs.Popped,
					"high_water", qs.HighWater,
				)
			}
		}
	}
}

// recordingSink forwards words to the real sink after capturing them.
type recordingSink struct {
	next packer.WordSink
	rec  *trace.Recorder
}

func (s *recordingSink) WriteWord(w uint32) error {
	if err := s.rec.Word(w); err != nil {
		return err
	}
	return s.next.WriteWord(w)
}

// recordingTap captures consumed fragments in scheduler order.
type recordingTap struct {
	rec *trace.Recorder
}

func (t *recordingTap) OnFragment(ch types.Channel, f types.Fragment) error {
	return t.rec.Fragment(ch, f)
}
