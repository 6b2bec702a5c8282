package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/config"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/packer"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/pipeline"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/queue"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/source"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/testutil"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/trace"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

const testSeedBase = 20240817

func testConfig(blocks int) *config.Config {
	cfg := config.Default()
	cfg.Source.Blocks = blocks
	return cfg
}

func mockSources(blocks int) [types.NumChannels]source.FragmentSource {
	var srcs [types.NumChannels]source.FragmentSource
	for c := types.Channel(0); c < types.NumChannels; c++ {
		srcs[c] = source.NewMockSource(c, blocks, testSeedBase+int64(c))
	}
	return srcs
}

// replaySourceFragments re-runs a channel's mock source with the same
// seed, standalone, to get the exact fragment stream the pipeline saw.
func replaySourceFragments(t *testing.T, c types.Channel, blocks int) [][]types.Fragment {
	t.Helper()
	q := queue.New(c, 4096)
	src := source.NewMockSource(c, blocks, testSeedBase+int64(c))
	if err := src.Start(context.Background(), q); err != nil {
		t.Fatalf("replay source start: %v", err)
	}

	var blk []types.Fragment
	var out [][]types.Fragment
	ctx := context.Background()
	for {
		f, err := q.Pop(ctx)
		if errors.Is(err, queue.ErrQueueClosed) {
			break
		}
		if err != nil {
			t.Fatalf("replay source pop: %v", err)
		}
		blk = append(blk, f)
		if f.EndOfBlock {
			out = append(out, blk)
			blk = nil
		}
	}
	src.Stop()
	return out
}

// TestPipelineEndToEnd runs three concurrent mock encoders through the
// full stage and checks the output against an independently rebuilt
// reference bitstream in strict per-block interleave order.
func TestPipelineEndToEnd(t *testing.T) {
	const blocks = 40
	cfg := testConfig(blocks)

	sink := &testutil.CollectSink{}
	p, err := pipeline.New(cfg, mockSources(blocks), sink, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Rebuild the reference stream from the deterministic sources.
	var perChannel [types.NumChannels][][]types.Fragment
	for c := types.Channel(0); c < types.NumChannels; c++ {
		perChannel[c] = replaySourceFragments(t, c, blocks)
		if len(perChannel[c]) != blocks {
			t.Fatalf("channel %s replay has %d blocks, want %d", c, len(perChannel[c]), blocks)
		}
	}

	var want testutil.BitBuffer
	for b := 0; b < blocks; b++ {
		for c := types.Channel(0); c < types.NumChannels; c++ {
			for _, f := range perChannel[c][b] {
				want.Append(f.Payload(), f.Count)
			}
		}
	}

	var got testutil.BitBuffer
	for _, w := range sink.Words {
		got.Append(w, 32)
	}
	if result.ResidualCount > 0 {
		got.Append(result.ResidualBits>>uint(32-result.ResidualCount), result.ResidualCount)
	}

	if !got.Equal(&want) {
		t.Fatalf("pipeline output differs from reference (got %d bits, want %d)", got.Len(), want.Len())
	}
	if result.TotalBits != result.Words*packer.WordBits+uint64(result.ResidualCount) {
		t.Errorf("bit ledger broken: total=%d words=%d residual=%d",
			result.TotalBits, result.Words, result.ResidualCount)
	}

	for _, qs := range p.QueueStats() {
		if qs.Pushed != qs.Popped {
			t.Errorf("channel %s queue drained %d of %d fragments", qs.Channel, qs.Popped, qs.Pushed)
		}
	}
}

// TestPipelineTraceVerifies captures a trace during a run and verifies
// the replay reproduces the recorded word stream bit for bit.
func TestPipelineTraceVerifies(t *testing.T) {
	const blocks = 15
	cfg := testConfig(blocks)

	var traceBuf bytes.Buffer
	sink := &testutil.CollectSink{}
	p, err := pipeline.New(cfg, mockSources(blocks), sink, &traceBuf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r, err := trace.NewReader(&traceBuf)
	if err != nil {
		t.Fatalf("trace reader: %v", err)
	}
	defer r.Close()

	if r.RunID() != p.RunID() {
		t.Errorf("trace run id = %s, want %s", r.RunID(), p.RunID())
	}

	res, err := trace.Verify(r)
	if err != nil {
		t.Fatalf("trace verification failed: %v", err)
	}
	if res.Words != result.Words {
		t.Errorf("trace has %d words, pipeline emitted %d", res.Words, result.Words)
	}
	if res.TotalBits != result.TotalBits {
		t.Errorf("trace total bits = %d, pipeline = %d", res.TotalBits, result.TotalBits)
	}
}

// TestPipelineCancellation verifies a cancelled run shuts down cleanly
// and reports the cancellation instead of hanging.
func TestPipelineCancellation(t *testing.T) {
	cfg := testConfig(1_000_000) // far more than we will let finish

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	p, err := pipeline.New(cfg, mockSources(1_000_000), &testutil.CollectSink{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if runErr == nil {
		t.Error("Run returned nil after cancellation, want error")
	}
}

// TestPipelineResidualToSink verifies a residual-capable sink receives
// the final partial word exactly once.
func TestPipelineResidualToSink(t *testing.T) {
	const blocks = 3
	cfg := testConfig(blocks)

	sink := &residualSink{}
	p, err := pipeline.New(cfg, mockSources(blocks), sink, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sink.closes != 1 {
		t.Fatalf("CloseResidual called %d times, want 1", sink.closes)
	}
	if sink.count != result.ResidualCount || sink.bits != result.ResidualBits {
		t.Errorf("sink residual = %#08x/%d, result = %#08x/%d",
			sink.bits, sink.count, result.ResidualBits, result.ResidualCount)
	}
}

type residualSink struct {
	testutil.CollectSink
	bits   uint32
	count  int
	closes int
}

func (s *residualSink) CloseResidual(bits uint32, count int) error {
	s.bits = bits
	s.count = count
	s.closes++
	return nil
}
