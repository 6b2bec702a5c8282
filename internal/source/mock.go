package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/queue"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

// MockSource generates synthetic Huffman fragments for one channel.
//
// The shape approximates a real entropy coder's output: each block is a
// short run of fragments of irregular width (DC code, AC runs, EOB),
// ending with an EndOfBlock marker. Widths and payloads are drawn from a
// seeded RNG so runs are reproducible.
type MockSource struct {
	channel types.Channel
	blocks  int
	rng     *rand.Rand

	wg sync.WaitGroup

	mu            sync.RWMutex
	isRunning     bool
	fragsEmitted  uint64
	blocksEmitted uint64
}

// NewMockSource creates a mock source emitting the given number of
// blocks on the given channel. Sources for different channels should use
// distinct seeds so their cadences diverge, like real encoders.
func NewMockSource(channel types.Channel, blocks int, seed int64) *MockSource {
	return &MockSource{
		channel: channel,
		blocks:  blocks,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Start begins generating fragments into q
func (m *MockSource) Start(ctx context.Context, q *queue.Queue) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	m.isRunning = true
	m.mu.Unlock()

	slog.Debug("mock source starting",
		"channel", m.channel.String(),
		"blocks", m.blocks,
	)

	m.wg.Add(1)
	go m.generate(ctx, q)

	return nil
}

// Stop waits for the producer goroutine to exit
func (m *MockSource) Stop() error {
	m.wg.Wait()

	m.mu.Lock()
	m.isRunning = false
	m.mu.Unlock()

	return nil
}

// Emitted returns the number of fragments and blocks produced so far
func (m *MockSource) Emitted() (fragments, blocks uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fragsEmitted, m.blocksEmitted
}

func (m *MockSource) generate(ctx context.Context, q *queue.Queue) {
	defer m.wg.Done()
	defer q.Close()

	for b := 0; b < m.blocks; b++ {
		for _, f := range m.makeBlock() {
			if err := q.PushWait(ctx, f); err != nil {
				slog.Debug("mock source stopping early",
					"channel", m.channel.String(),
					"error", err,
				)
				return
			}
			m.mu.Lock()
			m.fragsEmitted++
			m.mu.Unlock()
		}
		m.mu.Lock()
		m.blocksEmitted++
		m.mu.Unlock()
	}

	slog.Debug("mock source finished",
		"channel", m.channel.String(),
		"blocks", m.blocksEmitted,
	)
}

// makeBlock builds one block's worth of fragments: 1–20 codewords of
// 1–32 bits, the last one flagged EndOfBlock.
func (m *MockSource) makeBlock() []types.Fragment {
	n := 1 + m.rng.Intn(20)
	frags := make([]types.Fragment, n)
	for i := range frags {
		count := 1 + m.rng.Intn(types.MaxFragmentBits)
		var mask uint32 = ^uint32(0)
		if count < 32 {
			mask = 1<<uint(count) - 1
		}
		frags[i] = types.Fragment{
			Bits:  m.rng.Uint32() & mask,
			Count: count,
		}
	}
	frags[n-1].EndOfBlock = true
	return frags
}
