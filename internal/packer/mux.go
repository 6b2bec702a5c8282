package packer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/queue"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

// WordSink consumes finished output words, one call per word, in
// emission order. The call maps to the hardware's dataReady pulse: a
// single in-flight word, consumed exactly once.
//
// Implementations must not retain more than the word passed to the
// current call; the mux gives no buffering guarantees beyond that.
type WordSink interface {
	WriteWord(w uint32) error
}

// WordSinkFunc adapts a function to the WordSink interface.
type WordSinkFunc func(w uint32) error

func (f WordSinkFunc) WriteWord(w uint32) error { return f(w) }

// Tap observes fragments the instant they are consumed, in scheduler
// order. Used by the trace recorder; a nil tap costs nothing.
//
// OnFragment runs on the drain goroutine, so implementations must be
// quick and must not call back into the mux.
type Tap interface {
	OnFragment(ch types.Channel, f types.Fragment) error
}

// Result is the final accounting of one image's drain.
type Result struct {
	// Words is the number of full 32-bit words emitted
	Words uint64

	// ResidualBits is the final partial word, MSB-aligned (zero-padded
	// in the low bits). Meaningless when ResidualCount is 0.
	ResidualBits uint32

	// ResidualCount is the number of valid bits in ResidualBits, 0–31
	ResidualCount int

	// TotalBits is the sum of Count over every consumed fragment.
	// Always equals Words*32 + ResidualCount.
	TotalBits uint64

	// Blocks counts completed blocks per channel
	Blocks [types.NumChannels]uint64
}

// Stats is a point-in-time snapshot of mux progress.
type Stats struct {
	// Active is the channel currently being drained
	Active types.Channel

	// Fragments counts consumed fragments per channel
	Fragments [types.NumChannels]uint64

	// Blocks counts completed blocks per channel
	Blocks [types.NumChannels]uint64

	// Words is the number of full words emitted so far
	Words uint64

	// PendingBits is the current carry occupancy, 0–31
	PendingBits int
}

// Mux merges the three channel queues into a single word-aligned
// bitstream.
//
// Scheduling contract:
//   - Exactly one channel is active at a time, cycling Y → Cb → Cr → Y.
//   - The selector advances only after an end-of-block fragment has been
//     folded into the carry. Availability on other queues never matters;
//     an empty active queue suspends the drain loop (Pop blocks).
//   - Channel switches are invisible to the packing discipline: the
//     carry keeps accumulating across the switch, no flush, no padding.
//
// Lifecycle mirrors the other stages: New → Start(ctx) → Stop, with
// Result() readable once Done() is closed.
type Mux struct {
	queues [types.NumChannels]*queue.Queue
	sink   WordSink
	tap    Tap

	// drain-loop state, owned by drainLoop; mu guards the fields that
	// Stats() reads concurrently
	mu     sync.Mutex
	acc    Accumulator
	active types.Channel
	frags  [types.NumChannels]uint64
	blocks [types.NumChannels]uint64

	// open is true between the first fragment of a block and its
	// end-of-block marker; a queue closing while open means truncation
	open bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool

	done   chan struct{}
	result Result
	runErr error
}

// NewMux creates a mux draining the given queues into sink. The queues
// slot must be indexed by types.Channel (Y, Cb, Cr).
func NewMux(queues [types.NumChannels]*queue.Queue, sink WordSink) *Mux {
	return &Mux{
		queues: queues,
		sink:   sink,
		active: types.Y,
		done:   make(chan struct{}),
	}
}

// SetTap installs a fragment observer. Must be called before Start.
func (m *Mux) SetTap(t Tap) { m.tap = t }

// Start begins the drain loop. Non-blocking; the loop runs until the
// image completes, a fatal error surfaces, or the context is cancelled.
func (m *Mux) Start(ctx context.Context) error {
	m.startedMu.Lock()
	defer m.startedMu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.wg.Add(1)
	go m.drainLoop()
	return nil
}

// Stop cancels the drain loop and waits for it to exit. Idempotent.
// Cancellation mid-image discards pending queue contents and carry
// state; there is no partial-word recovery beyond Result's residual.
func (m *Mux) Stop() error {
	m.startedMu.Lock()
	if !m.started {
		m.startedMu.Unlock()
		return nil
	}
	m.startedMu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

// Done is closed when the drain loop has exited.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Result returns the final accounting. Valid only after Done() is
// closed; earlier calls return ErrNotFinished.
func (m *Mux) Result() (Result, error) {
	select {
	case <-m.done:
	default:
		return Result{}, ErrNotFinished
	}
	return m.result, m.runErr
}

// Stats returns a snapshot of current progress. Safe to call from any
// goroutine while the mux runs.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:      m.active,
		Fragments:   m.frags,
		Blocks:      m.blocks,
		Words:       m.acc.Words(),
		PendingBits: m.acc.PendingBits(),
	}
}

// drainLoop is the single consumer goroutine: pop from the active
// queue, fold into the carry, emit words, rotate on end-of-block.
func (m *Mux) drainLoop() {
	defer m.wg.Done()
	defer close(m.done)

	for {
		q := m.queues[m.active]
		f, err := q.Pop(m.ctx)
		if err != nil {
			m.finish(err)
			return
		}

		if err := m.fold(f); err != nil {
			m.fail(err)
			return
		}
	}
}

// fold runs one fragment through the accumulator and handles word
// emission and the round-robin rotation.
func (m *Mux) fold(f types.Fragment) error {
	m.mu.Lock()
	word, emitted, err := m.acc.Push(f)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.tap != nil {
		if err := m.tap.OnFragment(m.active, f); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("fragment tap: %w", err)
		}
	}
	m.frags[m.active]++
	m.open = true
	var rotate bool
	if f.EndOfBlock {
		m.blocks[m.active]++
		m.open = false
		rotate = true
	}
	m.mu.Unlock()

	if emitted {
		if err := m.sink.WriteWord(word); err != nil {
			return fmt.Errorf("word sink: %w", err)
		}
	}

	// Rotation happens only after the marker fragment is fully folded
	// in; the emitted word above may already contain the next channel's
	// boundary position, which is exactly the seamless-carry contract.
	if rotate {
		m.mu.Lock()
		m.active = m.active.Next()
		m.mu.Unlock()
	}
	return nil
}

// finish handles drain-loop exit on a queue error: a clean end of image
// (active queue closed at a block boundary, siblings drained and
// closed), a truncated stream, or plain cancellation.
func (m *Mux) finish(err error) {
	if !errors.Is(err, queue.ErrQueueClosed) {
		// Context cancellation: discard pending state, report as-is.
		m.runErr = err
		return
	}

	m.mu.Lock()
	if m.open {
		m.runErr = &MuxError{
			Channel: m.active,
			Block:   m.blocks[m.active],
			Err:     fmt.Errorf("%w: queue closed mid-block", ErrTruncatedStream),
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// Strict rotation can never revisit a sibling once the active queue
	// has ended, so a fragment still reachable there means the input was
	// unbalanced. A drained sibling is not necessarily flagged closed at
	// this instant: producers push their final fragment before a deferred
	// Close runs, and nothing orders that Close against the wrap-around
	// here. Popping settles each sibling without a race: a delivered
	// fragment is genuine truncation, ErrQueueClosed is a clean end, and
	// cancellation while waiting surfaces as-is.
	for c := m.active.Next(); c != m.active; c = c.Next() {
		_, perr := m.queues[c].Pop(m.ctx)
		switch {
		case perr == nil:
			m.mu.Lock()
			m.runErr = &MuxError{
				Channel: c,
				Block:   m.blocks[c],
				Err:     fmt.Errorf("%w: fragments unreachable after %s ended", ErrTruncatedStream, m.active),
			}
			m.mu.Unlock()
			return
		case errors.Is(perr, queue.ErrQueueClosed):
			// drained and closed
		default:
			m.runErr = perr
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bits, count := m.acc.Flush()
	m.result = Result{
		Words:         m.acc.Words(),
		ResidualBits:  bits,
		ResidualCount: count,
		TotalBits:     m.acc.TotalBits(),
		Blocks:        m.blocks,
	}

	slog.Debug("packer: image drained",
		"words", m.result.Words,
		"residual_bits", m.result.ResidualCount,
		"total_bits", m.result.TotalBits,
	)
}

// fail records a fatal packing error located at the current channel and
// block index.
func (m *Mux) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var merr *MuxError
	if errors.As(err, &merr) {
		m.runErr = err
		return
	}
	m.runErr = &MuxError{Channel: m.active, Block: m.blocks[m.active], Err: err}
	slog.Error("packer: fatal error",
		"channel", m.active.String(),
		"block", m.blocks[m.active],
		"error", err,
	)
}
