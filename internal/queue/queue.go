// Package queue implements the bounded per-channel fragment FIFO sitting
// between a Huffman encoder (writer) and the packer (reader).
//
// Each queue has exactly one writer and one reader. The queue never
// reorders and never coalesces; FIFO order is the only guarantee it gives.
//
// Backpressure model:
//   - Push is non-blocking and fails with ErrQueueFull at capacity.
//     Under correct sizing this never fires; it indicates a configuration
//     error, not a data error.
//   - PushWait blocks until space is available (the normal producer path).
//   - Pop blocks while the queue is empty. An empty active queue suspends
//     the packer rather than letting it skip to another channel; the JPEG
//     interleave order is structural, so suspension is correct behavior.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

var (
	// ErrQueueFull is returned by Push when the queue is at capacity.
	// Treated as a fatal configuration error by the pipeline.
	ErrQueueFull = errors.New("fragment queue full")

	// ErrQueueEmpty is returned by TryPop when no fragment is pending.
	// A transient condition, not an error in the fatal sense.
	ErrQueueEmpty = errors.New("fragment queue empty")

	// ErrQueueClosed is returned once the queue is closed and fully
	// drained. It marks the end of the channel's fragment stream.
	ErrQueueClosed = errors.New("fragment queue closed")
)

// DefaultDepth is the default queue capacity in fragments.
//
// An 8×8 block encodes to at most 64 coefficient fragments; two blocks'
// worth per the sizing guidance leaves generous slack at 128.
const DefaultDepth = 128

// Stats is a snapshot of queue counters.
type Stats struct {
	// Channel this queue belongs to
	Channel types.Channel

	// Pushed is the total number of fragments accepted
	Pushed uint64

	// Popped is the total number of fragments consumed
	Popped uint64

	// HighWater is the maximum observed occupancy
	HighWater uint64

	// Closed reports whether the producer finished its stream
	Closed bool
}

// Queue is a bounded FIFO of fragments for one channel.
type Queue struct {
	ch      types.Channel
	frags   chan types.Fragment
	closeMu sync.Mutex
	closed  bool

	pushed    atomic.Uint64
	popped    atomic.Uint64
	highWater atomic.Uint64
}

// New creates a queue for the given channel. depth ≤ 0 selects DefaultDepth.
func New(ch types.Channel, depth int) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue{
		ch:    ch,
		frags: make(chan types.Fragment, depth),
	}
}

// Channel returns the color channel this queue carries.
func (q *Queue) Channel() types.Channel { return q.ch }

// Push enqueues a fragment without blocking. Returns ErrQueueFull if the
// queue is at capacity and ErrQueueClosed after Close.
func (q *Queue) Push(f types.Fragment) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.frags <- f:
		q.recordPush()
		return nil
	default:
		return ErrQueueFull
	}
}

// PushWait enqueues a fragment, blocking while the queue is full.
// Returns ctx.Err() if the context is cancelled first.
func (q *Queue) PushWait(ctx context.Context, f types.Fragment) error {
	// Fast path avoids the select setup when space is available.
	if err := q.Push(f); err != ErrQueueFull {
		return err
	}
	select {
	case q.frags <- f:
		q.recordPush()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest fragment, blocking while the queue is empty.
//
// Returns ErrQueueClosed once the queue is closed and drained, or
// ctx.Err() on cancellation. Fragments already queued at Close time are
// still delivered, in order, before ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (types.Fragment, error) {
	select {
	case f, ok := <-q.frags:
		if !ok {
			return types.Fragment{}, ErrQueueClosed
		}
		q.popped.Add(1)
		return f, nil
	case <-ctx.Done():
		return types.Fragment{}, ctx.Err()
	}
}

// TryPop dequeues without blocking. Returns ErrQueueEmpty when nothing is
// pending and ErrQueueClosed once closed and drained.
func (q *Queue) TryPop() (types.Fragment, error) {
	select {
	case f, ok := <-q.frags:
		if !ok {
			return types.Fragment{}, ErrQueueClosed
		}
		q.popped.Add(1)
		return f, nil
	default:
		return types.Fragment{}, ErrQueueEmpty
	}
}

// Close marks the end of the producer's fragment stream. Pending
// fragments remain poppable; after they drain, Pop returns
// ErrQueueClosed. Idempotent.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.frags)
}

// Len returns the current occupancy.
func (q *Queue) Len() int { return len(q.frags) }

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	return Stats{
		Channel:   q.ch,
		Pushed:    q.pushed.Load(),
		Popped:    q.popped.Load(),
		HighWater: q.highWater.Load(),
		Closed:    closed,
	}
}

func (q *Queue) recordPush() {
	q.pushed.Add(1)
	// Occupancy read races with the consumer; the high-water mark is a
	// monitoring figure, exactness is not required.
	occ := uint64(len(q.frags))
	for {
		cur := q.highWater.Load()
		if occ <= cur || q.highWater.CompareAndSwap(cur, occ) {
			return
		}
	}
}
