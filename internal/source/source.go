// Package source provides fragment producers for the sim harness and
// tests. The real producers are the per-channel Huffman encoders, which
// sit outside this stage; a FragmentSource models their boundary: a
// FIFO-ordered stream of fragments with end-of-block markers.
package source

import (
	"context"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/queue"
)

// FragmentSource feeds one channel's queue with encoded fragments.
//
// Implementations must guarantee:
//   - Start() returns immediately (non-blocking)
//   - fragments are pushed in production order, blocking on backpressure
//   - the queue is closed exactly once, after the last fragment
//   - Stop() is idempotent
type FragmentSource interface {
	// Start begins producing into q. The source owns q's writer side
	// and closes it when the stream ends or ctx is cancelled.
	Start(ctx context.Context, q *queue.Queue) error

	// Stop waits for the producer goroutine to exit.
	Stop() error
}
