// Package types defines the shared data model of the bitstream packer:
// channels, encoded fragments and output words.
//
// A Fragment is the unit of exchange between a channel's Huffman encoder
// and the packer. Fragments are immutable once queued: the producer must
// not touch a Fragment after handing it to a queue.
package types

import (
	"errors"
	"fmt"
)

// Channel identifies one of the three JPEG color components.
type Channel int

const (
	// Y is the luminance channel (first in round-robin order)
	Y Channel = iota
	// Cb is the blue-difference chrominance channel
	Cb
	// Cr is the red-difference chrominance channel
	Cr

	// NumChannels is the number of interleaved channels
	NumChannels = 3
)

// String returns the conventional JPEG component name.
func (c Channel) String() string {
	switch c {
	case Y:
		return "Y"
	case Cb:
		return "Cb"
	case Cr:
		return "Cr"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Next returns the successor in fixed round-robin order Y → Cb → Cr → Y.
func (c Channel) Next() Channel {
	return (c + 1) % NumChannels
}

// MaxFragmentBits is the maximum payload width of a single fragment.
const MaxFragmentBits = 32

// ErrInvalidFragment is returned when a fragment's bit count is outside
// [1,32]. This is a producer contract violation and is never clamped or
// repaired; callers treat it as fatal.
var ErrInvalidFragment = errors.New("invalid fragment: bit count out of range [1,32]")

// Fragment is one variable-length Huffman-coded unit produced by a
// channel encoder.
type Fragment struct {
	// Bits holds the payload. Only the low Count bits are significant;
	// producers must leave the remaining high bits zero.
	Bits uint32

	// Count is the number of significant bits, in [1,32].
	Count int

	// EndOfBlock marks the last fragment of one 8×8 block. The packer
	// advances its round-robin selector after folding this fragment in.
	EndOfBlock bool
}

// Validate checks the producer contract. The packer calls this before
// touching its carry state so that a bad fragment leaves no trace.
func (f Fragment) Validate() error {
	if f.Count < 1 || f.Count > MaxFragmentBits {
		return fmt.Errorf("%w: count=%d", ErrInvalidFragment, f.Count)
	}
	return nil
}

// masked returns the payload with insignificant high bits cleared.
// Producers are supposed to send them zeroed already; masking here keeps
// a sloppy producer from corrupting the carry register.
func (f Fragment) masked() uint32 {
	if f.Count >= MaxFragmentBits {
		return f.Bits
	}
	return f.Bits & (1<<uint(f.Count) - 1)
}

// Payload returns the significant bits of the fragment, right-aligned.
func (f Fragment) Payload() uint32 {
	return f.masked()
}
