// Package packer implements the core of the bitstream stage: the bit
// accumulator (carry register) and the round-robin multiplexer that
// merges the three channel queues into one word-aligned output stream.
//
// The hardware this models packs variable-length Huffman codewords with
// a cascade of fixed power-of-two shifts (16, 8, 4, 2, 1) to avoid a
// barrel shifter. That decomposition is a synthesis artifact, not an
// algorithm; here the same packing discipline is ordinary wide-integer
// shift/mask arithmetic on a uint64.
package packer

import (
	"fmt"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

// WordBits is the width of an output word.
const WordBits = 32

// Accumulator is the packer's sole persistent state: up to 31 pending
// bits that have not yet filled an output word.
//
// Representation: the low `count` bits of `bits` are valid, with the
// oldest bit (the one closest to the output) most significant among
// them. A fragment is folded in by shifting the carry left by the
// fragment's width and OR-ing the payload underneath, so the combined
// value is at most 31+32 = 63 bits wide and always fits a uint64.
//
// Invariant: after every Push, 0 ≤ count < 32. A combined width of 32 or
// more emits a word in the same step, so count never rests at 32.
//
// Not safe for concurrent use; the mux owns one accumulator and drives
// it from a single goroutine.
type Accumulator struct {
	bits  uint64
	count int

	totalBits uint64
	words     uint64
}

// Push folds one fragment into the carry register.
//
// Returns (word, true, nil) when the combined width reached 32 and a
// word was cut, or (0, false, nil) when the fragment fit entirely in the
// carry. An invalid fragment returns ErrInvalidFragment and leaves the
// carry untouched.
func (a *Accumulator) Push(f types.Fragment) (word uint32, emitted bool, err error) {
	if err := f.Validate(); err != nil {
		return 0, false, err
	}

	combined := a.bits<<uint(f.Count) | uint64(f.Payload())
	width := a.count + f.Count
	a.totalBits += uint64(f.Count)

	if width < WordBits {
		a.bits = combined
		a.count = width
		return 0, false, nil
	}

	// Cut the oldest 32 bits; the remainder becomes the new carry.
	rem := width - WordBits
	word = uint32(combined >> uint(rem))
	a.bits = combined & (1<<uint(rem) - 1)
	a.count = rem
	a.words++
	return word, true, nil
}

// Flush returns the residual partial word at end of image, MSB-aligned
// in a uint32, together with its valid-bit count (0–31). The carry is
// reset. With an empty carry it returns (0, 0).
func (a *Accumulator) Flush() (bits uint32, count int) {
	if a.count == 0 {
		return 0, 0
	}
	bits = uint32(a.bits) << uint(WordBits-a.count)
	count = a.count
	a.bits = 0
	a.count = 0
	return bits, count
}

// PendingBits returns the number of valid bits currently in the carry.
func (a *Accumulator) PendingBits() int { return a.count }

// TotalBits returns the number of fragment bits consumed so far.
// Conservation check: TotalBits == Words*32 + PendingBits at all times.
func (a *Accumulator) TotalBits() uint64 { return a.totalBits }

// Words returns the number of full output words cut so far.
func (a *Accumulator) Words() uint64 { return a.words }

// checkConservation panics if the bit ledger no longer balances. Called
// from tests; corruption here means a bug in Push, nothing upstream.
func (a *Accumulator) checkConservation() {
	if a.totalBits != a.words*WordBits+uint64(a.count) {
		panic(fmt.Sprintf("accumulator ledger broken: total=%d words=%d pending=%d",
			a.totalBits, a.words, a.count))
	}
}
