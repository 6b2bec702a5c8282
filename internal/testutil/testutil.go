// Package testutil holds small helpers shared by the bitstream tests.
package testutil

import "bytes"

// BitBuffer is a bit-at-a-time reference collector, deliberately naive
// so it shares no arithmetic with the accumulator under test.
type BitBuffer struct {
	data []byte
	n    int
}

// Append pushes the low count bits of bits, most significant first.
func (b *BitBuffer) Append(bits uint32, count int) {
	for i := count - 1; i >= 0; i-- {
		if b.n%8 == 0 {
			b.data = append(b.data, 0)
		}
		if (bits>>uint(i))&1 != 0 {
			b.data[b.n/8] |= 1 << uint(7-b.n%8)
		}
		b.n++
	}
}

// Len returns the number of bits appended so far.
func (b *BitBuffer) Len() int { return b.n }

// Equal reports whether both buffers hold the same bit sequence.
func (b *BitBuffer) Equal(o *BitBuffer) bool {
	return b.n == o.n && bytes.Equal(b.data, o.data)
}

// CollectSink gathers emitted words for comparison.
type CollectSink struct {
	Words []uint32
}

func (s *CollectSink) WriteWord(w uint32) error {
	s.Words = append(s.Words, w)
	return nil
}
