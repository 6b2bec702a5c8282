// Package stuff implements the downstream byte-stuffing consumer at its
// boundary: output words are serialized big-endian, every 0xFF data byte
// is followed by an inserted 0x00 so entropy-coded data can never alias
// a JPEG marker, and the final partial word is padded with 1-bits to a
// byte boundary.
package stuff

import (
	"fmt"
	"io"
)

// Writer consumes 32-bit output words and writes a stuffed byte stream.
// It implements the packer's WordSink. One writer per image; not safe
// for concurrent use (the mux emits from a single goroutine).
type Writer struct {
	w io.Writer

	bytesOut uint64
	stuffed  uint64
}

// NewWriter wraps w with JPEG byte stuffing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteWord writes one output word, MSB first, stuffing as needed.
func (s *Writer) WriteWord(word uint32) error {
	var buf [4]byte
	buf[0] = byte(word >> 24)
	buf[1] = byte(word >> 16)
	buf[2] = byte(word >> 8)
	buf[3] = byte(word)
	return s.writeStuffed(buf[:])
}

// CloseResidual writes the end-of-image partial word (MSB-aligned, count
// valid bits, 0–31), padding the last byte with 1-bits. A count of 0
// writes nothing. Call exactly once, after the last WriteWord.
func (s *Writer) CloseResidual(bits uint32, count int) error {
	if count == 0 {
		return nil
	}
	if count < 0 || count >= 32 {
		return fmt.Errorf("stuff: residual count %d out of range [0,31]", count)
	}

	// 1-fill the tail of the last occupied byte; untouched trailing
	// bytes are not written at all.
	nbytes := (count + 7) / 8
	padded := bits | (^uint32(0) >> uint(count))

	var buf [4]byte
	buf[0] = byte(padded >> 24)
	buf[1] = byte(padded >> 16)
	buf[2] = byte(padded >> 8)
	buf[3] = byte(padded)
	return s.writeStuffed(buf[:nbytes])
}

// BytesWritten returns the number of bytes written, stuffing included.
func (s *Writer) BytesWritten() uint64 { return s.bytesOut }

// Stuffed returns the number of inserted 0x00 bytes.
func (s *Writer) Stuffed() uint64 { return s.stuffed }

func (s *Writer) writeStuffed(p []byte) error {
	// Worst case doubles the length (all 0xFF).
	out := make([]byte, 0, len(p)*2)
	for _, b := range p {
		out = append(out, b)
		if b == 0xFF {
			out = append(out, 0x00)
			s.stuffed++
		}
	}
	if _, err := s.w.Write(out); err != nil {
		return fmt.Errorf("stuff: write: %w", err)
	}
	s.bytesOut += uint64(len(out))
	return nil
}
