// Package trace records the packer's inputs and outputs to a compressed
// stream and replays them. A trace captures every consumed fragment (in
// scheduler order), every emitted word, and the final residual, which is
// enough to re-run the packing discipline offline and diff it against a
// reference encoder when hunting hardware/software divergence.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

// Stream framing: a fixed header followed by tagged records. All
// multi-byte integers are big-endian, matching the bitstream's own MSB
// discipline.
const (
	magic   = "JMX1"
	tagFrag = 0x01
	tagWord = 0x02
	tagEnd  = 0x03
)

var (
	// ErrBadHeader is returned when the stream does not start with the
	// trace magic.
	ErrBadHeader = errors.New("trace: bad header")

	// ErrCorrupt is returned on an unknown record tag or a short record.
	ErrCorrupt = errors.New("trace: corrupt record")
)

// RecordKind discriminates replayed records.
type RecordKind int

const (
	// KindFragment is a fragment consumed by the packer
	KindFragment RecordKind = iota
	// KindWord is an emitted 32-bit output word
	KindWord
	// KindEnd is the end-of-image residual
	KindEnd
)

// Record is one replayed trace entry.
type Record struct {
	Kind     RecordKind
	Channel  types.Channel  // KindFragment only
	Fragment types.Fragment // KindFragment only
	Word     uint32         // KindWord only
	Residual uint32         // KindEnd: MSB-aligned partial word
	Count    int            // KindEnd: valid bits in Residual, 0–31
}

// Recorder appends trace records to a zstd-compressed stream.
// Safe for use from the mux goroutine plus a residual writer; a mutex
// keeps records whole.
type Recorder struct {
	mu  sync.Mutex
	enc *zstd.Encoder
}

// NewRecorder writes a trace header for the given run onto w and
// returns a recorder. Close flushes; the caller owns closing w itself.
func NewRecorder(w io.Writer, runID uuid.UUID) (*Recorder, error) {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	)
	if err != nil {
		return nil, fmt.Errorf("trace: zstd writer: %w", err)
	}
	if _, err := enc.Write([]byte(magic)); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	if _, err := enc.Write(runID[:]); err != nil {
		return nil, fmt.Errorf("trace: write run id: %w", err)
	}
	return &Recorder{enc: enc}, nil
}

// Fragment records one consumed fragment in scheduler order.
func (r *Recorder) Fragment(ch types.Channel, f types.Fragment) error {
	var buf [8]byte
	buf[0] = tagFrag
	buf[1] = byte(ch)
	buf[2] = byte(f.Count)
	if f.EndOfBlock {
		buf[3] = 1
	}
	binary.BigEndian.PutUint32(buf[4:], f.Bits)
	return r.write(buf[:])
}

// Word records one emitted output word.
func (r *Recorder) Word(w uint32) error {
	var buf [5]byte
	buf[0] = tagWord
	binary.BigEndian.PutUint32(buf[1:], w)
	return r.write(buf[:])
}

// End records the end-of-image residual and its valid-bit count.
func (r *Recorder) End(residual uint32, count int) error {
	var buf [6]byte
	buf[0] = tagEnd
	buf[1] = byte(count)
	binary.BigEndian.PutUint32(buf[2:], residual)
	return r.write(buf[:])
}

// Close flushes the compressed stream.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Close()
}

func (r *Recorder) write(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.enc.Write(b); err != nil {
		return fmt.Errorf("trace: write record: %w", err)
	}
	return nil
}

// Reader replays a recorded trace.
type Reader struct {
	dec   *zstd.Decoder
	runID uuid.UUID
}

// NewReader validates the trace header and returns a reader.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("trace: zstd reader: %w", err)
	}
	var hdr [4 + 16]byte
	if _, err := io.ReadFull(dec, hdr[:]); err != nil {
		dec.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if string(hdr[:4]) != magic {
		dec.Close()
		return nil, ErrBadHeader
	}
	rd := &Reader{dec: dec}
	copy(rd.runID[:], hdr[4:])
	return rd, nil
}

// RunID returns the run identifier stamped into the trace header.
func (r *Reader) RunID() uuid.UUID { return r.runID }

// Next returns the next record, or io.EOF at a clean end of stream.
func (r *Reader) Next() (Record, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r.dec, tag[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	switch tag[0] {
	case tagFrag:
		var buf [7]byte
		if _, err := io.ReadFull(r.dec, buf[:]); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return Record{
			Kind:    KindFragment,
			Channel: types.Channel(buf[0]),
			Fragment: types.Fragment{
				Count:      int(buf[1]),
				EndOfBlock: buf[2] != 0,
				Bits:       binary.BigEndian.Uint32(buf[3:]),
			},
		}, nil
	case tagWord:
		var buf [4]byte
		if _, err := io.ReadFull(r.dec, buf[:]); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return Record{Kind: KindWord, Word: binary.BigEndian.Uint32(buf[:])}, nil
	case tagEnd:
		var buf [5]byte
		if _, err := io.ReadFull(r.dec, buf[:]); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return Record{
			Kind:     KindEnd,
			Count:    int(buf[0]),
			Residual: binary.BigEndian.Uint32(buf[1:]),
		}, nil
	default:
		return Record{}, fmt.Errorf("%w: tag 0x%02x", ErrCorrupt, tag[0])
	}
}

// Close releases the decoder.
func (r *Reader) Close() { r.dec.Close() }
