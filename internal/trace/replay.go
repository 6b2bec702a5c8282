package trace

import (
	"errors"
	"fmt"
	"io"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/packer"
)

// ErrDivergence is returned by Verify when re-packing a trace's
// fragments does not reproduce its recorded words.
var ErrDivergence = errors.New("trace: replay diverged from recorded output")

// VerifyResult summarizes a replay.
type VerifyResult struct {
	Fragments uint64
	Words     uint64
	TotalBits uint64
}

// Verify replays a trace's fragments through a fresh accumulator and
// checks every recorded word and the final residual against what the
// packing discipline actually produces. A mismatch pinpoints either a
// corrupted capture or a divergence between this implementation and
// whatever produced the trace.
func Verify(r *Reader) (VerifyResult, error) {
	var (
		acc packer.Accumulator
		res VerifyResult
		// words cut by the accumulator, not yet matched to records
		pending []uint32
		ended   bool
	)

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		if ended {
			return res, fmt.Errorf("%w: record after end marker", ErrCorrupt)
		}

		switch rec.Kind {
		case KindFragment:
			word, emitted, err := acc.Push(rec.Fragment)
			if err != nil {
				return res, fmt.Errorf("trace: fragment %d: %w", res.Fragments, err)
			}
			res.Fragments++
			if emitted {
				pending = append(pending, word)
			}

		case KindWord:
			if len(pending) == 0 {
				return res, fmt.Errorf("%w: recorded word %d with no fragment to produce it",
					ErrDivergence, res.Words)
			}
			if pending[0] != rec.Word {
				return res, fmt.Errorf("%w: word %d: got %#08x, trace has %#08x",
					ErrDivergence, res.Words, pending[0], rec.Word)
			}
			pending = pending[1:]
			res.Words++

		case KindEnd:
			if len(pending) != 0 {
				return res, fmt.Errorf("%w: %d words unaccounted for at end marker",
					ErrDivergence, len(pending))
			}
			bits, count := acc.Flush()
			if count != rec.Count || bits != rec.Residual {
				return res, fmt.Errorf("%w: residual: got %#08x/%d, trace has %#08x/%d",
					ErrDivergence, bits, count, rec.Residual, rec.Count)
			}
			ended = true
		}
	}

	if !ended {
		return res, fmt.Errorf("%w: missing end marker", ErrCorrupt)
	}
	res.TotalBits = acc.TotalBits()
	return res, nil
}
