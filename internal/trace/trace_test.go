package trace

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/packer"
	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

// record writes fragments through a real accumulator so the captured
// words and residual are honest, then returns the compressed trace.
func record(t *testing.T, frags []types.Fragment) (*bytes.Buffer, uuid.UUID) {
	t.Helper()
	var buf bytes.Buffer
	runID := uuid.New()
	rec, err := NewRecorder(&buf, runID)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	var acc packer.Accumulator
	for i, f := range frags {
		word, emitted, err := acc.Push(f)
		if err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
		ch := types.Channel(i % types.NumChannels)
		if err := rec.Fragment(ch, f); err != nil {
			t.Fatalf("Fragment(%d) failed: %v", i, err)
		}
		if emitted {
			if err := rec.Word(word); err != nil {
				t.Fatalf("Word failed: %v", err)
			}
		}
	}
	bits, count := acc.Flush()
	if err := rec.End(bits, count); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return &buf, runID
}

func testFragments() []types.Fragment {
	return []types.Fragment{
		{Bits: 0b101, Count: 3},
		{Bits: 0xFFFFFFFF, Count: 32, EndOfBlock: true},
		{Bits: 0x1234, Count: 13},
		{Bits: 0x7, Count: 3, EndOfBlock: true},
		{Bits: 0xABCDE, Count: 20, EndOfBlock: true},
	}
}

// TestRecordReplayRoundTrip verifies a capture reads back record for
// record with the original run ID.
func TestRecordReplayRoundTrip(t *testing.T) {
	frags := testFragments()
	buf, runID := record(t, frags)

	r, err := NewReader(buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	if r.RunID() != runID {
		t.Errorf("RunID = %s, want %s", r.RunID(), runID)
	}

	var gotFrags []types.Fragment
	sawEnd := false
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		switch rec.Kind {
		case KindFragment:
			gotFrags = append(gotFrags, rec.Fragment)
		case KindEnd:
			sawEnd = true
		}
	}

	if len(gotFrags) != len(frags) {
		t.Fatalf("replayed %d fragments, want %d", len(gotFrags), len(frags))
	}
	for i := range frags {
		if gotFrags[i] != frags[i] {
			t.Errorf("fragment %d = %+v, want %+v", i, gotFrags[i], frags[i])
		}
	}
	if !sawEnd {
		t.Error("missing end record")
	}
}

// TestVerifyCleanTrace verifies an honest capture passes verification.
func TestVerifyCleanTrace(t *testing.T) {
	buf, _ := record(t, testFragments())

	r, err := NewReader(buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	res, err := Verify(r)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Fragments != 5 {
		t.Errorf("verified %d fragments, want 5", res.Fragments)
	}
	if want := uint64(3 + 32 + 13 + 3 + 20); res.TotalBits != want {
		t.Errorf("TotalBits = %d, want %d", res.TotalBits, want)
	}
}

// TestVerifyDetectsDivergence tampers with a recorded word and checks
// Verify reports ErrDivergence.
func TestVerifyDetectsDivergence(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, uuid.New())
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	var acc packer.Accumulator
	f := types.Fragment{Bits: 0xDEADBEEF, Count: 32, EndOfBlock: true}
	word, emitted, err := acc.Push(f)
	if err != nil || !emitted {
		t.Fatalf("Push = (%v, %v)", emitted, err)
	}
	if err := rec.Fragment(types.Y, f); err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}
	// Record the wrong word.
	if err := rec.Word(word ^ 1); err != nil {
		t.Fatalf("Word failed: %v", err)
	}
	bits, count := acc.Flush()
	if err := rec.End(bits, count); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	if _, err := Verify(r); !errors.Is(err, ErrDivergence) {
		t.Errorf("Verify = %v, want ErrDivergence", err)
	}
}

// TestReaderRejectsBadHeader verifies garbage input fails fast.
func TestReaderRejectsBadHeader(t *testing.T) {
	if _, err := NewReader(bytes.NewReader([]byte("not a trace"))); err == nil {
		t.Error("NewReader accepted garbage input")
	}
}

// TestVerifyMissingEndMarker verifies a capture cut short is reported
// as corrupt, not silently accepted.
func TestVerifyMissingEndMarker(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, uuid.New())
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if err := rec.Fragment(types.Y, types.Fragment{Bits: 1, Count: 5}); err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	if _, err := Verify(r); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Verify = %v, want ErrCorrupt", err)
	}
}
