package packer

import (
	"errors"
	"fmt"

	"github.com/navaalnoshi/JPEG-Encoder-sub001/internal/types"
)

var (
	// ErrAlreadyStarted is returned by Start on a running mux.
	ErrAlreadyStarted = errors.New("mux already started")

	// ErrNotFinished is returned by Result before the drain loop exits.
	ErrNotFinished = errors.New("mux still running")

	// ErrTruncatedStream is returned when a channel's queue closes with
	// a block left open (no end-of-block marker seen) or with sibling
	// channels still holding fragments that round-robin order can never
	// reach. Both mean the image ended mid-interleave.
	ErrTruncatedStream = errors.New("truncated fragment stream")
)

// MuxError locates a fatal packing failure: which channel the mux was
// draining and which block index it was in when the failure surfaced.
type MuxError struct {
	Channel types.Channel
	Block   uint64
	Err     error
}

func (e *MuxError) Error() string {
	return fmt.Sprintf("packer: channel %s block %d: %v", e.Channel, e.Block, e.Err)
}

func (e *MuxError) Unwrap() error { return e.Err }
