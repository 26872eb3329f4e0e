package nic

import (
	"errors"
	"fmt"
	"io"
)

// Device reads and writes raw frames.
//
// ReadFrame blocks until a frame arrives and may reuse its buffer
// across calls; callers copy what they keep. WriteFrame sends one
// frame per call. Close unblocks a pending ReadFrame.
type Device interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	io.Closer
}

// FrameRef is an index handle into a FramePool. Refs move between the
// adapter, the network task and back to the pool; holding a stale ref
// after Put is a defect.
type FrameRef int32

// NoFrame is the zero ref returned with errors.
const NoFrame FrameRef = -1

// Errors reported by devices and the pool.
var (
	// ErrClosed is reported by a closed device.
	ErrClosed = errors.New("device closed")
	// ErrPoolExhausted is reported when no free frame is left.
	ErrPoolExhausted = errors.New("frame pool exhausted")
)

// FrameSizeError is reported when a frame exceeds the pool MTU.
type FrameSizeError struct {
	Size int
	MTU  int
}

// Error implements error.
func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds MTU %d", e.Size, e.MTU)
}
