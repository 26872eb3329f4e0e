package nic

import "sync"

// PipeDevice is one end of an in-memory frame pipe. It backs loopback
// links and tests; a full pipe loses frames the way a wire does.
type PipeDevice struct {
	rd    chan []byte
	wr    chan []byte
	done  chan struct{}
	close *sync.Once
}

// Pipe creates a connected pair of frame devices. Each direction
// buffers up to depth frames. Closing either end closes the pair.
func Pipe(depth int) (*PipeDevice, *PipeDevice) {
	if depth <= 0 {
		depth = 16
	}
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	done := make(chan struct{})
	once := new(sync.Once)
	a := &PipeDevice{rd: ba, wr: ab, done: done, close: once}
	b := &PipeDevice{rd: ab, wr: ba, done: done, close: once}
	return a, b
}

// ReadFrame implements Device.
func (d *PipeDevice) ReadFrame() ([]byte, error) {
	select {
	case frame := <-d.rd:
		return frame, nil
	case <-d.done:
		select {
		case frame := <-d.rd:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	}
}

// WriteFrame implements Device. A frame written into a full pipe is
// silently lost.
func (d *PipeDevice) WriteFrame(frame []byte) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	dup := append([]byte(nil), frame...)
	select {
	case d.wr <- dup:
	default:
	}
	return nil
}

// Close implements Device.
func (d *PipeDevice) Close() error {
	d.close.Do(func() { close(d.done) })
	return nil
}
