package nic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdapterIngestOrder(t *testing.T) {
	dev, _ := Pipe(4)
	a := New("test", dev, NewFramePool(4, 64), 4)
	wakes := 0
	a.Notify(func() { wakes++ })

	a.ingest([]byte("first"))
	a.ingest([]byte("second"))
	require.Equal(t, 2, wakes)

	rx, ok := a.Receive()
	require.True(t, ok)
	require.Equal(t, "first", string(a.Pool().Bytes(rx.Ref)[:rx.Len]))
	a.Pool().Put(rx.Ref)

	rx, ok = a.Receive()
	require.True(t, ok)
	require.Equal(t, "second", string(a.Pool().Bytes(rx.Ref)[:rx.Len]))
	a.Pool().Put(rx.Ref)

	_, ok = a.Receive()
	require.False(t, ok)
	require.Equal(t, uint64(2), a.Counters().RxFrames)
}

func TestAdapterRingOverflow(t *testing.T) {
	dev, _ := Pipe(4)
	a := New("test", dev, NewFramePool(8, 64), 2)

	a.ingest([]byte("one"))
	a.ingest([]byte("two"))
	a.ingest([]byte("lost"))
	require.Equal(t, uint64(1), a.Counters().RxDrops)

	rx, _ := a.Receive()
	require.Equal(t, "one", string(a.Pool().Bytes(rx.Ref)[:rx.Len]))
}

func TestAdapterPoolDry(t *testing.T) {
	dev, _ := Pipe(4)
	a := New("test", dev, NewFramePool(1, 64), 8)

	a.ingest([]byte("kept"))
	a.ingest([]byte("lost"))
	require.Equal(t, uint64(1), a.Counters().RxFrames)
	require.Equal(t, uint64(1), a.Counters().RxDrops)

	// returning the frame makes room again
	rx, _ := a.Receive()
	a.Pool().Put(rx.Ref)
	a.ingest([]byte("again"))
	require.Equal(t, uint64(2), a.Counters().RxFrames)
}

func TestAdapterOversizeFrame(t *testing.T) {
	dev, _ := Pipe(4)
	a := New("test", dev, NewFramePool(2, 8), 4)

	a.ingest([]byte("this frame is too long"))
	require.Equal(t, uint64(1), a.Counters().RxDrops)
	_, ok := a.Receive()
	require.False(t, ok)

	var sizeErr *FrameSizeError
	err := a.Transmit([]byte("this frame is too long"))
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, 8, sizeErr.MTU)
}

func TestAdapterRun(t *testing.T) {
	near, far := Pipe(4)
	a := New("test", near, NewFramePool(4, 64), 4)
	woken := make(chan struct{}, 16)
	a.Notify(func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, far.WriteFrame([]byte("over the wire")))
	deadline := time.After(time.Second)
	for {
		if rx, ok := a.Receive(); ok {
			require.Equal(t, "over the wire", string(a.Pool().Bytes(rx.Ref)[:rx.Len]))
			a.Pool().Put(rx.Ref)
			break
		}
		select {
		case <-woken:
		case <-deadline:
			t.Fatal("frame never arrived")
		}
	}
	require.True(t, a.LinkUp())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, a.LinkUp())
}

type failingDevice struct {
	fails int
	wrote [][]byte
}

func (d *failingDevice) ReadFrame() ([]byte, error) { select {} }
func (d *failingDevice) Close() error               { return nil }

func (d *failingDevice) WriteFrame(frame []byte) error {
	if d.fails > 0 {
		d.fails--
		return errors.New("transient")
	}
	d.wrote = append(d.wrote, append([]byte(nil), frame...))
	return nil
}

func TestAdapterTransmitRetry(t *testing.T) {
	dev := &failingDevice{fails: 1}
	a := New("test", dev, NewFramePool(1, 64), 1)

	require.NoError(t, a.Transmit([]byte("retried")))
	require.Len(t, dev.wrote, 1)
	c := a.Counters()
	require.Equal(t, uint64(1), c.TxRetries)
	require.Equal(t, uint64(1), c.TxFrames)

	dev.fails = 2
	require.Error(t, a.Transmit([]byte("dropped")))
	require.Equal(t, uint64(1), a.Counters().TxDrops)
}
