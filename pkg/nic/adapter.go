package nic

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/golang/glog"

	"github.com/motelabs/mote.go/pkg/metrics"
	"github.com/motelabs/mote.go/pkg/sched"
)

// RxFrame is one received frame held in the pool. Whoever pops it from
// the adapter owns the ref until it goes back to the pool.
type RxFrame struct {
	Ref FrameRef
	Len int
}

// Adapter couples a Device to the network task. Its read loop plays
// the receive interrupt: it copies arriving frames into the pool,
// queues their refs and calls the wake hook. The network task drains
// the queue from its own resume; nothing else shares state with the
// read loop.
type Adapter struct {
	name   string
	dev    Device
	pool   *FramePool
	depth  int
	notify func()

	mu sync.Mutex
	rx *queue.Queue

	linkUp    atomic.Bool
	rxFrames  atomic.Uint64
	rxDrops   atomic.Uint64
	txFrames  atomic.Uint64
	txDrops   atomic.Uint64
	txRetries atomic.Uint64
}

// Counters is a snapshot of adapter statistics.
type Counters struct {
	RxFrames  uint64
	RxDrops   uint64
	TxFrames  uint64
	TxDrops   uint64
	TxRetries uint64
}

// New creates an adapter over dev. The ring holds at most depth
// frames; beyond that new arrivals are dropped and counted.
func New(name string, dev Device, pool *FramePool, depth int) *Adapter {
	if depth <= 0 {
		depth = 32
	}
	return &Adapter{
		name:  name,
		dev:   dev,
		pool:  pool,
		depth: depth,
		rx:    queue.New(),
	}
}

// Name implements Named.
func (a *Adapter) Name() string {
	return "link/" + a.name
}

// Pool returns the frame pool backing received frames.
func (a *Adapter) Pool() *FramePool {
	return a.pool
}

// Notify installs the wake hook called on frame arrival and link
// change. It must be set before Run starts.
func (a *Adapter) Notify(fn func()) {
	a.notify = fn
}

// Run implements Runnable with the device read loop. The link counts
// as up while the loop runs.
func (a *Adapter) Run(ctx context.Context) error {
	a.setLink(true)
	defer a.setLink(false)
	return sched.RunWithContextCloser(ctx, a.dev, func() error {
		for {
			frame, err := a.dev.ReadFrame()
			if err != nil {
				return err
			}
			a.ingest(frame)
		}
	})
}

func (a *Adapter) setLink(up bool) {
	if a.linkUp.Swap(up) != up {
		glog.V(2).Infof("%s: link %v", a.Name(), up)
		a.wake()
	}
}

func (a *Adapter) wake() {
	if fn := a.notify; fn != nil {
		fn()
	}
}

func (a *Adapter) ingest(frame []byte) {
	if len(frame) > a.pool.MTU() {
		a.dropRx("oversize")
		return
	}
	// single producer: the ring can only shrink between check and add
	a.mu.Lock()
	full := a.rx.Length() >= a.depth
	a.mu.Unlock()
	if full {
		a.dropRx("ring")
		return
	}
	ref, err := a.pool.Get()
	if err != nil {
		a.dropRx("pool")
		return
	}
	n := copy(a.pool.Bytes(ref), frame)
	a.mu.Lock()
	a.rx.Add(RxFrame{Ref: ref, Len: n})
	a.mu.Unlock()
	a.rxFrames.Add(1)
	metrics.LinkRxFrames.WithLabelValues(a.name).Inc()
	a.wake()
}

func (a *Adapter) dropRx(cause string) {
	a.rxDrops.Add(1)
	metrics.LinkRxDrops.WithLabelValues(a.name, cause).Inc()
	glog.V(4).Infof("%s: rx drop (%s)", a.Name(), cause)
}

// Receive pops one received frame. ok is false when the ring is
// empty. The caller takes ownership of the ref.
func (a *Adapter) Receive() (frame RxFrame, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rx.Length() == 0 {
		return RxFrame{Ref: NoFrame}, false
	}
	return a.rx.Remove().(RxFrame), true
}

// Transmit writes one frame to the device, retrying once on error.
// A frame that still fails is dropped and counted.
func (a *Adapter) Transmit(frame []byte) error {
	if len(frame) > a.pool.MTU() {
		a.txDrops.Add(1)
		metrics.LinkTxDrops.WithLabelValues(a.name).Inc()
		return &FrameSizeError{Size: len(frame), MTU: a.pool.MTU()}
	}
	err := a.dev.WriteFrame(frame)
	if err != nil {
		a.txRetries.Add(1)
		err = a.dev.WriteFrame(frame)
	}
	if err != nil {
		a.txDrops.Add(1)
		metrics.LinkTxDrops.WithLabelValues(a.name).Inc()
		return err
	}
	a.txFrames.Add(1)
	metrics.LinkTxFrames.WithLabelValues(a.name).Inc()
	return nil
}

// LinkUp reports whether the device read loop is running.
func (a *Adapter) LinkUp() bool {
	return a.linkUp.Load()
}

// Counters returns a snapshot of the adapter statistics.
func (a *Adapter) Counters() Counters {
	return Counters{
		RxFrames:  a.rxFrames.Load(),
		RxDrops:   a.rxDrops.Load(),
		TxFrames:  a.txFrames.Load(),
		TxDrops:   a.txDrops.Load(),
		TxRetries: a.txRetries.Load(),
	}
}
