package nic

import "sync"

// FramePool is a fixed arena of frame buffers addressed by FrameRef.
// All frame storage is allocated once at construction; Get hands out
// refs and never allocates. The pool is shared between the device
// read loop and the network task, so it locks internally.
type FramePool struct {
	mtu  int
	mu   sync.Mutex
	bufs [][]byte
	free []FrameRef
}

// NewFramePool creates a pool of n buffers of mtu bytes each.
func NewFramePool(n, mtu int) *FramePool {
	if n <= 0 || mtu <= 0 {
		panic("nic: frame pool needs positive size and MTU")
	}
	p := &FramePool{
		mtu:  mtu,
		bufs: make([][]byte, n),
		free: make([]FrameRef, n),
	}
	arena := make([]byte, n*mtu)
	for i := range p.bufs {
		p.bufs[i] = arena[i*mtu : (i+1)*mtu : (i+1)*mtu]
		p.free[i] = FrameRef(n - 1 - i)
	}
	return p
}

// MTU returns the buffer size of every frame in the pool.
func (p *FramePool) MTU() int { return p.mtu }

// Get takes a free frame out of the pool. It returns ErrPoolExhausted
// when none is left; it never blocks and never grows the arena.
func (p *FramePool) Get() (FrameRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return NoFrame, ErrPoolExhausted
	}
	ref := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return ref, nil
}

// Put returns a frame to the pool. Double-put corrupts the free list
// and is checked.
func (p *FramePool) Put(ref FrameRef) {
	if ref < 0 || int(ref) >= len(p.bufs) {
		panic("nic: put of ref outside pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, free := range p.free {
		if free == ref {
			panic("nic: double put of frame ref")
		}
	}
	p.free = append(p.free, ref)
}

// Bytes returns the full buffer of a frame. The caller slices it to
// the length carried alongside the ref.
func (p *FramePool) Bytes(ref FrameRef) []byte {
	if ref < 0 || int(ref) >= len(p.bufs) {
		panic("nic: ref outside pool")
	}
	return p.bufs[ref]
}

// Free reports how many frames are available.
func (p *FramePool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
