package extmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNoSpace reports a write past the end of a bank or window.
var ErrNoSpace = errors.New("extmem: no space")

// Bank is validated external memory. It exists only after a
// successful BringUp. Byte views pack words little-endian; unaligned
// edges go through read-modify-write on the word access underneath.
type Bank struct {
	mu     sync.Mutex
	ctrl   Controller
	region Region
}

// Size returns the bank length in bytes.
func (b *Bank) Size() int64 { return b.region.Bytes() }

// ReadAt implements io.ReaderAt.
func (b *Bank) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readAt(p, off)
}

func (b *Bank) readAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("extmem: negative offset")
	}
	size := b.region.Bytes()
	if off >= size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}
	for i := 0; i < n; {
		pos := uint32(off) + uint32(i)
		w, err := b.ctrl.ReadWord(b.region.Base + pos&^3)
		if err != nil {
			return i, err
		}
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], w)
		i += copy(p[i:n], tmp[pos&3:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. A write running past the end stores
// what fits and returns ErrNoSpace.
func (b *Bank) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeAt(p, off)
}

func (b *Bank) writeAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("extmem: negative offset")
	}
	size := b.region.Bytes()
	if off > size {
		return 0, ErrNoSpace
	}
	n := len(p)
	short := false
	if int64(n) > size-off {
		n = int(size - off)
		short = true
	}
	for i := 0; i < n; {
		pos := uint32(off) + uint32(i)
		if pos&3 == 0 && n-i >= 4 {
			if err := b.ctrl.WriteWord(b.region.Base+pos, binary.LittleEndian.Uint32(p[i:])); err != nil {
				return i, err
			}
			i += 4
			continue
		}
		addr := b.region.Base + pos&^3
		w, err := b.ctrl.ReadWord(addr)
		if err != nil {
			return i, err
		}
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], w)
		k := copy(tmp[pos&3:], p[i:n])
		if err := b.ctrl.WriteWord(addr, binary.LittleEndian.Uint32(tmp[:])); err != nil {
			return i, err
		}
		i += k
	}
	if short {
		return n, ErrNoSpace
	}
	return n, nil
}

// Window carves a byte range out of a bank. It is the shape the
// transfer client consumes: fetches write into a window, stores read
// from one, and the window's bounds cap the transfer.
type Window struct {
	bank *Bank
	off  int64
	size int64
}

// Window returns a view of size bytes at off.
func (b *Bank) Window(off, size int64) (*Window, error) {
	if off < 0 || size < 0 || off+size > b.Size() {
		return nil, fmt.Errorf("extmem: window [%d,%d) outside bank of %d bytes", off, off+size, b.Size())
	}
	return &Window{bank: b, off: off, size: size}, nil
}

// Size returns the window length in bytes.
func (w *Window) Size() int64 { return w.size }

// ReadAt implements io.ReaderAt.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("extmem: negative offset")
	}
	if off >= w.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > w.size-off {
		n = int(w.size - off)
	}
	m, err := w.bank.ReadAt(p[:n], w.off+off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return m, err
}

// WriteAt implements io.WriterAt, refusing to grow past the window.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("extmem: negative offset")
	}
	if off > w.size {
		return 0, ErrNoSpace
	}
	n := len(p)
	short := false
	if int64(n) > w.size-off {
		n = int(w.size - off)
		short = true
	}
	m, err := w.bank.WriteAt(p[:n], w.off+off)
	if err == nil && short {
		err = ErrNoSpace
	}
	return m, err
}

// Selftest reruns the validation patterns over a byte range of the
// bank, then zeroes it. The range's contents are destroyed, so
// callers point it at a spare stripe. Offset and size must be word
// aligned.
func (b *Bank) Selftest(off, size int64) error {
	if off%4 != 0 || size%4 != 0 {
		return errors.New("extmem: selftest range must be word aligned")
	}
	if off < 0 || size <= 0 || off+size > b.Size() {
		return fmt.Errorf("extmem: selftest range [%d,%d) outside bank of %d bytes", off, off+size, b.Size())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.region.Base + uint32(off)
	words := uint32(size / 4)
	if err := validate(b.ctrl, base, words, 1); err != nil {
		return err
	}
	for i := uint32(0); i < words; i++ {
		if err := b.ctrl.WriteWord(base+4*i, 0); err != nil {
			return &BringUpError{Pattern: "clear", Addr: base + 4*i, Cause: err}
		}
	}
	return nil
}
