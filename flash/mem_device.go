package flash

import "fmt"

// MemDevice is a Device backed by a plain byte slice, used in unit tests
// where an mmap-backed file would be unnecessary overhead.
type MemDevice struct {
	buf         []byte
	erasedPages map[uint32]bool
	EraseCalls  int
	WriteCalls  int
}

// NewMemDevice returns a MemDevice of the given size, initialized as if
// never erased (all zero, not 0xFF — callers that care about the erased
// value should call EraseAll first).
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{buf: make([]byte, size), erasedPages: map[uint32]bool{}}
}

func (d *MemDevice) Size() int64 { return int64(len(d.buf)) }

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(d.buf)) {
		return 0, fmt.Errorf("flash: read out of range at %#x", off)
	}
	return copy(p, d.buf[off:]), nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, fmt.Errorf("flash: write out of range at %#x len %d", off, len(p))
	}
	d.WriteCalls++
	return copy(d.buf[off:], p), nil
}

func (d *MemDevice) Erase(addr, length uint32) error {
	end := int64(addr) + int64(length)
	if end > int64(len(d.buf)) {
		return fmt.Errorf("flash: erase out of range [%#x,+%#x)", addr, length)
	}
	d.EraseCalls++
	for i := addr; i < addr+length; i += PageSize {
		d.erasedPages[i] = true
	}
	for i := range d.buf[addr:end] {
		d.buf[int64(addr)+int64(i)] = 0xFF
	}
	return nil
}

// EraseAll resets the whole device to its erased state without counting
// toward EraseCalls, for test setup.
func (d *MemDevice) EraseAll() {
	for i := range d.buf {
		d.buf[i] = 0xFF
	}
}

// Bytes exposes the underlying buffer for assertions.
func (d *MemDevice) Bytes() []byte { return d.buf }
