// Package flash provides block-aligned, erase-before-write streaming
// writes to a bounded region of a flash-like device.
package flash

import (
	"errors"
	"fmt"
)

// wordSize is the alignment unit writes must land on before they are
// committed to the device.
const wordSize = 4

// PageSize is the erase granularity. Real flash parts vary; this value
// matches the NOR page size assumed throughout this module's tests and
// the cmd/otactl reference device.
const PageSize = 4096

var (
	// ErrPastCap is returned when a write would cross the writer's cap.
	ErrPastCap = errors.New("flash: write past capacity")
	// ErrNotAligned is returned when init bounds are not page-aligned.
	ErrNotAligned = errors.New("flash: region not page-aligned")
)

// Device is the abstract flash chip: a bounded, byte-addressable region
// that must be erased before it can be written, and erases to 0xFF.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Erase(addr, length uint32) error
	Size() int64
}

// Writer is a half-open write cursor into [base, base+cap) of a Device.
// Bytes are buffered until a word-aligned multiple is available; pages
// are erased lazily, on first touch, and never re-erased.
type Writer struct {
	dev   Device
	base  uint32
	cap   uint32
	erasedUpTo uint32 // offset from base, in bytes
	written    uint32 // bytes committed to the device so far
	pending    []byte // unconsumed tail, len < wordSize
}

// NewWriter initializes a write cursor over [base, base+cap) of dev.
// base and cap must be page-aligned.
func NewWriter(dev Device, base, cap uint32) (*Writer, error) {
	if base%PageSize != 0 || cap%PageSize != 0 {
		return nil, fmt.Errorf("%w: base=%#x cap=%#x", ErrNotAligned, base, cap)
	}
	if int64(base)+int64(cap) > dev.Size() {
		return nil, fmt.Errorf("flash: region [%#x,+%#x) exceeds device size %#x", base, cap, dev.Size())
	}
	return &Writer{dev: dev, base: base, cap: cap}, nil
}

// BytesWritten returns the number of bytes committed to the device.
func (w *Writer) BytesWritten() uint32 { return w.written }

// Base returns the writer's base address.
func (w *Writer) Base() uint32 { return w.base }

// ShrinkCap tightens the writer's capacity, used once the driver knows
// the exact expected file size. The effective cap is rounded up to
// wordSize so Flush can always commit the final padded word for a
// size that isn't a multiple of wordSize without tripping ErrPastCap.
func (w *Writer) ShrinkCap(newCap uint32) error {
	rounded := alignUp(newCap, wordSize)
	if rounded > w.cap {
		return fmt.Errorf("flash: cannot grow cap from %#x to %#x", w.cap, rounded)
	}
	w.cap = rounded
	return nil
}

// Write buffers bytes until a word-aligned multiple is available,
// erases the next unerased page lazily, and commits the aligned
// prefix. p is always fully consumed: any tail shorter than a word is
// retained internally and prepended to the next call (or to Flush).
// The returned count is the number of bytes of p committed to the
// device by this call and is informational — callers don't need to
// re-present anything.
func (w *Writer) Write(p []byte) (int, error) {
	total := 0
	buf := append(w.pending, p...)

	aligned := len(buf) - (len(buf) % wordSize)
	if aligned == 0 {
		w.pending = buf
		return 0, nil
	}

	if err := w.commit(buf[:aligned]); err != nil {
		return 0, err
	}
	total = aligned - len(w.pending)
	w.pending = append([]byte(nil), buf[aligned:]...)
	return total, nil
}

// Flush writes a final short tail (len(tail) < wordSize) by padding the
// write to a whole word; only the requested tail.len bytes are logically
// meaningful but the full word must be committed to flash.
func (w *Writer) Flush(tail []byte) error {
	buf := append(w.pending, tail...)
	if len(buf) == 0 {
		return nil
	}
	if len(buf) >= wordSize {
		return fmt.Errorf("flash: flush tail too long (%d bytes)", len(buf))
	}
	padded := make([]byte, wordSize)
	copy(padded, buf)
	if err := w.commit(padded); err != nil {
		return err
	}
	// Only the true tail length counts toward BytesWritten.
	w.written -= uint32(wordSize - len(buf))
	w.pending = nil
	return nil
}

// commit erases pages as needed and writes data at the current write
// offset, which is always w.base+w.written.
func (w *Writer) commit(data []byte) error {
	offset := w.written
	if offset+uint32(len(data)) > w.cap {
		return ErrPastCap
	}
	if err := w.ensureErased(offset, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.dev.WriteAt(data, int64(w.base+offset)); err != nil {
		return fmt.Errorf("flash: write at %#x: %w", w.base+offset, err)
	}
	w.written += uint32(len(data))
	return nil
}

// ensureErased erases whole pages covering [offset, offset+length) that
// have not yet been erased this session.
func (w *Writer) ensureErased(offset, length uint32) error {
	end := offset + length
	pageEnd := alignUp(end, PageSize)
	if pageEnd <= w.erasedUpTo {
		return nil
	}
	eraseFrom := w.erasedUpTo
	eraseLen := pageEnd - eraseFrom
	if eraseFrom+eraseLen > w.cap {
		eraseLen = w.cap - eraseFrom
	}
	if eraseLen == 0 {
		return nil
	}
	if err := w.dev.Erase(w.base+eraseFrom, eraseLen); err != nil {
		return fmt.Errorf("flash: erase at %#x len %#x: %w", w.base+eraseFrom, eraseLen, err)
	}
	w.erasedUpTo = eraseFrom + eraseLen
	return nil
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}
