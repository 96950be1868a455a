package flash

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapDevice is a Device backed by a memory-mapped regular file, standing
// in for a memory-mapped flash chip the way patch.HexPatch in the
// reference magiskboot tooling memory-maps a boot image to rewrite bytes
// in place. Erase fills the region with 0xFF, flash's erased state.
type MmapDevice struct {
	f *os.File
	m mmap.MMap
}

// OpenMmapDevice opens (creating if necessary) path as a flash-backing
// file of exactly size bytes and memory-maps it read/write.
func OpenMmapDevice(path string, size int64) (*MmapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("flash: open %s: %w", path, err)
	}
	if st, err := f.Stat(); err != nil {
		f.Close()
		return nil, err
	} else if st.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("flash: truncate %s: %w", path, err)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: mmap %s: %w", path, err)
	}
	return &MmapDevice{f: f, m: m}, nil
}

func (d *MmapDevice) Size() int64 { return int64(len(d.m)) }

func (d *MmapDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(d.m)) {
		return 0, fmt.Errorf("flash: read out of range at %#x", off)
	}
	n := copy(p, d.m[off:])
	return n, nil
}

func (d *MmapDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.m)) {
		return 0, fmt.Errorf("flash: write out of range at %#x len %d", off, len(p))
	}
	n := copy(d.m[off:], p)
	return n, nil
}

// Erase fills [addr, addr+length) with 0xFF, flash's erased value.
func (d *MmapDevice) Erase(addr, length uint32) error {
	end := int64(addr) + int64(length)
	if end > int64(len(d.m)) {
		return fmt.Errorf("flash: erase out of range [%#x,+%#x)", addr, length)
	}
	region := d.m[addr:end]
	for i := range region {
		region[i] = 0xFF
	}
	return nil
}

// Sync flushes the mapping to the backing file.
func (d *MmapDevice) Sync() error {
	return d.m.Flush()
}

// Close flushes and releases the mapping and file handle.
func (d *MmapDevice) Close() error {
	err := d.m.Unmap()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	return err
}
