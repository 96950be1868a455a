// Package update implements the resumable, streaming update state
// machine: begin -> file_begin -> file_data* -> file_end -> finalize,
// with an error state reachable from anywhere in the sequence.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openenterprise/otacore/bootconfig"
	"github.com/openenterprise/otacore/checksum"
	"github.com/openenterprise/otacore/flash"
	"github.com/openenterprise/otacore/slot"
	"github.com/openenterprise/otacore/watchdog"
)

// Driver holds the single process-wide in-flight update — a second
// concurrent Begin fails rather than queuing — the boot-state store,
// and the flash device the update writes to.
type Driver struct {
	mu sync.Mutex

	store bootconfig.Store
	dev   flash.Device
	caps  slot.Pair

	bootAddr       uint32
	bootConfigAddr uint32

	feed   watchdog.Feeder
	logger *slog.Logger

	current *Context
}

// NewDriver constructs a Driver. caps gives each slot's static capacity
// layout (fw/fs addr+cap); bootAddr/bootConfigAddr bound the bootloader
// region for in-place bootloader updates.
func NewDriver(store bootconfig.Store, dev flash.Device, caps slot.Pair, bootAddr, bootConfigAddr uint32, feed watchdog.Feeder, logger *slog.Logger) *Driver {
	if feed == nil {
		feed = watchdog.NoopFeeder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{store: store, dev: dev, caps: caps, bootAddr: bootAddr, bootConfigAddr: bootConfigAddr, feed: feed, logger: logger}
}

// GetCurrent returns the in-flight update context, if any.
func (d *Driver) GetCurrent() (*Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.current != nil
}

// Free discards the in-flight context regardless of its state, for use
// by a transport that is tearing down after an error. GetCurrent keeps
// returning the errored context until a caller calls Free.
func (d *Driver) Free(c *Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == c {
		d.current = nil
	}
}

// Begin validates the manifest, resolves the inactive slot, and opens a
// new update context.
func (d *Driver) Begin(ctx context.Context, m Manifest) (*Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil {
		return nil, ErrAlreadyInFlight
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	cfg, err := d.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	}
	inactive := slot.Other(cfg.Active)
	layout := d.caps[inactive]
	if layout.Empty() {
		return nil, fmt.Errorf("%w: slot %d has no configured layout", ErrUnsupportedPlatform, inactive)
	}

	c := &Context{
		ID:               uuid.New(),
		state:            stateBegun,
		manifest:         m,
		updateBootloader: m.UpdateBootloader(),
		oldActive:        cfg.Active,
		inactive:         inactive,
		layout:           layout,
		bootAddr:         d.bootAddr,
		bootConfigAddr:   d.bootConfigAddr,
		StatusMsg:        "ready",
	}

	if c.updateBootloader {
		if _, err := d.dev.ReadAt(c.flashParams[:], 0); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFlashParamRead, err)
		}
	}

	d.current = c
	return c, nil
}

// FileBegin resolves which component name identifies, applies the
// skip-if-already-flashed optimization, and opens a flash.Writer for the
// file if it must actually be streamed.
func (d *Driver) FileBegin(ctx context.Context, c *Context, name string, size uint32) (Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCurrent(c, stateBegun); err != nil {
		return ActionAbort, err
	}

	tgt, base, cap, expectedHex := d.resolve(c, name)
	if tgt == targetNone {
		return ActionSkip, nil
	}
	if tgt == targetBoot && size > c.bootConfigAddr {
		c.StatusMsg = "Image too big"
		return ActionAbort, ErrImageTooBig
	}
	if size > cap {
		c.StatusMsg = "Image too big"
		return ActionAbort, ErrImageTooBig
	}

	match, err := checksum.Verify(ctx, d.dev, base, size, expectedHex, false, d.logger, d.feed)
	if err != nil {
		return ActionAbort, err
	}
	if match {
		c.StatusMsg = fmt.Sprintf("%s already present, skipping", name)
		d.recordSize(c, tgt, size)
		return ActionSkip, nil
	}

	w, err := flash.NewWriter(d.dev, base, cap)
	if err != nil {
		return ActionAbort, err
	}
	if err := w.ShrinkCap(size); err != nil {
		return ActionAbort, err
	}

	c.current = tgt
	c.writer = w
	c.expectedHex = expectedHex
	c.observedSize = 0
	c.state = stateFileOpen
	c.StatusMsg = fmt.Sprintf("writing %s", name)
	return ActionProcess, nil
}

// resolve matches name against the manifest's known source names and
// returns the target variant, its write region, and expected checksum.
func (d *Driver) resolve(c *Context, name string) (target, uint32, uint32, string) {
	if c.updateBootloader && strings.HasPrefix(name, c.manifest.Boot.Src) {
		return targetBoot, c.bootAddr, c.bootConfigAddr - c.bootAddr, c.manifest.Boot.ChecksumHex
	}
	if strings.HasPrefix(name, c.manifest.Fw.Src) {
		return targetFw, c.layout.FwAddr, c.layout.FwCap, c.manifest.Fw.ChecksumHex
	}
	if strings.HasPrefix(name, c.manifest.Fs.Src) {
		return targetFs, c.layout.FsAddr, c.layout.FsCap, c.manifest.Fs.ChecksumHex
	}
	return targetNone, 0, 0, ""
}

func (d *Driver) recordSize(c *Context, tgt target, size uint32) {
	switch tgt {
	case targetFw:
		c.fwSize = size
	case targetFs:
		c.fsSize = size
	}
}

// FileData forwards a chunk to the open writer and returns the number of
// bytes consumed.
func (d *Driver) FileData(ctx context.Context, c *Context, chunk []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCurrent(c, stateFileOpen); err != nil {
		return 0, err
	}
	n, err := c.writer.Write(chunk)
	if err != nil {
		c.state = stateError
		c.StatusMsg = err.Error()
		return 0, err
	}
	d.feed.Feed()
	return n, nil
}

// FileEnd flushes the tail, verifies the checksum critically, restores
// stashed bootloader flash parameters if applicable, and returns to
// stateBegun.
func (d *Driver) FileEnd(ctx context.Context, c *Context, tail []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCurrent(c, stateFileOpen); err != nil {
		return err
	}
	if len(tail) >= 4 {
		return ErrTailTooLong
	}
	if err := c.writer.Flush(tail); err != nil {
		c.state = stateError
		return err
	}

	size := c.writer.BytesWritten()
	match, err := checksum.Verify(ctx, d.dev, c.writer.Base(), size, c.expectedHex, true, d.logger, d.feed)
	if err != nil {
		c.state = stateError
		return err
	}
	if !match {
		c.state = stateError
		c.StatusMsg = "Invalid checksum"
		return ErrInvalidChecksum
	}

	d.recordSize(c, c.current, size)

	if c.current == targetBoot {
		if _, err := d.dev.WriteAt(c.flashParams[:], 0); err != nil {
			c.state = stateError
			return fmt.Errorf("%w: %v", ErrFlashParamWrite, err)
		}
	}

	c.writer = nil
	c.current = targetNone
	c.state = stateBegun
	c.StatusMsg = "ready"
	return nil
}

// Finalize commits the new image by updating the boot config so the
// inactive slot becomes active on next boot.
func (d *Driver) Finalize(ctx context.Context, c *Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCurrent(c, stateBegun); err != nil {
		return err
	}
	if c.fwSize == 0 {
		c.state = stateError
		return ErrMissingFirmware
	}
	if c.fsSize == 0 {
		c.state = stateError
		return ErrMissingFilesystem
	}

	cfg, err := d.store.Get(ctx)
	if err != nil {
		c.state = stateError
		return fmt.Errorf("%w: %v", ErrBootConfigPersist, err)
	}
	cfg.Previous = cfg.Active
	cfg.Active = c.inactive
	cfg.Roms[c.inactive] = c.layout.FwAddr
	cfg.RomsSizes[c.inactive] = c.fwSize
	cfg.FsAddresses[c.inactive] = c.layout.FsAddr
	cfg.FsSizes[c.inactive] = c.fsSize
	cfg.IsFirstBoot = true
	cfg.FwUpdated = true
	cfg.BootAttempts = 0
	cfg.UserFlags |= bootconfig.MergeFS

	if err := d.store.Set(ctx, cfg); err != nil {
		c.state = stateError
		return fmt.Errorf("%w: %v", ErrBootConfigPersist, err)
	}

	c.state = stateFinalized
	c.StatusMsg = "update complete"
	d.current = nil
	return nil
}

// checkCurrent verifies c is the driver's active context and is in want
// state.
func (d *Driver) checkCurrent(c *Context, want state) error {
	if c == nil || d.current != c {
		return ErrNoSuchContext
	}
	if c.state != want {
		return ErrWrongState
	}
	return nil
}
