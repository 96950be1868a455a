// Package snapshot implements the clone-active-into-inactive and
// post-boot filesystem merge operations.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openenterprise/otacore/bootconfig"
	"github.com/openenterprise/otacore/checksum"
	"github.com/openenterprise/otacore/flash"
	"github.com/openenterprise/otacore/slot"
	"github.com/openenterprise/otacore/watchdog"
)

// windowSize bounds a single CopyRegion streaming transfer; the watchdog
// is fed once per window.
const windowSize = 512

// CopyRegion copies length bytes from srcAddr to dstAddr within dev,
// skipping the transfer entirely if the destination already holds
// identical content, and critically re-verifying the destination once
// the copy completes. dstCap is the destination region's page-aligned
// capacity; the destination is written through a flash.Writer so it
// gets the same erase-before-write treatment as any other write path
// in this module, rather than an unconditional dev.WriteAt.
func CopyRegion(ctx context.Context, dev flash.Device, srcAddr, dstAddr, dstCap, length uint32, feed watchdog.Feeder) error {
	srcHex, err := checksum.Compute(ctx, dev, srcAddr, length, feed)
	if err != nil {
		return fmt.Errorf("snapshot: hash source region: %w", err)
	}

	match, err := checksum.Verify(ctx, dev, dstAddr, length, srcHex, false, nil, feed)
	if err != nil {
		return fmt.Errorf("snapshot: pre-check destination: %w", err)
	}
	if match {
		return nil
	}

	w, err := flash.NewWriter(dev, dstAddr, dstCap)
	if err != nil {
		return fmt.Errorf("snapshot: open destination writer: %w", err)
	}
	if err := w.ShrinkCap(length); err != nil {
		return fmt.Errorf("snapshot: shrink destination writer: %w", err)
	}

	buf := make([]byte, windowSize)
	var off uint32
	for off < length {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := uint32(windowSize)
		if off+n > length {
			n = length - off
		}
		if _, err := dev.ReadAt(buf[:n], int64(srcAddr+off)); err != nil {
			return fmt.Errorf("snapshot: read src at %#x: %w", srcAddr+off, err)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("snapshot: write dst at %#x: %w", dstAddr+off, err)
		}
		off += n
		if feed != nil {
			feed.Feed()
		}
	}
	if err := w.Flush(nil); err != nil {
		return fmt.Errorf("snapshot: flush dst tail: %w", err)
	}

	ok, err := checksum.Verify(ctx, dev, dstAddr, length, srcHex, true, nil, feed)
	if err != nil {
		return fmt.Errorf("snapshot: post-verify destination: %w", err)
	}
	if !ok {
		return fmt.Errorf("snapshot: destination region [%#x,+%#x) failed post-copy verification", dstAddr, length)
	}
	return nil
}

// CreateSnapshot clones the active slot's fw and fs regions onto the
// inactive slot and records the inactive slot's new address/size fields
// in the boot config, without touching Active/Previous.
func CreateSnapshot(ctx context.Context, store bootconfig.Store, dev flash.Device, active, inactive slot.Layout, feed watchdog.Feeder, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := store.Get(ctx)
	if err != nil {
		return err
	}

	fwSize := cfg.RomsSizes[cfg.Active]
	if fwSize == 0 {
		fwSize = active.FwCap
	}
	fsSize := cfg.FsSizes[cfg.Active]
	if fsSize == 0 {
		fsSize = active.FsCap
	}

	logger.Info("snapshot: cloning active slot", slog.Uint64("fw_size", uint64(fwSize)), slog.Uint64("fs_size", uint64(fsSize)))

	if err := CopyRegion(ctx, dev, active.FwAddr, inactive.FwAddr, inactive.FwCap, fwSize, feed); err != nil {
		return err
	}
	if err := CopyRegion(ctx, dev, active.FsAddr, inactive.FsAddr, inactive.FsCap, fsSize, feed); err != nil {
		return err
	}

	inactiveSlot := slot.Other(cfg.Active)
	cfg.Roms[inactiveSlot] = inactive.FwAddr
	cfg.RomsSizes[inactiveSlot] = fwSize
	cfg.FsAddresses[inactiveSlot] = inactive.FsAddr
	cfg.FsSizes[inactiveSlot] = fsSize
	return store.Set(ctx, cfg)
}
