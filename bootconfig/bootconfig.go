// Package bootconfig models the persistent boot configuration record
// owned by the external bootloader. The core never interprets the
// bootloader's on-flash layout directly; it always goes through a
// Store.
package bootconfig

import (
	"context"
	"fmt"

	"github.com/openenterprise/otacore/slot"
)

// MergeFS is the user_flags bit requesting a filesystem merge at the
// next apply. Tests for this bit must always be written as
// (flags & MergeFS) == 0, never !flags & MergeFS — the latter is a
// precedence bug in the source this was ported from.
const MergeFS uint32 = 1 << 0

// Config is the persistent boot configuration.
type Config struct {
	Active       uint8
	Previous     uint8
	FwUpdated    bool
	IsFirstBoot  bool
	BootAttempts uint8
	Roms         [2]uint32
	RomsSizes    [2]uint32
	FsAddresses  [2]uint32
	FsSizes      [2]uint32
	UserFlags    uint32
}

// Layouts reconstructs the slot.Pair from the config's per-slot fields,
// pairing roms/fs addresses with the caller-supplied capacities (the
// boot config only tracks addresses and sizes-in-use, not capacities —
// those are a static property of the device, supplied by the caller).
func (c Config) Layouts(caps slot.Pair) slot.Pair {
	var p slot.Pair
	for i := range p {
		p[i] = slot.Layout{
			FwAddr: c.Roms[i],
			FwCap:  caps[i].FwCap,
			FsAddr: c.FsAddresses[i],
			FsCap:  caps[i].FsCap,
		}
	}
	return p
}

// Validate checks the boot config's consistency invariants: the active
// and previous slot indices are in range, fw_updated never holds when
// the two slots are equal, and is_first_boot never holds without
// fw_updated.
func (c Config) Validate() error {
	if c.Active > 1 || c.Previous > 1 {
		return fmt.Errorf("bootconfig: slot index out of range (active=%d previous=%d)", c.Active, c.Previous)
	}
	if c.FwUpdated && c.Active == c.Previous {
		return fmt.Errorf("bootconfig: fw_updated but active==previous==%d", c.Active)
	}
	if c.IsFirstBoot && !c.FwUpdated {
		return fmt.Errorf("bootconfig: is_first_boot without fw_updated")
	}
	return nil
}

// MergePending reports whether a filesystem merge is requested, using
// the corrected (not buggy) operator precedence.
func (c Config) MergePending() bool {
	return c.UserFlags&MergeFS != 0
}

// PublicView is the externally observable boot state.
type PublicView struct {
	Active      uint8
	Previous    uint8
	IsCommitted bool
}

// View projects a Config to its PublicView: is_committed is the
// negation of fw_updated.
func (c Config) View() PublicView {
	return PublicView{Active: c.Active, Previous: c.Previous, IsCommitted: !c.FwUpdated}
}

// Store reads and writes the persistent boot config.
type Store interface {
	Get(ctx context.Context) (Config, error)
	Set(ctx context.Context, cfg Config) error
}

// Apply maps a desired PublicView onto the current Config and persists
// it through store: slot indices are validated, boot_attempts and
// user_flags are cleared, and fw_updated/is_first_boot are both
// derived from !is_committed.
func Apply(ctx context.Context, store Store, view PublicView) error {
	if view.Active > 1 || view.Previous > 1 {
		return fmt.Errorf("bootconfig: slot index out of range (active=%d previous=%d)", view.Active, view.Previous)
	}
	cfg, err := store.Get(ctx)
	if err != nil {
		return err
	}
	cfg.Active = view.Active
	cfg.Previous = view.Previous
	cfg.BootAttempts = 0
	cfg.UserFlags = 0
	cfg.FwUpdated = !view.IsCommitted
	cfg.IsFirstBoot = !view.IsCommitted
	return store.Set(ctx, cfg)
}
