package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openenterprise/otacore/bootconfig"
)

// Handle is an opaque reference to a mounted filesystem region, closed
// by the caller once a merge completes.
type Handle interface {
	Close() error
}

// Mounter mounts a raw flash region as a filesystem so its contents can
// be merged. Deliberately abstract: the concrete filesystem (littlefs,
// FAT, a loopback image) is outside this module's scope.
type Mounter interface {
	Mount(addr, size uint32, mountpoint string) (Handle, error)
}

// Merger reconciles the filesystem at old into new, preserving any
// user data new doesn't already have. Also abstract for the same
// reason as Mounter.
type Merger interface {
	MergeDirs(old, new string) error
}

// ApplyUpdate runs the post-boot merge: if the boot config's MergeFS
// flag is pending, mount the previous slot's filesystem and the new
// active slot's filesystem, merge them, then clear the flag. A caller
// must invoke this once per boot, after commit.Controller.IsFirstBoot
// reports true.
//
// The flag test here is (user_flags & MergeFS) == 0, never the
// negated form — see bootconfig.MergeFS's doc comment for why that
// distinction matters.
func ApplyUpdate(ctx context.Context, store bootconfig.Store, mounter Mounter, merger Merger, oldFsAddr, oldFsSize, newFsAddr, newFsSize uint32, oldMount, newMount string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := store.Get(ctx)
	if err != nil {
		return err
	}
	if !cfg.MergePending() {
		logger.Debug("snapshot: no merge pending")
		return nil
	}

	oldHandle, err := mounter.Mount(oldFsAddr, oldFsSize, oldMount)
	if err != nil {
		return fmt.Errorf("snapshot: mount previous filesystem: %w", err)
	}
	defer oldHandle.Close()

	newHandle, err := mounter.Mount(newFsAddr, newFsSize, newMount)
	if err != nil {
		return fmt.Errorf("snapshot: mount active filesystem: %w", err)
	}
	defer newHandle.Close()

	if err := merger.MergeDirs(oldMount, newMount); err != nil {
		return fmt.Errorf("snapshot: merge filesystems: %w", err)
	}

	cfg.UserFlags &^= bootconfig.MergeFS
	if err := store.Set(ctx, cfg); err != nil {
		return fmt.Errorf("snapshot: clear merge flag: %w", err)
	}
	logger.Info("snapshot: filesystem merge complete")
	return nil
}
