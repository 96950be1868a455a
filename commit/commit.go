// Package commit implements the two-step commit/revert protocol: a
// newly-booted image is "not yet committed" until the caller explicitly
// commits it within a timeout window, otherwise the device auto-reverts
// to the previous slot.
package commit

import (
	"context"
	"log/slog"

	"github.com/openenterprise/otacore/bootconfig"
)

// Controller commits or reverts the current boot configuration.
type Controller struct {
	store  bootconfig.Store
	logger *slog.Logger
}

// New returns a Controller backed by store.
func New(store bootconfig.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, logger: logger}
}

// Commit marks the currently active slot as known-good. A no-op if
// already committed.
func (c *Controller) Commit(ctx context.Context) error {
	cfg, err := c.store.Get(ctx)
	if err != nil {
		return err
	}
	if !cfg.FwUpdated {
		return nil
	}
	cfg.FwUpdated = false
	cfg.IsFirstBoot = false
	if err := c.store.Set(ctx, cfg); err != nil {
		return err
	}
	c.logger.Info("commit: slot committed", slog.Uint64("active", uint64(cfg.Active)))
	return nil
}

// Revert swaps active and previous and marks the result committed. A
// no-op if already committed. The caller is expected to reboot after a
// successful revert.
func (c *Controller) Revert(ctx context.Context) error {
	cfg, err := c.store.Get(ctx)
	if err != nil {
		return err
	}
	if !cfg.FwUpdated {
		return nil
	}
	cfg.Active, cfg.Previous = cfg.Previous, cfg.Active
	cfg.FwUpdated = false
	cfg.IsFirstBoot = false
	if err := c.store.Set(ctx, cfg); err != nil {
		return err
	}
	c.logger.Warn("commit: reverted", slog.Uint64("active", uint64(cfg.Active)))
	return nil
}

// IsFirstBoot reports whether this is the first boot into a
// just-updated slot.
func (c *Controller) IsFirstBoot(ctx context.Context) (bool, error) {
	cfg, err := c.store.Get(ctx)
	if err != nil {
		return false, err
	}
	return cfg.IsFirstBoot, nil
}

// IsCommitted reports the current commit state.
func (c *Controller) IsCommitted(ctx context.Context) (bool, error) {
	cfg, err := c.store.Get(ctx)
	if err != nil {
		return false, err
	}
	return !cfg.FwUpdated, nil
}
