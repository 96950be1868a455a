package commit_test

import (
	"context"
	"testing"
	"time"

	"github.com/openenterprise/otacore/bootconfig"
	"github.com/openenterprise/otacore/commit"
)

func freshStore(t *testing.T, cfg bootconfig.Config) bootconfig.Store {
	t.Helper()
	store := bootconfig.NewFileStore(t.TempDir() + "/bootcfg.bin")
	if err := store.Set(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestCommitClearsFwUpdated(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, bootconfig.Config{Active: 1, Previous: 0, FwUpdated: true, IsFirstBoot: true})
	c := commit.New(store, nil)

	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	cfg, err := store.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FwUpdated || cfg.IsFirstBoot {
		t.Fatalf("expected fw_updated and is_first_boot cleared, got %+v", cfg)
	}
	if cfg.Active != 1 || cfg.Previous != 0 {
		t.Fatalf("commit must not touch active/previous, got active=%d previous=%d", cfg.Active, cfg.Previous)
	}
}

func TestCommitIsNoOpWhenAlreadyCommitted(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, bootconfig.Config{Active: 1, Previous: 0, FwUpdated: false})
	c := commit.New(store, nil)
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	cfg, _ := store.Get(ctx)
	if cfg.Active != 1 || cfg.Previous != 0 {
		t.Fatal("no-op commit changed state")
	}
}

func TestRevertSwapsActiveAndPrevious(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, bootconfig.Config{Active: 1, Previous: 0, FwUpdated: true, IsFirstBoot: true})
	c := commit.New(store, nil)

	if err := c.Revert(ctx); err != nil {
		t.Fatal(err)
	}
	cfg, err := store.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Active != 0 || cfg.Previous != 1 {
		t.Fatalf("active/previous after revert = %d/%d, want 0/1", cfg.Active, cfg.Previous)
	}
	if cfg.FwUpdated {
		t.Fatal("expected fw_updated cleared after revert")
	}
}

func TestRevertIsNoOpWhenAlreadyCommitted(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, bootconfig.Config{Active: 1, Previous: 0, FwUpdated: false})
	c := commit.New(store, nil)
	if err := c.Revert(ctx); err != nil {
		t.Fatal(err)
	}
	cfg, _ := store.Get(ctx)
	if cfg.Active != 1 || cfg.Previous != 0 {
		t.Fatal("no-op revert changed active/previous")
	}
}

func TestIsFirstBootAndIsCommitted(t *testing.T) {
	ctx := context.Background()
	store := freshStore(t, bootconfig.Config{Active: 1, Previous: 0, FwUpdated: true, IsFirstBoot: true})
	c := commit.New(store, nil)

	first, err := c.IsFirstBoot(ctx)
	if err != nil || !first {
		t.Fatalf("IsFirstBoot = %v, %v, want true, nil", first, err)
	}
	committed, err := c.IsCommitted(ctx)
	if err != nil || committed {
		t.Fatalf("IsCommitted = %v, %v, want false, nil", committed, err)
	}

	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	committed, err = c.IsCommitted(ctx)
	if err != nil || !committed {
		t.Fatalf("IsCommitted after commit = %v, %v, want true, nil", committed, err)
	}
}

func TestTimeoutStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	ts := commit.NewTimeoutStore(t.TempDir() + "/timeout.bin")

	if _, ok, err := ts.Get(ctx); err != nil || ok {
		t.Fatalf("Get on empty store = ok=%v err=%v, want ok=false", ok, err)
	}

	if err := ts.Set(ctx, 30); err != nil {
		t.Fatal(err)
	}
	seconds, ok, err := ts.Get(ctx)
	if err != nil || !ok || seconds != 30 {
		t.Fatalf("Get = %d, %v, %v, want 30, true, nil", seconds, ok, err)
	}

	if err := ts.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := ts.Get(ctx); err != nil || ok {
		t.Fatalf("Get after Clear = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestWatchFiresAfterTimeoutUnlessStopped(t *testing.T) {
	fired, stop := commit.Watch(20 * time.Millisecond)
	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout channel never fired")
	}
	stop()
}

func TestWatchDoesNotFireWhenStopped(t *testing.T) {
	fired, stop := commit.Watch(200 * time.Millisecond)
	stop()
	select {
	case <-fired:
		t.Fatal("timeout channel fired despite being stopped")
	case <-time.After(50 * time.Millisecond):
	}
}
