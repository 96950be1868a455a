// Command otactl is a reference harness for exercising the update,
// bootconfig, and commit packages against a file-backed flash device.
// It is not a production transport; it exists so the core can be
// driven end to end from a terminal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/openenterprise/otacore/bootconfig"
	"github.com/openenterprise/otacore/commit"
	"github.com/openenterprise/otacore/flash"
	"github.com/openenterprise/otacore/slot"
	"github.com/openenterprise/otacore/status"
	"github.com/openenterprise/otacore/update"
	"github.com/openenterprise/otacore/watchdog"
)

const (
	defaultDeviceSize = 4 * 1024 * 1024
	defaultFwCap      = 1 * 1024 * 1024
	defaultFsCap      = 1 * 1024 * 1024
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "push":
		err = runPush(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "commit":
		err = runCommit(os.Args[2:])
	case "revert":
		err = runRevert(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "otactl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("otactl - dual-slot OTA reference harness")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  otactl push [-device path] <manifest.json> <dir>")
	fmt.Println("  otactl status [-device path] [-bootcfg path]")
	fmt.Println("  otactl commit [-bootcfg path]")
	fmt.Println("  otactl revert [-bootcfg path]")
}

func commonFlags(fs *flag.FlagSet) (*string, *string) {
	device := fs.String("device", "otactl-flash.img", "path to the file-backed flash image")
	bootcfg := fs.String("bootcfg", "otactl-bootcfg.bin", "path to the boot config record")
	return device, bootcfg
}

func defaultCaps() slot.Pair {
	return slot.Pair{
		{FwAddr: 0, FwCap: defaultFwCap, FsAddr: defaultFwCap, FsCap: defaultFsCap},
		{FwAddr: 2 * defaultFwCap, FwCap: defaultFwCap, FsAddr: 2*defaultFwCap + defaultFsCap, FsCap: defaultFsCap},
	}
}

func runPush(args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	device, bootcfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: otactl push <manifest.json> <dir>")
	}
	manifestPath, dir := fs.Arg(0), fs.Arg(1)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m update.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	dev, err := flash.OpenMmapDevice(*device, defaultDeviceSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	store := bootconfig.NewFileStore(*bootcfgPath)
	driver := update.NewDriver(store, dev, defaultCaps(), 0, 0, watchdog.NoopFeeder{}, nil)

	ctx := context.Background()
	uc, err := driver.Begin(ctx, m)
	if err != nil {
		return fmt.Errorf("begin: %w (code %d)", err, update.CodeOf(err))
	}

	for _, entry := range []update.FileEntry{m.Fw, m.Fs} {
		if err := pushFile(ctx, driver, uc, dir, entry.Src); err != nil {
			driver.Free(uc)
			return err
		}
	}

	if err := driver.Finalize(ctx, uc); err != nil {
		return fmt.Errorf("finalize: %w (code %d)", err, update.CodeOf(err))
	}

	if err := dev.Sync(); err != nil {
		return err
	}
	fmt.Println("update applied; reboot required to switch slots")
	return nil
}

func pushFile(ctx context.Context, d *update.Driver, c *update.Context, dir, name string) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	action, err := d.FileBegin(ctx, c, name, uint32(st.Size()))
	if err != nil {
		return fmt.Errorf("file_begin %s: %w (code %d)", name, err, update.CodeOf(err))
	}
	if action != update.ActionProcess {
		fmt.Printf("skipping %s (already up to date)\n", name)
		return nil
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := d.FileData(ctx, c, buf[:n]); werr != nil {
				return fmt.Errorf("file_data %s: %w", name, werr)
			}
		}
		if rerr != nil {
			break
		}
	}
	if err := d.FileEnd(ctx, c, nil); err != nil {
		return fmt.Errorf("file_end %s: %w (code %d)", name, err, update.CodeOf(err))
	}
	fmt.Printf("wrote %s (%d bytes)\n", name, st.Size())
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_, bootcfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := bootconfig.NewFileStore(*bootcfgPath)
	ctx := context.Background()
	cfg, err := store.Get(ctx)
	if err != nil {
		return err
	}

	view := cfg.View()
	st := status.Status{
		State:       stateFor(cfg),
		IsCommitted: view.IsCommitted,
		Partition:   view.Active,
	}
	pub := status.NewLogPublisher(nil)
	return pub.Publish(ctx, st)
}

func stateFor(cfg bootconfig.Config) status.State {
	switch {
	case cfg.FwUpdated && cfg.IsFirstBoot:
		return status.Progress
	case cfg.FwUpdated:
		return status.Success
	default:
		return status.Idle
	}
}

func runCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	_, bootcfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	store := bootconfig.NewFileStore(*bootcfgPath)
	c := commit.New(store, nil)
	if err := c.Commit(context.Background()); err != nil {
		return err
	}
	fmt.Println("committed")
	return nil
}

func runRevert(args []string) error {
	fs := flag.NewFlagSet("revert", flag.ExitOnError)
	_, bootcfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		store := bootconfig.NewFileStore(*bootcfgPath)
		c := commit.New(store, nil)
		if err := c.Revert(context.Background()); err != nil {
			return err
		}
		fmt.Println("reverted")
		return nil
	}
	fmt.Print("Revert active slot? [y/N] ")
	var answer string
	fmt.Scanln(&answer)
	if answer != "y" && answer != "Y" {
		fmt.Println("aborted")
		return nil
	}
	store := bootconfig.NewFileStore(*bootcfgPath)
	c := commit.New(store, nil)
	if err := c.Revert(context.Background()); err != nil {
		return err
	}
	fmt.Println("reverted")
	return nil
}
