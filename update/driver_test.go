package update_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/openenterprise/otacore/bootconfig"
	"github.com/openenterprise/otacore/flash"
	"github.com/openenterprise/otacore/slot"
	"github.com/openenterprise/otacore/update"
	"github.com/openenterprise/otacore/watchdog"
)

const (
	fwCap = 0x40000
	fsCap = 0x40000
)

func sha1Hex(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

func testCaps() slot.Pair {
	return slot.Pair{
		{FwAddr: 0, FwCap: fwCap, FsAddr: fwCap, FsCap: fsCap},
		{FwAddr: 2 * fwCap, FwCap: fwCap, FsAddr: 3 * fwCap, FsCap: fsCap},
	}
}

func newHarness(t *testing.T) (*update.Driver, *flash.MemDevice, bootconfig.Store) {
	t.Helper()
	caps := testCaps()
	dev := flash.NewMemDevice(4 * fwCap)
	dev.EraseAll()
	store := bootconfig.NewFileStore(t.TempDir() + "/bootcfg.bin")
	// active = 0, inactive = 1, with the inactive slot's layout populated.
	if err := store.Set(context.Background(), bootconfig.Config{Active: 0, Previous: 0, FwUpdated: false}); err != nil {
		t.Fatal(err)
	}
	d := update.NewDriver(store, dev, caps, 0, 0, watchdog.NoopFeeder{}, nil)
	return d, dev, store
}

func streamFile(t *testing.T, d *update.Driver, c *update.Context, name string, data []byte) {
	t.Helper()
	ctx := context.Background()
	action, err := d.FileBegin(ctx, c, name, uint32(len(data)))
	if err != nil {
		t.Fatalf("FileBegin(%s): %v", name, err)
	}
	if action != update.ActionProcess {
		t.Fatalf("FileBegin(%s) action = %v, want ActionProcess", name, action)
	}

	chunkSize := 17 // deliberately not a multiple of 4, to exercise tail buffering
	i := 0
	for i < len(data) {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := d.FileData(ctx, c, data[i:end]); err != nil {
			t.Fatalf("FileData(%s): %v", name, err)
		}
		i = end
	}
	// Whatever didn't land word-aligned is already buffered inside the
	// writer; FileEnd is always called with an empty or short tail here
	// since streamFile doesn't track the remainder itself.
	if err := d.FileEnd(ctx, c, nil); err != nil {
		t.Fatalf("FileEnd(%s): %v", name, err)
	}
}

func TestHappyPath(t *testing.T) {
	d, dev, store := newHarness(t)
	fw := bytes.Repeat([]byte{0xAA}, 1000)
	fs := bytes.Repeat([]byte{0xBB}, 2000)

	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: sha1Hex(fw)},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 0x200000, ChecksumHex: sha1Hex(fs)},
	}

	ctx := context.Background()
	c, err := d.Begin(ctx, m)
	if err != nil {
		t.Fatal(err)
	}

	streamFile(t, d, c, "fw.bin", fw)
	streamFile(t, d, c, "fs.bin", fs)

	if err := d.Finalize(ctx, c); err != nil {
		t.Fatal(err)
	}

	cfg, err := store.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Active != 1 || cfg.Previous != 0 {
		t.Fatalf("active/previous = %d/%d, want 1/0", cfg.Active, cfg.Previous)
	}
	if cfg.FwUpdated != true || !cfg.MergePending() {
		t.Fatalf("expected fw_updated and MERGE_FS set after finalize")
	}
	if cfg.View().IsCommitted {
		t.Fatal("expected not committed right after finalize")
	}

	fwAddr := testCaps()[1].FwAddr
	if !bytes.Equal(dev.Bytes()[fwAddr:fwAddr+uint32(len(fw))], fw) {
		t.Fatal("fw content not written to flash correctly")
	}
}

func TestWrongChecksumAbortsWithoutTouchingActive(t *testing.T) {
	d, _, store := newHarness(t)
	fw := bytes.Repeat([]byte{0xAA}, 1000)
	wrongHash := sha1Hex(bytes.Repeat([]byte{0xCC}, 1000))

	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: wrongHash},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 0x200000, ChecksumHex: sha1Hex([]byte("fs"))},
	}

	ctx := context.Background()
	c, err := d.Begin(ctx, m)
	if err != nil {
		t.Fatal(err)
	}

	action, err := d.FileBegin(ctx, c, "fw.bin", uint32(len(fw)))
	if err != nil || action != update.ActionProcess {
		t.Fatalf("FileBegin: action=%v err=%v", action, err)
	}
	if _, err := d.FileData(ctx, c, fw); err != nil {
		t.Fatal(err)
	}
	err = d.FileEnd(ctx, c, nil)
	if err != update.ErrInvalidChecksum {
		t.Fatalf("FileEnd error = %v, want ErrInvalidChecksum", err)
	}
	if update.CodeOf(err) != -2 {
		t.Fatalf("CodeOf = %d, want -2", update.CodeOf(err))
	}

	cfg, err := store.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Active != 0 {
		t.Fatalf("active = %d, want 0 (unchanged)", cfg.Active)
	}
}

func TestSkipIdenticalFirmware(t *testing.T) {
	d, dev, store := newHarness(t)
	fw := bytes.Repeat([]byte{0xAA}, 1000)
	fs := bytes.Repeat([]byte{0xBB}, 2000)

	// Pre-populate the inactive slot's fw region with the correct bytes.
	if _, err := dev.WriteAt(fw, int64(testCaps()[1].FwAddr)); err != nil {
		t.Fatal(err)
	}

	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: sha1Hex(fw)},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 0x200000, ChecksumHex: sha1Hex(fs)},
	}

	ctx := context.Background()
	c, err := d.Begin(ctx, m)
	if err != nil {
		t.Fatal(err)
	}

	writesBefore := dev.WriteCalls
	action, err := d.FileBegin(ctx, c, "fw.bin", uint32(len(fw)))
	if err != nil {
		t.Fatal(err)
	}
	if action != update.ActionSkip {
		t.Fatalf("action = %v, want ActionSkip", action)
	}
	if dev.WriteCalls != writesBefore {
		t.Fatalf("expected no writes for a skipped file, got %d new writes", dev.WriteCalls-writesBefore)
	}

	streamFile(t, d, c, "fs.bin", fs)

	if err := d.Finalize(ctx, c); err != nil {
		t.Fatal(err)
	}
	cfg, _ := store.Get(ctx)
	if cfg.RomsSizes[1] != uint32(len(fw)) {
		t.Fatalf("fw_size = %d, want %d (stored from skip)", cfg.RomsSizes[1], len(fw))
	}
}

func TestOversizeImageAborts(t *testing.T) {
	d, _, _ := newHarness(t)
	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: sha1Hex([]byte("x"))},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 0x200000, ChecksumHex: sha1Hex([]byte("y"))},
	}
	ctx := context.Background()
	c, err := d.Begin(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	action, err := d.FileBegin(ctx, c, "fw.bin", fwCap+1)
	if action != update.ActionAbort || err != update.ErrImageTooBig {
		t.Fatalf("action=%v err=%v, want ActionAbort/ErrImageTooBig", action, err)
	}
}

func TestIncompleteManifestRejected(t *testing.T) {
	d, _, _ := newHarness(t)
	_, err := d.Begin(context.Background(), update.Manifest{})
	if err != update.ErrIncompletePackage {
		t.Fatalf("err = %v, want ErrIncompletePackage", err)
	}
}

func TestInvalidChecksumFormatRejected(t *testing.T) {
	d, _, _ := newHarness(t)
	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: "nothex"},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 1, ChecksumHex: sha1Hex([]byte("y"))},
	}
	_, err := d.Begin(context.Background(), m)
	if err != update.ErrInvalidChecksumFormat {
		t.Fatalf("err = %v, want ErrInvalidChecksumFormat", err)
	}
}

func TestDoubleBeginRejected(t *testing.T) {
	d, _, _ := newHarness(t)
	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: sha1Hex([]byte("x"))},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 1, ChecksumHex: sha1Hex([]byte("y"))},
	}
	ctx := context.Background()
	if _, err := d.Begin(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Begin(ctx, m); err != update.ErrAlreadyInFlight {
		t.Fatalf("err = %v, want ErrAlreadyInFlight", err)
	}
}

func TestOddLengthFilesRoundTrip(t *testing.T) {
	d, dev, store := newHarness(t)
	// Sizes deliberately not multiples of wordSize (4), to exercise the
	// final padded-word commit against a tightened writer cap.
	fw := bytes.Repeat([]byte{0xAA}, 1001)
	fs := bytes.Repeat([]byte{0xBB}, 2002)

	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: sha1Hex(fw)},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 0x200000, ChecksumHex: sha1Hex(fs)},
	}

	ctx := context.Background()
	c, err := d.Begin(ctx, m)
	if err != nil {
		t.Fatal(err)
	}

	streamFile(t, d, c, "fw.bin", fw)
	streamFile(t, d, c, "fs.bin", fs)

	if err := d.Finalize(ctx, c); err != nil {
		t.Fatal(err)
	}

	cfg, err := store.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RomsSizes[1] != uint32(len(fw)) {
		t.Fatalf("fw_size = %d, want %d", cfg.RomsSizes[1], len(fw))
	}
	if cfg.FsSizes[1] != uint32(len(fs)) {
		t.Fatalf("fs_size = %d, want %d", cfg.FsSizes[1], len(fs))
	}
	fwAddr := testCaps()[1].FwAddr
	if !bytes.Equal(dev.Bytes()[fwAddr:fwAddr+uint32(len(fw))], fw) {
		t.Fatal("fw content not written to flash correctly")
	}
}

func TestUnmatchedFileIsSkippedSilently(t *testing.T) {
	d, _, _ := newHarness(t)
	m := update.Manifest{
		Fw: update.FileEntry{Src: "fw.bin", ChecksumHex: sha1Hex([]byte("x"))},
		Fs: update.FileEntry{Src: "fs.bin", Addr: 1, ChecksumHex: sha1Hex([]byte("y"))},
	}
	ctx := context.Background()
	c, err := d.Begin(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	action, err := d.FileBegin(ctx, c, "readme.txt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if action != update.ActionSkip {
		t.Fatalf("action = %v, want ActionSkip", action)
	}
}
