// Package checksum streams SHA-1 over flash regions for integrity
// verification, and for the skip-if-already-flashed optimization.
package checksum

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/openenterprise/otacore/flash"
	"github.com/openenterprise/otacore/watchdog"
)

// bufWords is the maximum buffer size in 4-byte words used while
// streaming.
const bufWords = 64
const bufSize = bufWords * 4

// Compute streams addr..addr+length of dev through SHA-1, feeding feed
// after every buffer, and returns the lowercase hex digest.
func Compute(ctx context.Context, dev flash.Device, addr, length uint32, feed watchdog.Feeder) (string, error) {
	h := sha1.New()
	buf := make([]byte, bufSize)
	remaining := length
	offset := int64(addr)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n := bufSize
		if uint32(n) > remaining {
			n = int(remaining)
		}
		if _, err := dev.ReadAt(buf[:n], offset); err != nil {
			return "", fmt.Errorf("checksum: read at %#x: %w", offset, err)
		}
		h.Write(buf[:n])
		offset += int64(n)
		remaining -= uint32(n)
		if feed != nil {
			feed.Feed()
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify computes the SHA-1 of addr..addr+length and compares it,
// case-insensitively, against expectedHex. When critical is true, the
// digests mismatch and logger is non-nil, the mismatch is logged at
// error level — this is
// the "post-write integrity check" use; when critical is false this is
// the "skip if already flashed" pre-check and a mismatch is unremarkable.
func Verify(ctx context.Context, dev flash.Device, addr, length uint32, expectedHex string, critical bool, logger *slog.Logger, feed watchdog.Feeder) (bool, error) {
	actual, err := Compute(ctx, dev, addr, length, feed)
	if err != nil {
		return false, err
	}
	match := strings.EqualFold(actual, expectedHex)
	if !match && critical && logger != nil {
		logger.Error("checksum mismatch",
			slog.Uint64("addr", uint64(addr)),
			slog.String("length", humanize.Bytes(uint64(length))),
			slog.String("expected", expectedHex),
			slog.String("actual", actual),
		)
	}
	return match, nil
}
