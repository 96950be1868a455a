package commit

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sethvargo/go-retry"
)

// timeoutMagic tags a valid on-disk TimeoutRecord so a zero-length or
// garbage file is never mistaken for a configured timeout.
const timeoutMagic = 0x4F544F54 // "OTOT"

const timeoutRecordVersion = 1

const timeoutRecordSize = 4 + 2 + 2 + 4 // magic, version, pad, seconds

// TimeoutRecord is the on-disk record of the commit deadline a caller
// configured for the current boot.
type TimeoutRecord struct {
	Magic                uint32
	Version              uint16
	CommitTimeoutSeconds int32
}

func encodeTimeoutRecord(r TimeoutRecord) []byte {
	buf := make([]byte, timeoutRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], r.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.CommitTimeoutSeconds))
	return buf
}

func decodeTimeoutRecord(buf []byte) (TimeoutRecord, error) {
	if len(buf) < timeoutRecordSize {
		return TimeoutRecord{}, fmt.Errorf("commit: short timeout record (%d bytes)", len(buf))
	}
	r := TimeoutRecord{
		Magic:                binary.LittleEndian.Uint32(buf[0:4]),
		Version:              binary.LittleEndian.Uint16(buf[4:6]),
		CommitTimeoutSeconds: int32(binary.LittleEndian.Uint32(buf[8:12])),
	}
	if r.Magic != timeoutMagic {
		return TimeoutRecord{}, fmt.Errorf("commit: bad timeout record magic %#x", r.Magic)
	}
	if r.Version != timeoutRecordVersion {
		return TimeoutRecord{}, fmt.Errorf("commit: unsupported timeout record version %d", r.Version)
	}
	return r, nil
}

// TimeoutStore persists the commit-timeout record across a reboot, using
// the same atomic-rename discipline as bootconfig.FileStore so a crash
// mid-write never leaves a torn record behind.
type TimeoutStore struct {
	path    string
	backoff retry.Backoff
}

// NewTimeoutStore returns a TimeoutStore rooted at path, retrying
// transient write failures with a bounded exponential backoff.
func NewTimeoutStore(path string) *TimeoutStore {
	b, err := retry.NewExponential(10 * time.Millisecond)
	if err != nil {
		panic(err)
	}
	b = retry.WithMaxRetries(3, b)
	return &TimeoutStore{path: path, backoff: b}
}

// Set persists seconds as the current boot's commit deadline.
func (s *TimeoutStore) Set(ctx context.Context, seconds int32) error {
	rec := TimeoutRecord{Magic: timeoutMagic, Version: timeoutRecordVersion, CommitTimeoutSeconds: seconds}
	buf := encodeTimeoutRecord(rec)
	return retry.Do(ctx, s.backoff, func(ctx context.Context) error {
		err := atomic.WriteFile(s.path, bytes.NewReader(buf))
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Get reads the current commit deadline. ok is false if no timeout has
// ever been configured (no record on disk).
func (s *TimeoutStore) Get(ctx context.Context) (seconds int32, ok bool, err error) {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("commit: read %s: %w", s.path, err)
	}
	rec, err := decodeTimeoutRecord(buf)
	if err != nil {
		return 0, false, err
	}
	return rec.CommitTimeoutSeconds, true, nil
}

// Clear removes a previously configured timeout so a later IsFirstBoot
// check without a Watch doesn't spuriously auto-revert.
func (s *TimeoutStore) Clear(ctx context.Context) error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Watch returns a channel that is closed after timeout elapses unless
// stop is called first. The caller is expected to call Controller.Revert
// when the channel fires and Controller.Commit (plus stop) to cancel it.
func Watch(timeout time.Duration) (fired <-chan struct{}, stop func()) {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { close(done) })
	return done, func() { timer.Stop() }
}
