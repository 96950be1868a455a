package bootconfig

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// fileRecordSize is the fixed-width encoding used by FileStore: 2 uint8 +
// 2 bool (as uint8) + 1 uint8 + 4x[2]uint32 + 1 uint32.
const fileRecordSize = 1 + 1 + 1 + 1 + 1 + 4*2*4 + 4

// FileStore persists the boot config as a fixed-width binary record in a
// regular file, written atomically (write-temp-then-rename) so a crash
// mid-write never leaves a torn record. This is the reference backend
// used by cmd/otactl and by most tests in this module; a real device
// uses FlashStore against the bootloader's flash page instead.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore persisting to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(ctx context.Context) (Config, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("bootconfig: read %s: %w", s.path, err)
	}
	return decodeConfig(data)
}

func (s *FileStore) Set(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	buf := encodeConfig(cfg)
	if err := atomic.WriteFile(s.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("bootconfig: persist %s: %w", s.path, err)
	}
	return nil
}

func encodeConfig(cfg Config) []byte {
	buf := make([]byte, fileRecordSize)
	i := 0
	buf[i] = cfg.Active
	i++
	buf[i] = cfg.Previous
	i++
	buf[i] = boolToByte(cfg.FwUpdated)
	i++
	buf[i] = boolToByte(cfg.IsFirstBoot)
	i++
	buf[i] = cfg.BootAttempts
	i++
	for _, arr := range [][2]uint32{cfg.Roms, cfg.RomsSizes, cfg.FsAddresses, cfg.FsSizes} {
		for _, v := range arr {
			binary.LittleEndian.PutUint32(buf[i:], v)
			i += 4
		}
	}
	binary.LittleEndian.PutUint32(buf[i:], cfg.UserFlags)
	return buf
}

func decodeConfig(data []byte) (Config, error) {
	if len(data) != fileRecordSize {
		return Config{}, fmt.Errorf("bootconfig: corrupt record: got %d bytes, want %d", len(data), fileRecordSize)
	}
	var cfg Config
	i := 0
	cfg.Active = data[i]
	i++
	cfg.Previous = data[i]
	i++
	cfg.FwUpdated = data[i] != 0
	i++
	cfg.IsFirstBoot = data[i] != 0
	i++
	cfg.BootAttempts = data[i]
	i++
	arrays := []*[2]uint32{&cfg.Roms, &cfg.RomsSizes, &cfg.FsAddresses, &cfg.FsSizes}
	for _, arr := range arrays {
		for j := range arr {
			arr[j] = binary.LittleEndian.Uint32(data[i:])
			i += 4
		}
	}
	cfg.UserFlags = binary.LittleEndian.Uint32(data[i:])
	return cfg, nil
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
