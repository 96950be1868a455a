package bootconfig

import (
	"context"
	"fmt"

	"github.com/openenterprise/otacore/flash"
)

// FlashStore reads/writes the boot config record at a fixed flash
// address, for the embedded target where the external bootloader owns
// the page. The record format is private to this module; a real
// bootloader's own layout would be translated at this boundary, which is
// why Store is an interface in the first place.
type FlashStore struct {
	dev  flash.Device
	addr uint32
}

// NewFlashStore returns a FlashStore for the boot config page at addr.
func NewFlashStore(dev flash.Device, addr uint32) *FlashStore {
	return &FlashStore{dev: dev, addr: addr}
}

func (s *FlashStore) Get(ctx context.Context) (Config, error) {
	buf := make([]byte, fileRecordSize)
	if _, err := s.dev.ReadAt(buf, int64(s.addr)); err != nil {
		return Config{}, fmt.Errorf("bootconfig: read flash at %#x: %w", s.addr, err)
	}
	// An unwritten (erased) page decodes to zero-valued config, which is
	// the correct "never configured" representation.
	allErased := true
	for _, b := range buf {
		if b != 0xFF {
			allErased = false
			break
		}
	}
	if allErased {
		return Config{}, nil
	}
	return decodeConfig(buf)
}

func (s *FlashStore) Set(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.dev.Erase(s.addr, flash.PageSize); err != nil {
		return fmt.Errorf("bootconfig: erase flash at %#x: %w", s.addr, err)
	}
	buf := encodeConfig(cfg)
	if _, err := s.dev.WriteAt(buf, int64(s.addr)); err != nil {
		return fmt.Errorf("bootconfig: write flash at %#x: %w", s.addr, err)
	}
	return nil
}
