package update

import "errors"

// Sentinel errors for the driver's named failure modes. Transports
// that still need a legacy integer status contract should use CodeOf
// rather than matching on these directly where possible.
var (
	ErrInvalidManifest       = errors.New("update: invalid manifest")
	ErrIncompletePackage     = errors.New("update: incomplete update package")
	ErrInvalidChecksumFormat = errors.New("update: invalid checksum format")
	ErrUnsupportedPlatform   = errors.New("update: unsupported platform")
	ErrFlashParamRead        = errors.New("update: flash parameter read failed")

	ErrImageTooBig      = errors.New("update: image too big")
	ErrUnmatchedFile    = errors.New("update: unmatched file entry")
	ErrInvalidChecksum  = errors.New("update: invalid checksum")
	ErrFlashParamWrite  = errors.New("update: flash parameter write failed")
	ErrTailTooLong      = errors.New("update: tail must be shorter than a word")
	ErrMissingFirmware  = errors.New("update: missing firmware component")
	ErrMissingFilesystem = errors.New("update: missing filesystem component")
	ErrBootConfigPersist = errors.New("update: failed to set boot config")

	ErrAlreadyInFlight = errors.New("update: another update is already in flight")
	ErrNoSuchContext   = errors.New("update: no in-flight update for this handle")
	ErrWrongState      = errors.New("update: operation not valid in current state")
)

// CodeOf maps a sentinel error returned by this package to a negative
// status code, for transports written against a legacy integer
// convention. Unrecognized errors map to -1.
func CodeOf(err error) int {
	switch {
	case err == nil:
		return 1
	case errors.Is(err, ErrInvalidManifest):
		return -1
	case errors.Is(err, ErrIncompletePackage):
		return -3
	case errors.Is(err, ErrInvalidChecksumFormat):
		return -4
	case errors.Is(err, ErrUnsupportedPlatform):
		return -5
	case errors.Is(err, ErrFlashParamRead):
		return -6
	case errors.Is(err, ErrInvalidChecksum):
		return -2
	case errors.Is(err, ErrFlashParamWrite):
		return -3
	case errors.Is(err, ErrMissingFirmware):
		return -1
	case errors.Is(err, ErrMissingFilesystem):
		return -2
	case errors.Is(err, ErrBootConfigPersist):
		return -3
	default:
		return -1
	}
}
