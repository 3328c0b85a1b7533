package ptp

import "github.com/mtpusbd/mtpusbd/internal/leconv"

// Storage access capability values (subset spec.md's StorageInfo
// consumers care about).
const (
	AccessCapabilityReadWrite            uint16 = 0x0000
	AccessCapabilityReadOnly             uint16 = 0x0001
	AccessCapabilityReadOnlyNoDeletion   uint16 = 0x0002
)

// StorageInfo is the decoded GetStorageInfo response dataset.
type StorageInfo struct {
	StorageType        uint16
	FilesystemType      uint16
	AccessCapability    uint16
	MaxCapacity         uint64
	FreeSpaceInBytes    uint64
	FreeSpaceInImages   uint32
	StorageDescription  string
	VolumeLabel         string
}

// ReadOnly reports whether AccessCapability forbids writes.
func (s StorageInfo) ReadOnly() bool {
	return s.AccessCapability == AccessCapabilityReadOnly || s.AccessCapability == AccessCapabilityReadOnlyNoDeletion
}

// DecodeStorageInfo parses a GetStorageInfo response dataset. It never
// panics: malformed or truncated input returns ok=false.
func DecodeStorageInfo(b []byte) (StorageInfo, bool) {
	var s StorageInfo
	off := 0

	var ok bool
	if s.StorageType, ok = leconv.Uint16(b, off); !ok {
		return StorageInfo{}, false
	}
	off += 2

	if s.FilesystemType, ok = leconv.Uint16(b, off); !ok {
		return StorageInfo{}, false
	}
	off += 2

	if s.AccessCapability, ok = leconv.Uint16(b, off); !ok {
		return StorageInfo{}, false
	}
	off += 2

	if s.MaxCapacity, ok = leconv.Uint64(b, off); !ok {
		return StorageInfo{}, false
	}
	off += 8

	if s.FreeSpaceInBytes, ok = leconv.Uint64(b, off); !ok {
		return StorageInfo{}, false
	}
	off += 8

	if s.FreeSpaceInImages, ok = leconv.Uint32(b, off); !ok {
		return StorageInfo{}, false
	}
	off += 4

	for _, dst := range []*string{&s.StorageDescription, &s.VolumeLabel} {
		str, n, ok := leconv.PTPString(b, off)
		if !ok {
			return StorageInfo{}, false
		}
		*dst = str
		off += n
	}

	return s, true
}
