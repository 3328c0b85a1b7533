package ptp

import "github.com/mtpusbd/mtpusbd/internal/leconv"

// DeviceInfo is the decoded GetDeviceInfo response dataset: the fixed
// header fields plus the five variable-length u16 arrays and the four
// PTP strings that follow them, in wire order.
type DeviceInfo struct {
	StandardVersion       uint16
	VendorExtensionID     uint32
	VendorExtensionVersion uint16
	VendorExtensionDesc   string
	FunctionalMode        uint16
	OperationsSupported   []uint16
	EventsSupported       []uint16
	DevicePropertiesSupported []uint16
	CaptureFormats        []uint16
	ImageFormats          []uint16
	Manufacturer          string
	Model                 string
	DeviceVersion         string
	SerialNumber          string
}

// u16Array decodes a PTP array: a u32 count followed by that many
// little-endian u16 elements.
func u16Array(b []byte, off int) (vals []uint16, consumed int, ok bool) {
	count, ok := leconv.Uint32(b, off)
	if !ok {
		return nil, 0, false
	}
	off += 4
	consumed = 4

	vals = make([]uint16, 0, count)
	for i := uint32(0); i < count; i++ {
		v, ok := leconv.Uint16(b, off)
		if !ok {
			return nil, 0, false
		}
		vals = append(vals, v)
		off += 2
		consumed += 2
	}

	return vals, consumed, true
}

// DecodeDeviceInfo parses a GetDeviceInfo response dataset. It never
// panics: malformed or truncated input returns ok=false.
func DecodeDeviceInfo(b []byte) (DeviceInfo, bool) {
	var info DeviceInfo
	off := 0

	v, ok := leconv.Uint16(b, off)
	if !ok {
		return DeviceInfo{}, false
	}
	info.StandardVersion = v
	off += 2

	vendorID, ok := leconv.Uint32(b, off)
	if !ok {
		return DeviceInfo{}, false
	}
	info.VendorExtensionID = vendorID
	off += 4

	vendorVer, ok := leconv.Uint16(b, off)
	if !ok {
		return DeviceInfo{}, false
	}
	info.VendorExtensionVersion = vendorVer
	off += 2

	s, n, ok := leconv.PTPString(b, off)
	if !ok {
		return DeviceInfo{}, false
	}
	info.VendorExtensionDesc = s
	off += n

	mode, ok := leconv.Uint16(b, off)
	if !ok {
		return DeviceInfo{}, false
	}
	info.FunctionalMode = mode
	off += 2

	for _, dst := range []*[]uint16{
		&info.OperationsSupported,
		&info.EventsSupported,
		&info.DevicePropertiesSupported,
		&info.CaptureFormats,
		&info.ImageFormats,
	} {
		vals, n, ok := u16Array(b, off)
		if !ok {
			return DeviceInfo{}, false
		}
		*dst = vals
		off += n
	}

	for _, dst := range []*string{
		&info.Manufacturer,
		&info.Model,
		&info.DeviceVersion,
		&info.SerialNumber,
	} {
		s, n, ok := leconv.PTPString(b, off)
		if !ok {
			return DeviceInfo{}, false
		}
		*dst = s
		off += n
	}

	return info, true
}

// SupportsOperation reports whether code appears in
// OperationsSupported.
func (d DeviceInfo) SupportsOperation(code uint16) bool {
	for _, c := range d.OperationsSupported {
		if c == code {
			return true
		}
	}
	return false
}

// SupportsEvent reports whether code appears in EventsSupported.
func (d DeviceInfo) SupportsEvent(code uint16) bool {
	for _, c := range d.EventsSupported {
		if c == code {
			return true
		}
	}
	return false
}
