package ptp

import "github.com/mtpusbd/mtpusbd/internal/leconv"

// ObjectInfo is the decoded ObjectInfo dataset returned by
// GetObjectInfo and sent (without Filename's trailing date fields
// filled in) to SendObjectInfo.
type ObjectInfo struct {
	StorageID             uint32
	ObjectFormat          uint16
	ProtectionStatus      uint16
	ObjectCompressedSize  uint32
	ThumbFormat           uint16
	ThumbCompressedSize   uint32
	ThumbPixWidth         uint32
	ThumbPixHeight        uint32
	ImagePixWidth         uint32
	ImagePixHeight        uint32
	ImageBitDepth         uint32
	ParentObject          uint32
	AssociationType       uint16
	AssociationDesc       uint32
	SequenceNumber        uint32
	Filename              string
	CaptureDate           string
	ModificationDate      string
	Keywords              string
}

// IsFolder reports whether the object is an association (folder),
// per spec.md §4.9's identity-resolution rule.
func (o ObjectInfo) IsFolder() bool {
	return o.ObjectFormat == ObjectFormatAssociation && o.AssociationType == AssociationTypeFolder
}

// DecodeObjectInfo parses a GetObjectInfo response dataset. It never
// panics: malformed or truncated input returns ok=false.
func DecodeObjectInfo(b []byte) (ObjectInfo, bool) {
	var o ObjectInfo
	off := 0

	var ok bool
	if o.StorageID, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ObjectFormat, ok = leconv.Uint16(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 2

	if o.ProtectionStatus, ok = leconv.Uint16(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 2

	if o.ObjectCompressedSize, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ThumbFormat, ok = leconv.Uint16(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 2

	if o.ThumbCompressedSize, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ThumbPixWidth, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ThumbPixHeight, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ImagePixWidth, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ImagePixHeight, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ImageBitDepth, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.ParentObject, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.AssociationType, ok = leconv.Uint16(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 2

	if o.AssociationDesc, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	if o.SequenceNumber, ok = leconv.Uint32(b, off); !ok {
		return ObjectInfo{}, false
	}
	off += 4

	for _, dst := range []*string{&o.Filename, &o.CaptureDate, &o.ModificationDate, &o.Keywords} {
		s, n, ok := leconv.PTPString(b, off)
		if !ok {
			return ObjectInfo{}, false
		}
		*dst = s
		off += n
	}

	return o, true
}

// EncodeObjectInfo serializes an ObjectInfo dataset for SendObjectInfo,
// in the same field order DecodeObjectInfo reads.
func EncodeObjectInfo(o ObjectInfo) []byte {
	var b []byte
	b = append(b, leconv.PutUint32(o.StorageID)...)
	b = append(b, leconv.PutUint16(o.ObjectFormat)...)
	b = append(b, leconv.PutUint16(o.ProtectionStatus)...)
	b = append(b, leconv.PutUint32(o.ObjectCompressedSize)...)
	b = append(b, leconv.PutUint16(o.ThumbFormat)...)
	b = append(b, leconv.PutUint32(o.ThumbCompressedSize)...)
	b = append(b, leconv.PutUint32(o.ThumbPixWidth)...)
	b = append(b, leconv.PutUint32(o.ThumbPixHeight)...)
	b = append(b, leconv.PutUint32(o.ImagePixWidth)...)
	b = append(b, leconv.PutUint32(o.ImagePixHeight)...)
	b = append(b, leconv.PutUint32(o.ImageBitDepth)...)
	b = append(b, leconv.PutUint32(o.ParentObject)...)
	b = append(b, leconv.PutUint16(o.AssociationType)...)
	b = append(b, leconv.PutUint32(o.AssociationDesc)...)
	b = append(b, leconv.PutUint32(o.SequenceNumber)...)
	b = append(b, leconv.PutPTPString(o.Filename)...)
	b = append(b, leconv.PutPTPString(o.CaptureDate)...)
	b = append(b, leconv.PutPTPString(o.ModificationDate)...)
	b = append(b, leconv.PutPTPString(o.Keywords)...)
	return b
}

// DecodeUint32Array parses a PTP array of u32 elements: a u32 count
// followed by that many little-endian u32 values. Used to decode
// GetObjectHandles and GetStorageIDs response data.
func DecodeUint32Array(b []byte) ([]uint32, bool) {
	count, ok := leconv.Uint32(b, 0)
	if !ok {
		return nil, false
	}

	vals := make([]uint32, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		v, ok := leconv.Uint32(b, off)
		if !ok {
			return nil, false
		}
		vals = append(vals, v)
		off += 4
	}

	return vals, true
}
