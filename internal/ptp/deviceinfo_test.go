package ptp

import (
	"reflect"
	"testing"

	"github.com/mtpusbd/mtpusbd/internal/leconv"
)

func encodeDeviceInfo(d DeviceInfo) []byte {
	var b []byte
	b = append(b, leconv.PutUint16(d.StandardVersion)...)
	b = append(b, leconv.PutUint32(d.VendorExtensionID)...)
	b = append(b, leconv.PutUint16(d.VendorExtensionVersion)...)
	b = append(b, leconv.PutPTPString(d.VendorExtensionDesc)...)
	b = append(b, leconv.PutUint16(d.FunctionalMode)...)
	for _, arr := range [][]uint16{
		d.OperationsSupported,
		d.EventsSupported,
		d.DevicePropertiesSupported,
		d.CaptureFormats,
		d.ImageFormats,
	} {
		b = append(b, leconv.PutUint32(uint32(len(arr)))...)
		for _, v := range arr {
			b = append(b, leconv.PutUint16(v)...)
		}
	}
	for _, s := range []string{d.Manufacturer, d.Model, d.DeviceVersion, d.SerialNumber} {
		b = append(b, leconv.PutPTPString(s)...)
	}
	return b
}

func TestDecodeDeviceInfoRoundTrip(t *testing.T) {
	want := DeviceInfo{
		StandardVersion:        100,
		VendorExtensionID:      6,
		VendorExtensionVersion: 100,
		VendorExtensionDesc:    "microsoft.com: 1.0",
		FunctionalMode:         0,
		OperationsSupported:    []uint16{OpGetDeviceInfo, OpOpenSession, OpGetObjPropList},
		EventsSupported:        []uint16{EventObjectAdded},
		DevicePropertiesSupported: []uint16{},
		CaptureFormats:         []uint16{},
		ImageFormats:           []uint16{0x3000},
		Manufacturer:           "Acme",
		Model:                  "Widget 3000",
		DeviceVersion:          "1.2.3",
		SerialNumber:           "ABCDEF123456",
	}

	got, ok := DecodeDeviceInfo(encodeDeviceInfo(want))
	if !ok {
		t.Fatal("DecodeDeviceInfo: decode failed")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DecodeDeviceInfo round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestDecodeDeviceInfoTruncated(t *testing.T) {
	full := encodeDeviceInfo(DeviceInfo{
		OperationsSupported: []uint16{OpGetDeviceInfo},
		Manufacturer:        "Acme",
	})

	for n := 0; n < len(full); n++ {
		if _, ok := DecodeDeviceInfo(full[:n]); ok {
			t.Fatalf("DecodeDeviceInfo(%d bytes): expected failure on truncated input", n)
		}
	}
}

func TestSupportsOperationAndEvent(t *testing.T) {
	d := DeviceInfo{
		OperationsSupported: []uint16{OpGetObjPropsSupported, OpGetObjPropList},
		EventsSupported:     []uint16{EventObjectAdded},
	}

	if !d.SupportsOperation(OpGetObjPropList) {
		t.Fatal("expected OpGetObjPropList to be supported")
	}
	if d.SupportsOperation(OpSendPartialObject) {
		t.Fatal("did not expect OpSendPartialObject to be supported")
	}
	if !d.SupportsEvent(EventObjectAdded) {
		t.Fatal("expected EventObjectAdded to be supported")
	}
	if d.SupportsEvent(EventStoreFull) {
		t.Fatal("did not expect EventStoreFull to be supported")
	}
}
