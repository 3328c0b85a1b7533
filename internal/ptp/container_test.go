package ptp

import (
	"bytes"
	"testing"
	"testing/quick"

	"github.com/mtpusbd/mtpusbd/internal/mtperr"
)

func TestEncodeCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		code   uint16
		txnID  uint32
		params []uint32
	}{
		{"no-params", OpGetDeviceInfo, 0, nil},
		{"one-param", OpGetObjectInfo, 1, []uint32{0x1234}},
		{"five-params", OpGetObjectHandles, 7, []uint32{1, 2, 3, 4, 5}},
		{"overflow-params-truncated", OpGetObjectHandles, 9, []uint32{1, 2, 3, 4, 5, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := EncodeCommand(tt.code, tt.txnID, tt.params)
			c, err := Parse(b)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if c.Kind != KindCommand {
				t.Fatalf("Kind = %v, want Command", c.Kind)
			}
			if c.Code != tt.code || c.TransactionID != tt.txnID {
				t.Fatalf("got code=%x txn=%d, want code=%x txn=%d", c.Code, c.TransactionID, tt.code, tt.txnID)
			}

			want := tt.params
			if len(want) > MaxCommandParams {
				want = want[:MaxCommandParams]
			}
			if len(want) == 0 {
				want = nil
			}
			if len(c.Params) != len(want) {
				t.Fatalf("params = %v, want %v", c.Params, want)
			}
			for i := range want {
				if c.Params[i] != want[i] {
					t.Fatalf("params[%d] = %x, want %x", i, c.Params[i], want[i])
				}
			}
		})
	}
}

func TestEncodeDataRoundTrip(t *testing.T) {
	payload := []byte("hello object data")
	b := EncodeData(OpGetObject, 3, payload)

	c, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Kind != KindData {
		t.Fatalf("Kind = %v, want Data", c.Kind)
	}
	if !bytes.Equal(c.Payload, payload) {
		t.Fatalf("Payload = %q, want %q", c.Payload, payload)
	}
}

func TestParseRejectsShortHeader(t *testing.T) {
	for n := 0; n < HeaderLen; n++ {
		_, err := Parse(make([]byte, n))
		if err == nil {
			t.Fatalf("len=%d: expected ErrShortHeader", n)
		}
		if _, ok := err.(ErrShortHeader); !ok {
			t.Fatalf("len=%d: got %T, want ErrShortHeader", n, err)
		}
	}
}

func TestParseRejectsBadLength(t *testing.T) {
	b := EncodeCommand(OpGetDeviceInfo, 1, nil)
	// Claim a length larger than the buffer actually holds.
	b[0] = 0xFF

	if _, err := Parse(b); err == nil {
		t.Fatal("expected ErrBadLength")
	}
}

func TestParseRejectsBadKind(t *testing.T) {
	b := EncodeCommand(OpGetDeviceInfo, 1, nil)
	b[4] = 0x99 // kind byte, low order

	if _, err := Parse(b); err == nil {
		t.Fatal("expected ErrBadKind")
	}
}

// TestParseNeverPanics is the fuzz-shaped property from the codec's
// quantified round-trip/parse invariants: Parse must reject malformed
// input with an error, never panic, for arbitrary byte slices.
func TestParseNeverPanics(t *testing.T) {
	f := func(b []byte) bool {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Parse panicked on input %x: %v", b, r)
			}
		}()
		Parse(b)
		return true
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Fatal(err)
	}
}

func TestResponseErrorMapping(t *testing.T) {
	tests := []struct {
		code uint16
		want error
	}{
		{RespOK, nil},
		{RespInvalidStorageID, mtperr.ErrObjectNotFound},
		{RespInvalidObjectHandle, mtperr.ErrObjectNotFound},
		{RespStorageFull, mtperr.ErrStorageFull},
		{RespObjectWriteProtected, mtperr.ErrWriteProtected},
		{RespStoreReadOnly, mtperr.ErrReadOnly},
		{RespDeviceBusy, mtperr.ErrBusy},
		// spec.md §4.2/§7/§8.4 scenario 3 all name DeviceBusy as 0x2003
		// literally; pin the wire value here so a future constant
		// regression (RespDeviceBusy drifting to some other code) is
		// caught even if RespDeviceBusy itself stays self-consistent.
		{0x2003, mtperr.ErrBusy},
	}

	for _, tt := range tests {
		got := ResponseError(tt.code)
		if tt.want == nil {
			if got != nil {
				t.Errorf("code %x: got %v, want nil", tt.code, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("code %x: got %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestResponseErrorUnmappedIsProtocolError(t *testing.T) {
	err := ResponseError(0x2002)
	pe, ok := err.(*mtperr.ProtocolError)
	if !ok {
		t.Fatalf("got %T, want *mtperr.ProtocolError", err)
	}
	if pe.Code != 0x2002 {
		t.Fatalf("Code = %x, want 0x2002", pe.Code)
	}
}
