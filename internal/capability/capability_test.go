package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/mtpusbd/mtpusbd/internal/mtperr"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

// scriptedResponse describes one command's canned outcome, keyed by
// opcode, so fakeTransactor can answer Transact/TransactWithData
// calls without a real device.
type scriptedResponse struct {
	code uint16
	data []byte
	err  error
}

type fakeTransactor struct {
	scripts map[uint16]scriptedResponse
	calls   []uint16
}

func (f *fakeTransactor) Transact(ctx context.Context, code uint16, params []uint32) (ptp.Container, []byte, error) {
	f.calls = append(f.calls, code)
	s, ok := f.scripts[code]
	if !ok {
		return ptp.Container{Code: ptp.RespGeneralError}, nil, nil
	}
	if s.err != nil {
		return ptp.Container{}, nil, s.err
	}
	return ptp.Container{Code: s.code}, s.data, nil
}

func (f *fakeTransactor) TransactWithData(ctx context.Context, code uint16, params []uint32, payload []byte) (ptp.Container, error) {
	f.calls = append(f.calls, code)
	s, ok := f.scripts[code]
	if !ok {
		return ptp.Container{Code: ptp.RespGeneralError}, nil
	}
	if s.err != nil {
		return ptp.Container{}, s.err
	}
	return ptp.Container{Code: s.code}, nil
}

func u32Array(vals ...uint32) []byte {
	var b []byte
	b = append(b, leU32(uint32(len(vals)))...)
	for _, v := range vals {
		b = append(b, leU32(v)...)
	}
	return b
}

func leU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func baseScripts() map[uint16]scriptedResponse {
	fileInfo := ptp.EncodeObjectInfo(ptp.ObjectInfo{Filename: "a.txt"})
	return map[uint16]scriptedResponse{
		ptp.OpGetStorageIDs:    {code: ptp.RespOK, data: u32Array(0x00010001)},
		ptp.OpGetObjectHandles: {code: ptp.RespOK, data: u32Array(1)},
		ptp.OpGetObjectInfo:    {code: ptp.RespOK, data: fileInfo},
	}
}

func TestProbePreferPropListFromDeviceInfo(t *testing.T) {
	info := ptp.DeviceInfo{OperationsSupported: []uint16{ptp.OpGetObjPropsSupported, ptp.OpGetObjPropList}}
	ft := &fakeTransactor{scripts: baseScripts()}

	caps := probe(context.Background(), ft, info)
	if !caps.PreferPropList {
		t.Fatal("expected PreferPropList when both prop-list ops are advertised")
	}
}

func TestProbePreferPropListFalseWhenOnlyOneOpPresent(t *testing.T) {
	info := ptp.DeviceInfo{OperationsSupported: []uint16{ptp.OpGetObjPropsSupported}}
	ft := &fakeTransactor{scripts: baseScripts()}

	caps := probe(context.Background(), ft, info)
	if caps.PreferPropList {
		t.Fatal("did not expect PreferPropList with only one of the two ops advertised")
	}
}

func TestProbePartialReadSucceeds(t *testing.T) {
	scripts := baseScripts()
	scripts[ptp.OpGetPartialObject] = scriptedResponse{code: ptp.RespOK}
	scripts[ptp.OpGetPartialObject64] = scriptedResponse{code: ptp.RespOK}
	ft := &fakeTransactor{scripts: scripts}

	caps := probe(context.Background(), ft, ptp.DeviceInfo{})
	if !caps.PartialRead {
		t.Fatal("expected PartialRead=true")
	}
	if !caps.PartialRead64 {
		t.Fatal("expected PartialRead64=true")
	}
}

func TestProbePartialReadFailsOnProtocolError(t *testing.T) {
	scripts := baseScripts()
	scripts[ptp.OpGetPartialObject] = scriptedResponse{code: ptp.RespInvalidParameter}
	scripts[ptp.OpGetPartialObject64] = scriptedResponse{err: errors.New("io error")}
	ft := &fakeTransactor{scripts: scripts}

	caps := probe(context.Background(), ft, ptp.DeviceInfo{})
	if caps.PartialRead {
		t.Fatal("expected PartialRead=false on non-OK response")
	}
	if caps.PartialRead64 {
		t.Fatal("expected PartialRead64=false on transport error")
	}
}

func TestProbeSkipsPartialReadWhenNoObjectFound(t *testing.T) {
	ft := &fakeTransactor{scripts: map[uint16]scriptedResponse{
		ptp.OpGetStorageIDs: {code: ptp.RespOK, data: u32Array()},
	}}

	caps := probe(context.Background(), ft, ptp.DeviceInfo{})
	if caps.PartialRead || caps.PartialRead64 {
		t.Fatal("expected no partial-read probing when no object is discoverable")
	}
}

func TestProbeSkipsFolderObjects(t *testing.T) {
	scripts := baseScripts()
	scripts[ptp.OpGetObjectHandles] = scriptedResponse{code: ptp.RespOK, data: u32Array(1, 2)}
	folderInfo := ptp.EncodeObjectInfo(ptp.ObjectInfo{ObjectFormat: ptp.ObjectFormatAssociation, AssociationType: ptp.AssociationTypeFolder})
	fileInfo := ptp.EncodeObjectInfo(ptp.ObjectInfo{Filename: "b.txt"})

	calls := 0
	ft := &fakeTransactor{scripts: scripts}
	// Override GetObjectInfo to answer per-handle via a thin wrapper.
	wrapped := &perHandleTransactor{fakeTransactor: ft, responses: [][]byte{folderInfo, fileInfo}, calls: &calls}

	caps := probe(context.Background(), wrapped, ptp.DeviceInfo{
		OperationsSupported: nil,
	})
	_ = caps
	if calls != 2 {
		t.Fatalf("expected GetObjectInfo called twice (folder skipped, file found), got %d", calls)
	}
}

// perHandleTransactor answers GetObjectInfo from a per-call queue so
// TestProbeSkipsFolderObjects can assert the folder handle is skipped
// and the file handle is used.
type perHandleTransactor struct {
	*fakeTransactor
	responses [][]byte
	calls     *int
}

func (p *perHandleTransactor) Transact(ctx context.Context, code uint16, params []uint32) (ptp.Container, []byte, error) {
	if code == ptp.OpGetObjectInfo {
		*p.calls++
		if len(p.responses) == 0 {
			return ptp.Container{Code: ptp.RespGeneralError}, nil, nil
		}
		r := p.responses[0]
		p.responses = p.responses[1:]
		return ptp.Container{Code: ptp.RespOK}, r, nil
	}
	return p.fakeTransactor.Transact(ctx, code, params)
}

func TestProbeEventsRequiresNonEmptyList(t *testing.T) {
	ft := &fakeTransactor{scripts: baseScripts()}
	caps := probe(context.Background(), ft, ptp.DeviceInfo{})
	if caps.SupportsEvents {
		t.Fatal("expected SupportsEvents=false with an empty events_supported list")
	}
}

// eventCapableTransactor adds TryInterruptRead to fakeTransactor so
// tests can exercise the EventPeeker path.
type eventCapableTransactor struct {
	*fakeTransactor
	interruptErr error
}

func (e *eventCapableTransactor) TryInterruptRead(ctx context.Context) error {
	return e.interruptErr
}

func TestProbeEventsConfirmedByInterruptRead(t *testing.T) {
	ft := &eventCapableTransactor{fakeTransactor: &fakeTransactor{scripts: baseScripts()}}
	info := ptp.DeviceInfo{EventsSupported: []uint16{ptp.EventObjectAdded}}

	caps := probe(context.Background(), ft, info)
	if !caps.SupportsEvents {
		t.Fatal("expected SupportsEvents=true when interrupt read succeeds")
	}
}

func TestProbeEventsTimeoutStillConfirms(t *testing.T) {
	ft := &eventCapableTransactor{fakeTransactor: &fakeTransactor{scripts: baseScripts()}, interruptErr: mtperr.ErrTimeout}
	info := ptp.DeviceInfo{EventsSupported: []uint16{ptp.EventObjectAdded}}

	caps := probe(context.Background(), ft, info)
	if !caps.SupportsEvents {
		t.Fatal("expected a timed-out-but-alive interrupt endpoint to still confirm events support")
	}
}

func TestProbeEventsHardErrorDisqualifies(t *testing.T) {
	ft := &eventCapableTransactor{fakeTransactor: &fakeTransactor{scripts: baseScripts()}, interruptErr: errors.New("endpoint gone")}
	info := ptp.DeviceInfo{EventsSupported: []uint16{ptp.EventObjectAdded}}

	caps := probe(context.Background(), ft, info)
	if caps.SupportsEvents {
		t.Fatal("expected a hard transport error on the interrupt endpoint to disqualify events support")
	}
}

func TestCacheMemoizesPerFingerprint(t *testing.T) {
	c := NewCache()
	ft := &fakeTransactor{scripts: baseScripts()}
	fp := quirks.Fingerprint{VID: 0x04A9, PID: 0x3180}

	first := c.Probe(context.Background(), fp, ft, ptp.DeviceInfo{})
	callsAfterFirst := len(ft.calls)

	second := c.Probe(context.Background(), fp, ft, ptp.DeviceInfo{})
	if len(ft.calls) != callsAfterFirst {
		t.Fatalf("expected no additional Transact calls on cached Probe, calls went from %d to %d", callsAfterFirst, len(ft.calls))
	}
	if first != second {
		t.Fatalf("cached result mismatch: %+v != %+v", first, second)
	}

	if cached, ok := c.Get(fp); !ok || cached != first {
		t.Fatalf("Get: %+v, %v, want %+v, true", cached, ok, first)
	}
}

func TestToOperations(t *testing.T) {
	caps := Capabilities{PartialRead: true, SupportsEvents: true}
	ops := caps.ToOperations()
	if !ops["partialRead"] || !ops["supportsEvents"] {
		t.Fatalf("ToOperations missing expected true entries: %+v", ops)
	}
	if ops["partialWrite"] {
		t.Fatalf("ToOperations: partialWrite should be false: %+v", ops)
	}
}
