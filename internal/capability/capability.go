// Package capability runs the small confirmatory commands spec.md
// §4.6 uses to detect which optional operations a device actually
// honors, and memoizes the result per device fingerprint so a
// reconnecting device skips the probe.
package capability

import (
	"context"
	"errors"
	"sync"

	"github.com/mtpusbd/mtpusbd/internal/mtperr"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

// probeReadBytes is the size of the GetPartialObject/GetPartialObject64
// confirmatory read: small enough to be cheap, large enough that a
// device truncating to zero is unambiguous.
const probeReadBytes = 16

// Transactor is the narrow surface Probe needs from internal/session:
// issue a command, optionally with a data phase, and read back the
// response.
type Transactor interface {
	Transact(ctx context.Context, code uint16, params []uint32) (ptp.Container, []byte, error)
	TransactWithData(ctx context.Context, code uint16, params []uint32, payload []byte) (ptp.Container, error)
}

// EventPeeker optionally exposes a bounded interrupt-in read, used to
// confirm event support beyond what DeviceInfo merely advertises.
// internal/transport's Transport implements this when the claimed
// interface exposed an interrupt-in endpoint; fakes used in tests may
// not, in which case supportsEvents is decided from DeviceInfo alone.
type EventPeeker interface {
	TryInterruptRead(ctx context.Context) error
}

// Capabilities is the result of probing one device, consumed by
// internal/quirks.BuildEffective's capability-probe layer.
type Capabilities struct {
	PartialRead    bool
	PartialRead64  bool
	PartialWrite   bool
	SupportsEvents bool
	PreferPropList bool
}

// ToOperations adapts Capabilities to the map[string]bool shape
// quirks.BuildEffective expects for its capability-probe layer.
func (c Capabilities) ToOperations() map[string]bool {
	return map[string]bool{
		"partialRead":    c.PartialRead,
		"partialRead64":  c.PartialRead64,
		"partialWrite":   c.PartialWrite,
		"supportsEvents": c.SupportsEvents,
		"preferPropList": c.PreferPropList,
	}
}

// Cache memoizes Capabilities per fingerprint, so a device seen again
// after a disconnect/reconnect cycle does not repeat the probe.
type Cache struct {
	mu      sync.Mutex
	results map[quirks.Fingerprint]Capabilities
}

// NewCache returns an empty capability cache.
func NewCache() *Cache {
	return &Cache{results: make(map[quirks.Fingerprint]Capabilities)}
}

// Get returns the memoized result for fp, if any.
func (c *Cache) Get(fp quirks.Fingerprint) (Capabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps, ok := c.results[fp]
	return caps, ok
}

// Probe runs the confirmatory commands against t and memoizes the
// result under fp, returning the cached result on a repeat call
// instead of re-probing.
func (c *Cache) Probe(ctx context.Context, fp quirks.Fingerprint, t Transactor, info ptp.DeviceInfo) Capabilities {
	c.mu.Lock()
	if cached, ok := c.results[fp]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	caps := probe(ctx, t, info)

	c.mu.Lock()
	c.results[fp] = caps
	c.mu.Unlock()

	return caps
}

// probe performs the uncached confirmatory commands described in
// spec.md §4.6.
func probe(ctx context.Context, t Transactor, info ptp.DeviceInfo) Capabilities {
	var caps Capabilities

	caps.PreferPropList = info.SupportsOperation(ptp.OpGetObjPropsSupported) &&
		info.SupportsOperation(ptp.OpGetObjPropList)

	caps.SupportsEvents = probeEvents(ctx, t, info)

	handle, ok := discoverSmallObject(ctx, t)
	if ok {
		caps.PartialRead = probePartialRead(ctx, t, handle)
		caps.PartialRead64 = probePartialRead64(ctx, t, handle)
	}

	caps.PartialWrite = probePartialWrite(ctx, t)

	return caps
}

// probeEvents checks DeviceInfo's advertised events_supported list and,
// when the transport exposes an interrupt-in endpoint, confirms it
// with a single bounded read. A read that reports "nothing pending"
// (ErrTimeout) still counts as confirmation the endpoint is alive;
// only a hard transport error disqualifies it.
func probeEvents(ctx context.Context, t Transactor, info ptp.DeviceInfo) bool {
	if len(info.EventsSupported) == 0 {
		return false
	}

	peeker, ok := t.(EventPeeker)
	if !ok {
		return true
	}

	err := peeker.TryInterruptRead(ctx)
	if err == nil || errors.Is(err, mtperr.ErrTimeout) {
		return true
	}

	return false
}

// discoverSmallObject finds a representative object handle to probe
// partial-read support against: the first storage, the first object
// handle directly under its root, skipping over associations
// (folders) since a zero-length partial read of a folder object is
// not representative of file I/O.
func discoverSmallObject(ctx context.Context, t Transactor) (uint32, bool) {
	resp, data, err := t.Transact(ctx, ptp.OpGetStorageIDs, nil)
	if err != nil || resp.Code != ptp.RespOK {
		return 0, false
	}

	storageIDs, ok := ptp.DecodeUint32Array(data)
	if !ok || len(storageIDs) == 0 {
		return 0, false
	}

	resp, data, err = t.Transact(ctx, ptp.OpGetObjectHandles, []uint32{storageIDs[0], 0, 0})
	if err != nil || resp.Code != ptp.RespOK {
		return 0, false
	}

	handles, ok := ptp.DecodeUint32Array(data)
	if !ok {
		return 0, false
	}

	for _, h := range handles {
		resp, data, err := t.Transact(ctx, ptp.OpGetObjectInfo, []uint32{h})
		if err != nil || resp.Code != ptp.RespOK {
			continue
		}
		info, ok := ptp.DecodeObjectInfo(data)
		if !ok || info.IsFolder() {
			continue
		}
		return h, true
	}

	return 0, false
}

func probePartialRead(ctx context.Context, t Transactor, handle uint32) bool {
	resp, _, err := t.Transact(ctx, ptp.OpGetPartialObject, []uint32{handle, 0, probeReadBytes})
	return err == nil && resp.Code == ptp.RespOK
}

func probePartialRead64(ctx context.Context, t Transactor, handle uint32) bool {
	resp, _, err := t.Transact(ctx, ptp.OpGetPartialObject64, []uint32{handle, 0, 0, probeReadBytes})
	return err == nil && resp.Code == ptp.RespOK
}

// probePartialWrite probes SendPartialObject support with a
// zero-length payload against a sentinel handle; devices that don't
// implement the operation respond with a protocol error rather than
// accepting the write, which is enough to distinguish support without
// risking object state.
func probePartialWrite(ctx context.Context, t Transactor) bool {
	resp, err := t.TransactWithData(ctx, ptp.OpSendPartialObject, []uint32{0, 0, 0}, nil)
	return err == nil && resp.Code == ptp.RespOK
}
