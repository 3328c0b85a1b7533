// Package device implements the single-writer device actor of
// spec.md §4.7: every device-touching operation is serialized through
// one goroutine's mailbox, while a separate event pump decodes
// interrupt-in event containers into a lazy MTPEvent stream.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/mtpusbd/mtpusbd/internal/leconv"
	"github.com/mtpusbd/mtpusbd/internal/mtperr"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

// Transactor is the narrow surface Device needs from
// internal/session: issue PTP commands, with or without an outgoing
// data phase.
type Transactor interface {
	Transact(ctx context.Context, code uint16, params []uint32) (ptp.Container, []byte, error)
	TransactWithData(ctx context.Context, code uint16, params []uint32, payload []byte) (ptp.Container, error)
}

// EventSource optionally exposes a blocking interrupt-in read for the
// event pump; devices whose claimed interface has no interrupt
// endpoint simply never produce events.
type EventSource interface {
	ReadEvent(ctx context.Context) (ptp.Container, error)
}

// HookRunner executes the named lifecycle hook, mirroring
// internal/session.HookRunner so Device can drive the
// beforeGetDeviceInfo/beforeGetStorageIDs/beforeGetObjectHandles/
// beforeTransfer/afterTransfer/onDeviceBusy/onDetach phases spec.md
// §6.1 names beyond the three internal/session already drives.
type HookRunner interface {
	RunHook(ctx context.Context, phase quirks.HookPhase) error
}

type noopHooks struct{}

func (noopHooks) RunHook(context.Context, quirks.HookPhase) error { return nil }

// NoopHooks runs no hooks.
var NoopHooks HookRunner = noopHooks{}

// EventKind identifies which MTPEvent variant occurred.
type EventKind int

const (
	EventObjectAdded EventKind = iota
	EventObjectRemoved
	EventObjectInfoChanged
	EventStorageAdded
	EventStorageRemoved
	EventStorageInfoChanged
	EventDeviceInfoChanged
	EventUnknown
)

// MTPEvent is one decoded device event, per spec.md §4.7's variant
// list. Handle/Storage hold the relevant id for the handle/storage
// variants; Code/Params are populated for EventUnknown.
type MTPEvent struct {
	Kind    EventKind
	Handle  uint32
	Storage uint32
	Code    uint16
	Params  []uint32
}

func decodeEvent(c ptp.Container) MTPEvent {
	param := func(i int) uint32 {
		if i < len(c.Params) {
			return c.Params[i]
		}
		return 0
	}

	switch c.Code {
	case ptp.EventObjectAdded:
		return MTPEvent{Kind: EventObjectAdded, Handle: param(0)}
	case ptp.EventObjectRemoved:
		return MTPEvent{Kind: EventObjectRemoved, Handle: param(0)}
	case ptp.EventObjectInfoChanged:
		return MTPEvent{Kind: EventObjectInfoChanged, Handle: param(0)}
	case ptp.EventStoreAdded:
		return MTPEvent{Kind: EventStorageAdded, Storage: param(0)}
	case ptp.EventStoreRemoved:
		return MTPEvent{Kind: EventStorageRemoved, Storage: param(0)}
	case ptp.EventDevicePropChanged:
		return MTPEvent{Kind: EventStorageInfoChanged, Storage: param(0)}
	case ptp.EventDeviceInfoChanged:
		return MTPEvent{Kind: EventDeviceInfoChanged}
	default:
		return MTPEvent{Kind: EventUnknown, Code: c.Code, Params: c.Params}
	}
}

// request is one queued mailbox entry: an operation to run on the
// device's single-writer goroutine, and where to deliver the result.
type request struct {
	run  func(ctx context.Context) (interface{}, error)
	resp chan response
}

type response struct {
	val interface{}
	err error
}

// Device is the single-writer actor fronting one open MTP session.
// All operations in the table of spec.md §4.7 funnel through run(),
// serialized by the mailbox goroutine; the event pump runs
// independently and never touches the mailbox.
type Device struct {
	t      Transactor
	hooks  HookRunner
	mbox   chan request
	events chan MTPEvent
	done   chan struct{}
	closeOnce sync.Once

	// busyBackoff is the onDeviceBusy retry schedule every facade op's
	// transact/transactWithData call retries a DeviceBusy response
	// against (spec.md §7, §8.4 scenario 3). Set once via
	// SetBusyBackoff before the device is handed out to callers; nil
	// falls back to busyRetryLimit retries at WaitBusyBackoff's fixed
	// delay.
	busyBackoff *quirks.BusyBackoff
}

// SetBusyBackoff installs the device's onDeviceBusy retry schedule.
// Not safe to call concurrently with facade operations.
func (d *Device) SetBusyBackoff(b *quirks.BusyBackoff) {
	d.busyBackoff = b
}

// busyRetryLimit bounds DeviceBusy retries when no onDeviceBusy hook
// configures a count.
const busyRetryLimit = 3

// transact issues code via d.t.Transact, retrying a DeviceBusy
// response per the device's busy-backoff schedule before handing the
// result back to the caller's ResponseError check. Callers must
// already be inside a d.call closure.
func (d *Device) transact(ctx context.Context, code uint16, params []uint32) (ptp.Container, []byte, error) {
	limit := busyRetryLimit
	if d.busyBackoff != nil {
		limit = d.busyBackoff.Retries
	}

	for attempt := 0; ; attempt++ {
		resp, data, err := d.t.Transact(ctx, code, params)
		if err != nil || resp.Code != ptp.RespDeviceBusy || attempt >= limit {
			return resp, data, err
		}
		if werr := WaitBusyBackoff(ctx, d.busyBackoff, attempt); werr != nil {
			return resp, data, werr
		}
	}
}

// transactWithData is transact's counterpart for the outgoing-data-phase
// path.
func (d *Device) transactWithData(ctx context.Context, code uint16, params []uint32, payload []byte) (ptp.Container, error) {
	limit := busyRetryLimit
	if d.busyBackoff != nil {
		limit = d.busyBackoff.Retries
	}

	for attempt := 0; ; attempt++ {
		resp, err := d.t.TransactWithData(ctx, code, params, payload)
		if err != nil || resp.Code != ptp.RespDeviceBusy || attempt >= limit {
			return resp, err
		}
		if werr := WaitBusyBackoff(ctx, d.busyBackoff, attempt); werr != nil {
			return resp, werr
		}
	}
}

// New starts a Device actor fronting t. If src is non-nil, a second
// goroutine pumps events from it into Events(); hooks may be
// NoopHooks.
func New(t Transactor, hooks HookRunner, src EventSource) *Device {
	if hooks == nil {
		hooks = NoopHooks
	}

	d := &Device{
		t:      t,
		hooks:  hooks,
		mbox:   make(chan request),
		events: make(chan MTPEvent, 32),
		done:   make(chan struct{}),
	}

	go d.mailboxLoop()
	if src != nil {
		go d.eventLoop(src)
	} else {
		go func() {
			<-d.done
			close(d.events)
		}()
	}

	return d
}

func (d *Device) mailboxLoop() {
	for {
		select {
		case req := <-d.mbox:
			val, err := req.run(context.Background())
			req.resp <- response{val, err}
		case <-d.done:
			return
		}
	}
}

func (d *Device) eventLoop(src EventSource) {
	defer close(d.events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-d.done
		cancel()
	}()

	for {
		c, err := src.ReadEvent(ctx)
		if err != nil {
			return
		}
		select {
		case d.events <- decodeEvent(c):
		case <-d.done:
			return
		}
	}
}

// call enqueues run on the mailbox and waits for its result, the
// caller's context, or shutdown, whichever comes first.
func (d *Device) call(ctx context.Context, run func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	req := request{run: run, resp: make(chan response, 1)}

	select {
	case d.mbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, mtperr.ErrDeviceDisconnected
	}

	select {
	case r := <-req.resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns the lazy event stream; it closes when the device is
// closed or the event source ends.
func (d *Device) Events() <-chan MTPEvent {
	return d.events
}

// Close stops the mailbox and event-pump goroutines. Idempotent.
func (d *Device) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Info returns the device's DeviceInfo dataset.
func (d *Device) Info(ctx context.Context) (ptp.DeviceInfo, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		_ = d.hooks.RunHook(ctx, quirks.PhaseBeforeGetDeviceInfo)

		resp, data, err := d.transact(ctx, ptp.OpGetDeviceInfo, nil)
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		info, ok := ptp.DecodeDeviceInfo(data)
		if !ok {
			return nil, &mtperr.ProtocolError{Msg: "malformed DeviceInfo dataset"}
		}
		return info, nil
	})
	if err != nil {
		return ptp.DeviceInfo{}, err
	}
	return v.(ptp.DeviceInfo), nil
}

// Storages returns every storage id's StorageInfo.
func (d *Device) Storages(ctx context.Context) ([]ptp.StorageInfo, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		ids, err := d.storageIDs(ctx)
		if err != nil {
			return nil, err
		}

		infos := make([]ptp.StorageInfo, 0, len(ids))
		for _, id := range ids {
			resp, data, err := d.transact(ctx, ptp.OpGetStorageInfo, []uint32{id})
			if err != nil {
				return nil, err
			}
			if resp.Code != ptp.RespOK {
				return nil, ptp.ResponseError(resp.Code)
			}
			info, ok := ptp.DecodeStorageInfo(data)
			if !ok {
				return nil, &mtperr.ProtocolError{Msg: "malformed StorageInfo dataset"}
			}
			infos = append(infos, info)
		}
		return infos, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ptp.StorageInfo), nil
}

// StorageIDs returns the bare storage IDs the device currently exposes,
// without the per-storage GetStorageInfo round trip Storages does. A
// crawler walking every storage only needs the IDs up front.
func (d *Device) StorageIDs(ctx context.Context) ([]uint32, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		return d.storageIDs(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]uint32), nil
}

// storageIDs issues OpGetStorageIDs. Callers must already be inside a
// d.call closure (it uses d.t directly, not the mailbox).
func (d *Device) storageIDs(ctx context.Context) ([]uint32, error) {
	resp, data, err := d.transact(ctx, ptp.OpGetStorageIDs, nil)
	if err != nil {
		return nil, err
	}
	if resp.Code != ptp.RespOK {
		return nil, ptp.ResponseError(resp.Code)
	}
	ids, ok := ptp.DecodeUint32Array(data)
	if !ok {
		return nil, &mtperr.ProtocolError{Msg: "malformed storage id list"}
	}
	return ids, nil
}

// listBatchSize bounds how many ObjectInfo lookups List performs
// before yielding a batch, keeping the mailbox responsive to other
// callers between batches.
const listBatchSize = 50

// Batch is one lazily-produced page of List results. Handles is
// parallel to Objects (GetObjectInfo's dataset carries no handle of
// its own; the handle is the request parameter that produced it).
type Batch struct {
	Handles []uint32
	Objects []ptp.ObjectInfo
	Err     error
}

// List returns a lazy stream of ObjectInfo batches for the objects
// directly under parent (0 for root) on storage. The channel closes
// after the final batch or the first error.
func (d *Device) List(ctx context.Context, storage, parent uint32) <-chan Batch {
	out := make(chan Batch)

	go func() {
		defer close(out)

		v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
			_ = d.hooks.RunHook(ctx, quirks.PhaseBeforeGetObjectHdls)
			resp, data, err := d.transact(ctx, ptp.OpGetObjectHandles, []uint32{storage, 0, parent})
			if err != nil {
				return nil, err
			}
			if resp.Code != ptp.RespOK {
				return nil, ptp.ResponseError(resp.Code)
			}
			handles, ok := ptp.DecodeUint32Array(data)
			if !ok {
				return nil, &mtperr.ProtocolError{Msg: "malformed object handle list"}
			}
			return handles, nil
		})
		if err != nil {
			out <- Batch{Err: err}
			return
		}
		handles := v.([]uint32)

		for start := 0; start < len(handles); start += listBatchSize {
			end := start + listBatchSize
			if end > len(handles) {
				end = len(handles)
			}

			type page struct {
				handles []uint32
				objects []ptp.ObjectInfo
			}

			v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
				objs := make([]ptp.ObjectInfo, 0, end-start)
				ok := make([]uint32, 0, end-start)
				for _, h := range handles[start:end] {
					resp, data, err := d.transact(ctx, ptp.OpGetObjectInfo, []uint32{h})
					if err != nil {
						return nil, err
					}
					if resp.Code != ptp.RespOK {
						return nil, ptp.ResponseError(resp.Code)
					}
					info, decoded := ptp.DecodeObjectInfo(data)
					if !decoded {
						return nil, &mtperr.ProtocolError{Msg: "malformed ObjectInfo dataset"}
					}
					objs = append(objs, info)
					ok = append(ok, h)
				}
				return page{handles: ok, objects: objs}, nil
			})
			if err != nil {
				select {
				case out <- Batch{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			p := v.(page)
			select {
			case out <- Batch{Handles: p.handles, Objects: p.objects}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// GetInfo returns a single object's ObjectInfo.
func (d *Device) GetInfo(ctx context.Context, handle uint32) (ptp.ObjectInfo, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		resp, data, err := d.transact(ctx, ptp.OpGetObjectInfo, []uint32{handle})
		if err != nil {
			return nil, err
		}
		if resp.Code == ptp.RespInvalidObjectHandle {
			return nil, mtperr.ErrObjectNotFound
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		info, ok := ptp.DecodeObjectInfo(data)
		if !ok {
			return nil, &mtperr.ProtocolError{Msg: "malformed ObjectInfo dataset"}
		}
		return info, nil
	})
	if err != nil {
		return ptp.ObjectInfo{}, err
	}
	return v.(ptp.ObjectInfo), nil
}

// CreateFolder creates a new association object under parent on
// storage, returning its handle.
func (d *Device) CreateFolder(ctx context.Context, parent, storage uint32, name string) (uint32, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		info := ptp.ObjectInfo{
			StorageID:       storage,
			ObjectFormat:    ptp.ObjectFormatAssociation,
			AssociationType: ptp.AssociationTypeFolder,
			ParentObject:    parent,
			Filename:        name,
		}

		resp, err := d.transactWithData(ctx, ptp.OpSendObjectInfo, []uint32{storage, parent}, ptp.EncodeObjectInfo(info))
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		if len(resp.Params) < 3 {
			return nil, &mtperr.ProtocolError{Msg: "SendObjectInfo response missing new object handle"}
		}
		return resp.Params[2], nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// Delete removes an object. Non-recursive deletion of a non-empty
// folder surfaces whatever protocol error the device reports
// (typically PartialDeletion); recursive is passed through as the
// DeleteObject ObjectFormatCode parameter convention some devices use
// to request recursive deletion, 0 meaning "delete normally".
func (d *Device) Delete(ctx context.Context, handle uint32, recursive bool) error {
	_, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		params := []uint32{handle, 0}
		if recursive {
			params[1] = 0xFFFFFFFF
		}
		resp, _, err := d.transact(ctx, ptp.OpDeleteObject, params)
		if err != nil {
			return nil, err
		}
		if resp.Code == ptp.RespInvalidObjectHandle {
			return nil, mtperr.ErrObjectNotFound
		}
		if resp.Code == ptp.RespObjectWriteProtected {
			return nil, mtperr.ErrWriteProtected
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		return nil, nil
	})
	return err
}

// Move relocates handle to newParent (on the same storage).
func (d *Device) Move(ctx context.Context, handle uint32, storage, newParent uint32) error {
	_, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		resp, _, err := d.transact(ctx, ptp.OpMoveObject, []uint32{handle, storage, newParent})
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		return nil, nil
	})
	return err
}

// ObjectSize resolves an object's size as a uint64, falling back to
// the 64-bit ObjectSize property when ObjectInfo's 32-bit
// ObjectCompressedSize field has saturated (spec.md §4.8 step 1).
func (d *Device) ObjectSize(ctx context.Context, handle uint32) (uint64, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		resp, data, err := d.transact(ctx, ptp.OpGetObjectInfo, []uint32{handle})
		if err != nil {
			return nil, err
		}
		if resp.Code == ptp.RespInvalidObjectHandle {
			return nil, mtperr.ErrObjectNotFound
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		info, ok := ptp.DecodeObjectInfo(data)
		if !ok {
			return nil, &mtperr.ProtocolError{Msg: "malformed ObjectInfo dataset"}
		}
		if info.ObjectCompressedSize != ptp.ObjectCompressedSizeUnknown32 {
			return uint64(info.ObjectCompressedSize), nil
		}

		resp, data, err = d.transact(ctx, ptp.OpGetObjPropValue, []uint32{handle, ptp.PropObjectSize})
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		size, ok := leconv.Uint64(data, 0)
		if !ok {
			return nil, &mtperr.ProtocolError{Msg: "malformed ObjectSize property value"}
		}
		return size, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// ReadPartial64 reads up to length bytes starting at offset from
// handle's data, using the 64-bit partial-read operation.
func (d *Device) ReadPartial64(ctx context.Context, handle uint32, offset uint64, length uint32) ([]byte, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		lo := uint32(offset)
		hi := uint32(offset >> 32)
		resp, data, err := d.transact(ctx, ptp.OpGetPartialObject64, []uint32{handle, lo, hi, length})
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ReadPartial reads up to length bytes starting at offset, using the
// 32-bit partial-read operation (for devices without
// supportsPartialRead64).
func (d *Device) ReadPartial(ctx context.Context, handle uint32, offset, length uint32) ([]byte, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		resp, data, err := d.transact(ctx, ptp.OpGetPartialObject, []uint32{handle, offset, length})
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SendObjectInfo announces a new object (file or folder) under parent
// on storage, returning its newly assigned handle.
func (d *Device) SendObjectInfo(ctx context.Context, storage, parent uint32, info ptp.ObjectInfo) (uint32, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		_ = d.hooks.RunHook(ctx, quirks.PhaseBeforeTransfer)
		resp, err := d.transactWithData(ctx, ptp.OpSendObjectInfo, []uint32{storage, parent}, ptp.EncodeObjectInfo(info))
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		if len(resp.Params) < 3 {
			return nil, &mtperr.ProtocolError{Msg: "SendObjectInfo response missing new object handle"}
		}
		return resp.Params[2], nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// SendObject performs a single-shot whole-object data phase, for
// devices without supportsPartialWrite.
func (d *Device) SendObject(ctx context.Context, payload []byte) error {
	_, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		resp, err := d.transactWithData(ctx, ptp.OpSendObject, nil, payload)
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		_ = d.hooks.RunHook(ctx, quirks.PhaseAfterTransfer)
		return nil, nil
	})
	return err
}

// SendPartialObject writes chunk at offset within handle, returning
// the number of bytes the device reports accepting.
func (d *Device) SendPartialObject(ctx context.Context, handle uint32, offset uint64, chunk []byte) (uint32, error) {
	v, err := d.call(ctx, func(ctx context.Context) (interface{}, error) {
		lo := uint32(offset)
		hi := uint32(offset >> 32)
		resp, err := d.transactWithData(ctx, ptp.OpSendPartialObject, []uint32{handle, lo, hi, uint32(len(chunk))}, chunk)
		if err != nil {
			return nil, err
		}
		if resp.Code != ptp.RespOK {
			return nil, ptp.ResponseError(resp.Code)
		}
		if len(resp.Params) > 0 {
			return resp.Params[0], nil
		}
		return uint32(len(chunk)), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// WaitBusyBackoff sleeps the onDeviceBusy hook's backoff schedule for
// attempt (0-based), or a short fixed delay if no hook/backoff is
// configured. Exported for internal/transfer's retry loop, which
// shares the same busy-backoff shape.
func WaitBusyBackoff(ctx context.Context, backoff *quirks.BusyBackoff, attempt int) error {
	delay := 250 * time.Millisecond
	if backoff != nil && attempt < backoff.Retries {
		delay = time.Duration(backoff.BaseMs) * time.Millisecond
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
