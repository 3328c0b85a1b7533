// Package transfer implements spec.md §4.8's chunked, resumable
// object read/write engine: reads stream into an adjacent temp file
// that's renamed atomically into place on completion, writes go
// through SendObjectInfo plus either single-shot SendObject or
// chunked SendPartialObject, and both paths retry transport errors
// with backoff bounded by the device's overallDeadlineMs while
// keeping the transfer journal's committedBytes current for resume.
package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/mtpusbd/mtpusbd/internal/device"
	"github.com/mtpusbd/mtpusbd/internal/mtperr"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

// progressMinInterval bounds progress callback frequency to spec.md
// §4.8's "coalesced to ≤20 per second".
const progressMinInterval = 50 * time.Millisecond

// DeviceAPI is the narrow surface Engine needs from internal/device,
// each call its own mailbox round trip.
type DeviceAPI interface {
	GetInfo(ctx context.Context, handle uint32) (ptp.ObjectInfo, error)
	ObjectSize(ctx context.Context, handle uint32) (uint64, error)
	ReadPartial(ctx context.Context, handle, offset, length uint32) ([]byte, error)
	ReadPartial64(ctx context.Context, handle uint32, offset uint64, length uint32) ([]byte, error)
	SendObjectInfo(ctx context.Context, storage, parent uint32, info ptp.ObjectInfo) (uint32, error)
	SendObject(ctx context.Context, payload []byte) error
	SendPartialObject(ctx context.Context, handle uint32, offset uint64, chunk []byte) (uint32, error)
}

// JournalRecorder is the narrow surface Engine needs from
// internal/journal to keep committedBytes current for resume and to
// record terminal state.
type JournalRecorder interface {
	UpdateProgress(ctx context.Context, id string, committedBytes uint64) error
	Fail(ctx context.Context, id string, err error) error
	Complete(ctx context.Context, id string) error
}

// ProgressFunc receives completed/total byte counts, coalesced per
// progressMinInterval plus always on the final update.
type ProgressFunc func(completed, total uint64)

// Etag is the {size, mtime} pair spec.md §4.8's resume rule compares,
// mtime truncated to second precision per the spec's wording.
type Etag struct {
	Size  uint64
	Mtime time.Time
}

// Equal reports whether e and other identify the same logical object
// revision.
func (e Etag) Equal(other Etag) bool {
	return e.Size == other.Size && e.Mtime.Truncate(time.Second).Equal(other.Mtime.Truncate(time.Second))
}

// parseObjectDate parses a PTP-style "YYYYMMDDThhmmss" date-time
// string, returning the zero time if s is empty or doesn't parse.
func parseObjectDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("20060102T150405", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Engine drives chunked reads and writes against one device, using
// tuning to size chunks and decide which partial operations to use.
type Engine struct {
	dev     DeviceAPI
	journal JournalRecorder
	tuning  quirks.EffectiveTuning
}

// NewEngine builds an Engine bound to dev and tuning. journal may be
// nil, in which case progress is tracked only via the caller's
// ProgressFunc.
func NewEngine(dev DeviceAPI, journal JournalRecorder, tuning quirks.EffectiveTuning) *Engine {
	return &Engine{dev: dev, journal: journal, tuning: tuning}
}

// ReadRequest describes one read job.
type ReadRequest struct {
	JobID    string
	Handle   uint32
	DestPath string

	// Resume context from a previously failed attempt, if any.
	PriorEtag           *Etag
	PriorCommittedBytes uint64
	PriorWasTransient   bool
}

// Read streams handle's data to req.DestPath via an adjacent ".part"
// temp file, renamed atomically into place on completion. If the
// prior attempt's etag matches the object's current {size,mtime} and
// the device supports partial reads, the transfer resumes from
// PriorCommittedBytes instead of restarting at 0.
func (e *Engine) Read(ctx context.Context, req ReadRequest, progress ProgressFunc) error {
	info, err := e.dev.GetInfo(ctx, req.Handle)
	if err != nil {
		e.fail(ctx, req.JobID, err)
		return err
	}

	size, err := e.dev.ObjectSize(ctx, req.Handle)
	if err != nil {
		e.fail(ctx, req.JobID, err)
		return err
	}

	currentEtag := Etag{Size: size, Mtime: parseObjectDate(info.ModificationDate)}
	supportsPartial := e.tuning.Operations["partialRead"] || e.tuning.Operations["partialRead64"]

	offset := uint64(0)
	if supportsPartial && req.PriorWasTransient && req.PriorEtag != nil && req.PriorEtag.Equal(currentEtag) {
		offset = req.PriorCommittedBytes
	}

	tempPath := req.DestPath + ".part"

	if size == 0 {
		f, err := os.Create(tempPath)
		if err != nil {
			return err
		}
		f.Close()
		if err := os.Rename(tempPath, req.DestPath); err != nil {
			return err
		}
		if progress != nil {
			progress(0, 0)
		}
		e.complete(ctx, req.JobID)
		return nil
	}

	var f *os.File
	if offset > 0 {
		f, err = os.OpenFile(tempPath, os.O_RDWR, 0o644)
		if err != nil {
			offset = 0
			f, err = os.Create(tempPath)
		} else if _, serr := f.Seek(int64(offset), io.SeekStart); serr != nil {
			f.Close()
			return serr
		}
	} else {
		f, err = os.Create(tempPath)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var lastEmit time.Time
	for offset < size {
		remaining := size - offset
		chunkSize := e.tuning.MaxChunkBytes
		if remaining < chunkSize {
			chunkSize = remaining
		}

		readOffset := offset
		var chunk []byte
		rerr := e.withRetry(ctx, func(attempt int) error {
			var err error
			switch {
			case e.tuning.Operations["partialRead64"]:
				chunk, err = e.dev.ReadPartial64(ctx, req.Handle, readOffset, uint32(chunkSize))
			case e.tuning.Operations["partialRead"]:
				chunk, err = e.dev.ReadPartial(ctx, req.Handle, uint32(readOffset), uint32(chunkSize))
			default:
				err = &mtperr.NotSupportedError{Op: "partialRead"}
			}
			return err
		})
		if rerr != nil {
			e.fail(ctx, req.JobID, rerr)
			return rerr
		}

		if _, werr := f.Write(chunk); werr != nil {
			e.fail(ctx, req.JobID, werr)
			return werr
		}

		offset += uint64(len(chunk))
		if e.journal != nil {
			e.journal.UpdateProgress(ctx, req.JobID, offset)
		}
		if progress != nil && (offset == size || time.Since(lastEmit) >= progressMinInterval) {
			progress(offset, size)
			lastEmit = time.Now()
		}

		if len(chunk) == 0 {
			break // guard: a misbehaving device returning empty chunks never completes otherwise
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, req.DestPath); err != nil {
		return err
	}

	e.complete(ctx, req.JobID)
	return nil
}

// WriteRequest describes one write job.
type WriteRequest struct {
	JobID        string
	Storage      uint32
	Parent       uint32
	Name         string
	ObjectFormat uint16
	SrcPath      string

	// ResumeFromBytes resumes a partial-write job from this offset;
	// the caller is responsible for having already matched etags,
	// since the destination object doesn't exist until SendObjectInfo
	// runs on this attempt.
	ResumeFromBytes uint64
}

// sizeAsObjectInfoField saturates a size for ObjectInfo's 32-bit
// ObjectCompressedSize field, mirroring the convention ObjectSize's
// fallback reads back out.
func sizeAsObjectInfoField(size uint64) uint32 {
	if size >= uint64(ptp.ObjectCompressedSizeUnknown32) {
		return ptp.ObjectCompressedSizeUnknown32
	}
	return uint32(size)
}

// Write sends req.SrcPath's content as a new object under
// req.Parent/req.Storage. A device with writeToSubfolderOnly set
// rejects a root-parent write before any wire traffic. Devices
// without supportsPartialWrite get a single-shot SendObject; others
// are chunked via SendPartialObject, with progress and journal
// updates per chunk.
func (e *Engine) Write(ctx context.Context, req WriteRequest, progress ProgressFunc) (uint32, error) {
	if e.tuning.Flags.WriteToSubfolderOnly && req.Parent == 0 {
		return 0, &mtperr.PreconditionFailedError{
			Msg: "this device requires writes to target a subfolder; writing to the storage root is not permitted",
		}
	}

	stat, err := os.Stat(req.SrcPath)
	if err != nil {
		return 0, err
	}
	size := uint64(stat.Size())

	info := ptp.ObjectInfo{
		StorageID:            req.Storage,
		ObjectFormat:         req.ObjectFormat,
		ParentObject:         req.Parent,
		Filename:             req.Name,
		ObjectCompressedSize: sizeAsObjectInfoField(size),
	}

	handle, err := e.dev.SendObjectInfo(ctx, req.Storage, req.Parent, info)
	if err != nil {
		e.fail(ctx, req.JobID, err)
		return 0, err
	}

	f, err := os.Open(req.SrcPath)
	if err != nil {
		return handle, err
	}
	defer f.Close()

	if !e.tuning.Operations["partialWrite"] {
		payload, err := io.ReadAll(f)
		if err != nil {
			return handle, err
		}
		if err := e.dev.SendObject(ctx, payload); err != nil {
			e.fail(ctx, req.JobID, err)
			return handle, err
		}
		if progress != nil {
			progress(size, size)
		}
		e.complete(ctx, req.JobID)
		return handle, nil
	}

	offset := req.ResumeFromBytes
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			return handle, err
		}
	}

	buf := make([]byte, e.tuning.MaxChunkBytes)
	var lastEmit time.Time
	for offset < size {
		n, rerr := f.Read(buf)
		if n == 0 {
			if rerr != nil {
				break
			}
			continue
		}
		chunk := buf[:n]
		chunkOffset := offset

		werr := e.withRetry(ctx, func(attempt int) error {
			written, err := e.dev.SendPartialObject(ctx, handle, chunkOffset, chunk)
			if err != nil {
				return err
			}
			if written != uint32(n) {
				return &mtperr.ProtocolError{Msg: "device accepted fewer bytes than sent in a partial write"}
			}
			return nil
		})
		if werr != nil {
			e.fail(ctx, req.JobID, werr)
			return handle, werr
		}

		offset += uint64(n)
		if e.journal != nil {
			e.journal.UpdateProgress(ctx, req.JobID, offset)
		}
		if progress != nil && (offset == size || time.Since(lastEmit) >= progressMinInterval) {
			progress(offset, size)
			lastEmit = time.Now()
		}
	}

	e.complete(ctx, req.JobID)
	return handle, nil
}

func (e *Engine) fail(ctx context.Context, jobID string, err error) {
	if e.journal != nil {
		e.journal.Fail(ctx, jobID, err)
	}
}

func (e *Engine) complete(ctx context.Context, jobID string) {
	if e.journal != nil {
		e.journal.Complete(ctx, jobID)
	}
}

// withRetry runs op, retrying transport errors with exponential
// backoff and DeviceBusy per the tuning's onDeviceBusy hook schedule,
// bounded overall by tuning.OverallDeadlineMs. Any other error
// (including a protocol error like ObjectTooLarge) returns
// immediately, unretried.
func (e *Engine) withRetry(ctx context.Context, op func(attempt int) error) error {
	deadline := time.Now().Add(time.Duration(e.tuning.OverallDeadlineMs) * time.Millisecond)
	backoff := quirks.BusyBackoffFromHooks(e.tuning.Hooks)

	for attempt := 0; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}

		if errors.Is(err, mtperr.ErrBusy) {
			if werr := device.WaitBusyBackoff(ctx, backoff, attempt); werr != nil {
				return werr
			}
			if time.Now().After(deadline) {
				return err
			}
			continue
		}

		var te *mtperr.TransportError
		if errors.As(err, &te) {
			if time.Now().After(deadline) {
				return err
			}
			select {
			case <-time.After(transportBackoffDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		return err
	}
}

func transportBackoffDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond * time.Duration(uint(1)<<uint(attempt))
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

