// Package crawl implements spec.md §4.11's CrawlScheduler: the
// four index-refresh policies (seed on connect, boost subtree,
// periodic refresh, event-driven) layered over internal/device and
// internal/index for one device, plus the coalesced change
// notification the scheduler exposes after each index-mutating burst.
package crawl

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtpusbd/mtpusbd/internal/device"
	"github.com/mtpusbd/mtpusbd/internal/index"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
)

// DeviceAPI is the narrow surface Scheduler needs from internal/device.
type DeviceAPI interface {
	StorageIDs(ctx context.Context) ([]uint32, error)
	List(ctx context.Context, storage, parent uint32) <-chan device.Batch
	GetInfo(ctx context.Context, handle uint32) (ptp.ObjectInfo, error)
}

// IndexAPI is the narrow surface Scheduler needs from internal/index.
type IndexAPI interface {
	UpsertObjects(ctx context.Context, deviceID string, rows []index.Object) error
	RemoveObject(ctx context.Context, deviceID string, storageID, handle uint32) error
	MarkStaleChildren(ctx context.Context, deviceID string, storageID, parent uint32) error
	PurgeStale(ctx context.Context, deviceID string, storageID, parent uint32) error
	Storages(ctx context.Context, deviceID string) ([]uint32, error)
	Object(ctx context.Context, deviceID string, storageID, handle uint32) (index.Object, bool, error)
	SetCrawlState(ctx context.Context, deviceID string, storageID, parent uint32, when time.Time) error
}

// ParentRef identifies one folder a burst of index mutations touched.
// spec.md's callback signature names only "set of affected parents",
// but LiveIndex rows are keyed by (storageId, handle), so a bare
// handle is ambiguous across a multi-storage device.
type ParentRef struct {
	StorageID uint32
	Handle    uint32
}

// ChangeNotifier is invoked once per index-mutating burst, coalesced
// across every parent folder the burst touched.
type ChangeNotifier func(deviceID string, affected []ParentRef)

// periodic refresh periods: events-supported devices get a long
// period since object/storage events keep the index current between
// ticks; polled devices get a short one since the tick is the only
// way changes are ever observed.
const (
	periodicIntervalEventsSupported = 5 * time.Minute
	periodicIntervalPolled          = 15 * time.Second
)

// PeriodicInterval returns the periodic-refresh period tuned per
// spec.md §4.11's "events-supported devices use a long period; others
// short".
func PeriodicInterval(tuning quirks.EffectiveTuning) time.Duration {
	if tuning.DisableEventPump {
		return periodicIntervalPolled
	}
	return periodicIntervalEventsSupported
}

// Scheduler drives the four refresh policies for one device.
type Scheduler struct {
	deviceID string
	dev      DeviceAPI
	idx      IndexAPI
	tuning   quirks.EffectiveTuning
	notify   ChangeNotifier

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler for deviceID. notify may be nil.
func NewScheduler(deviceID string, dev DeviceAPI, idx IndexAPI, tuning quirks.EffectiveTuning, notify ChangeNotifier) *Scheduler {
	return &Scheduler{deviceID: deviceID, dev: dev, idx: idx, tuning: tuning, notify: notify}
}

// folderRef is a child folder discovered while refreshing one level,
// carried forward so a recursive caller (BoostSubtree) doesn't have
// to re-derive it from the index.
type folderRef struct {
	handle  uint32
	pathKey string
}

// refreshFolder performs the two-phase mark-stale/upsert/purge-stale
// refresh of spec.md §4.9 for one folder, then records the crawl
// timestamp. It returns the child folders it found, for callers that
// want to recurse.
func (s *Scheduler) refreshFolder(ctx context.Context, storageID, parent uint32, parentPathKey string) ([]folderRef, error) {
	if err := s.idx.MarkStaleChildren(ctx, s.deviceID, storageID, parent); err != nil {
		return nil, err
	}

	var rows []index.Object
	var children []folderRef
	for batch := range s.dev.List(ctx, storageID, parent) {
		if batch.Err != nil {
			return nil, batch.Err
		}
		for i, info := range batch.Objects {
			row := buildObject(storageID, batch.Handles[i], parent, parentPathKey, info)
			rows = append(rows, row)
			if row.IsDirectory {
				children = append(children, folderRef{handle: row.Handle, pathKey: row.PathKey})
			}
		}
	}

	if len(rows) > 0 {
		if err := s.idx.UpsertObjects(ctx, s.deviceID, rows); err != nil {
			return nil, err
		}
	}

	if err := s.idx.PurgeStale(ctx, s.deviceID, storageID, parent); err != nil {
		return nil, err
	}
	if err := s.idx.SetCrawlState(ctx, s.deviceID, storageID, parent, time.Now()); err != nil {
		return nil, err
	}

	return children, nil
}

// buildObject maps one decoded ObjectInfo plus the handle that
// produced it into an index.Object row.
func buildObject(storageID, handle, parent uint32, parentPathKey string, info ptp.ObjectInfo) index.Object {
	row := index.Object{
		StorageID:    storageID,
		Handle:       handle,
		ParentHandle: parent,
		Name:         info.Filename,
		PathKey:      parentPathKey + "/" + info.Filename,
		FormatCode:   info.ObjectFormat,
		IsDirectory:  info.IsFolder(),
	}
	if info.ObjectCompressedSize != 0xFFFFFFFF {
		v := uint64(info.ObjectCompressedSize)
		row.SizeBytes = &v
	}
	if t := parseObjectDate(info.ModificationDate); !t.IsZero() {
		row.Mtime = &t
	}
	return row
}

// parseObjectDate parses a PTP "YYYYMMDDThhmmss" date-time string,
// returning the zero time if s is empty or doesn't parse.
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

// pathKeyOf returns the canonical pathKey already on record for
// handle, or "" for the storage root or an object the index hasn't
// seen yet.
func (s *Scheduler) pathKeyOf(ctx context.Context, storageID, handle uint32) (string, error) {
	if handle == index.RootHandle {
		return "", nil
	}
	obj, ok, err := s.idx.Object(ctx, s.deviceID, storageID, handle)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return obj.PathKey, nil
}

// locate finds which storage currently holds handle, and its parent,
// by probing the storages known to the index. Used by the
// event-driven objectRemoved path, whose event carries only a handle.
func (s *Scheduler) locate(ctx context.Context, handle uint32) (storageID, parent uint32, ok bool, err error) {
	storages, err := s.idx.Storages(ctx, s.deviceID)
	if err != nil {
		return 0, 0, false, err
	}
	for _, sid := range storages {
		obj, found, err := s.idx.Object(ctx, s.deviceID, sid, handle)
		if err != nil {
			return 0, 0, false, err
		}
		if found {
			return sid, obj.ParentHandle, true, nil
		}
	}
	return 0, 0, false, nil
}

// emit invokes notify once with the deduplicated set of parents a
// burst touched, a no-op if notify is nil or nothing changed.
func (s *Scheduler) emit(affected map[ParentRef]struct{}) {
	if s.notify == nil || len(affected) == 0 {
		return
	}
	list := make([]ParentRef, 0, len(affected))
	for p := range affected {
		list = append(list, p)
	}
	s.notify(s.deviceID, list)
}

// SeedOnConnect refreshes every storage's root concurrently, per
// spec.md §4.11's "after device open, refresh storages and the root
// of each". One coalesced notification covers the whole burst.
func (s *Scheduler) SeedOnConnect(ctx context.Context) error {
	ids, err := s.dev.StorageIDs(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	affected := map[ParentRef]struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	for _, storageID := range ids {
		storageID := storageID
		g.Go(func() error {
			if _, err := s.refreshFolder(gctx, storageID, index.RootHandle, ""); err != nil {
				return err
			}
			mu.Lock()
			affected[ParentRef{StorageID: storageID, Handle: index.RootHandle}] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.emit(affected)
	return nil
}

// BoostSubtree recursively refreshes parent and every folder beneath
// it, per spec.md §4.11's application-driven prioritization. Sibling
// subfolders at each level refresh concurrently.
func (s *Scheduler) BoostSubtree(ctx context.Context, storageID, parent uint32) error {
	parentPathKey, err := s.pathKeyOf(ctx, storageID, parent)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	affected := map[ParentRef]struct{}{}
	if err := s.refreshSubtree(ctx, storageID, parent, parentPathKey, &mu, affected); err != nil {
		return err
	}

	s.emit(affected)
	return nil
}

func (s *Scheduler) refreshSubtree(ctx context.Context, storageID, parent uint32, parentPathKey string, mu *sync.Mutex, affected map[ParentRef]struct{}) error {
	children, err := s.refreshFolder(ctx, storageID, parent, parentPathKey)
	if err != nil {
		return err
	}

	mu.Lock()
	affected[ParentRef{StorageID: storageID, Handle: parent}] = struct{}{}
	mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			return s.refreshSubtree(gctx, storageID, child.handle, child.pathKey, mu, affected)
		})
	}
	return g.Wait()
}

// StartPeriodic starts the background interval refresh; a second
// call while one is already running is a no-op. The loop stops when
// ctx is done or StopPeriodic is called.
func (s *Scheduler) StartPeriodic(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	interval := PeriodicInterval(s.tuning)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A failed tick is transient; the next tick retries.
				_ = s.SeedOnConnect(ctx)
			}
		}
	}()
}

// StopPeriodic stops a running periodic-refresh loop and waits for it
// to exit. A no-op if none is running.
func (s *Scheduler) StopPeriodic() {
	s.mu.Lock()
	stop := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
}

// HandleEvent dispatches one decoded device event to the
// event-driven policy of spec.md §4.11.
func (s *Scheduler) HandleEvent(ctx context.Context, ev device.MTPEvent) error {
	switch ev.Kind {
	case device.EventObjectAdded, device.EventObjectInfoChanged:
		return s.handleObjectUpserted(ctx, ev.Handle)
	case device.EventObjectRemoved:
		return s.handleObjectRemoved(ctx, ev.Handle)
	case device.EventStorageAdded, device.EventStorageRemoved, device.EventStorageInfoChanged:
		return s.SeedOnConnect(ctx)
	default:
		return nil
	}
}

func (s *Scheduler) handleObjectUpserted(ctx context.Context, handle uint32) error {
	info, err := s.dev.GetInfo(ctx, handle)
	if err != nil {
		return err
	}

	parentPathKey, err := s.pathKeyOf(ctx, info.StorageID, info.ParentObject)
	if err != nil {
		return err
	}

	row := buildObject(info.StorageID, handle, info.ParentObject, parentPathKey, info)
	if err := s.idx.UpsertObjects(ctx, s.deviceID, []index.Object{row}); err != nil {
		return err
	}

	s.emit(map[ParentRef]struct{}{{StorageID: info.StorageID, Handle: info.ParentObject}: {}})
	return nil
}

func (s *Scheduler) handleObjectRemoved(ctx context.Context, handle uint32) error {
	storageID, parent, ok, err := s.locate(ctx, handle)
	if err != nil {
		return err
	}
	if !ok {
		// Already gone, or never indexed -- nothing to remove.
		return nil
	}

	if err := s.idx.RemoveObject(ctx, s.deviceID, storageID, handle); err != nil {
		return err
	}

	s.emit(map[ParentRef]struct{}{{StorageID: storageID, Handle: parent}: {}})
	return nil
}
