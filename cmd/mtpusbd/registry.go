package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mtpusbd/mtpusbd/internal/cache"
	"github.com/mtpusbd/mtpusbd/internal/capability"
	"github.com/mtpusbd/mtpusbd/internal/config"
	"github.com/mtpusbd/mtpusbd/internal/crawl"
	"github.com/mtpusbd/mtpusbd/internal/device"
	"github.com/mtpusbd/mtpusbd/internal/index"
	"github.com/mtpusbd/mtpusbd/internal/journal"
	"github.com/mtpusbd/mtpusbd/internal/logger"
	"github.com/mtpusbd/mtpusbd/internal/mtperr"
	"github.com/mtpusbd/mtpusbd/internal/ptp"
	"github.com/mtpusbd/mtpusbd/internal/quirks"
	"github.com/mtpusbd/mtpusbd/internal/rpc"
	"github.com/mtpusbd/mtpusbd/internal/session"
	"github.com/mtpusbd/mtpusbd/internal/transfer"
	"github.com/mtpusbd/mtpusbd/internal/transport"
	"github.com/mtpusbd/mtpusbd/internal/watcher"
)

// unit is the per-attached-device state the registry tracks: the full
// wired pipeline of C3..C11 for one device, keyed by domain id. This
// generalizes the teacher's one-device-per-process model (ipp-usb
// forks a goroutine per printer in device.go) to a single process
// juggling many concurrently-attached devices in one map.
type unit struct {
	domainID    string
	displayName string
	quirkID     string
	quirkStatus string

	transport *transport.Transport
	sess      *session.Session
	dev       *device.Device
	storageID uint32 // first storage, used where the RPC surface carries no storage id

	index   *index.Index
	journal *journal.Journal
	cache   *cache.Cache
	engine  *transfer.Engine
	crawl   *crawl.Scheduler

	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[string]bool
}

func (u *unit) beginTransfer(jobID string) {
	u.mu.Lock()
	u.active[jobID] = true
	u.mu.Unlock()
}

func (u *unit) endTransfer(jobID string) {
	u.mu.Lock()
	delete(u.active, jobID)
	u.mu.Unlock()
}

func (u *unit) activeList() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.active))
	for id := range u.active {
		out = append(out, id)
	}
	return out
}

// unitDownloader makes transfer.Engine.Read satisfy internal/cache's
// Downloader interface. Cache.Materialize hands Download a destPath
// and size but not the Key it was called with, so the handle is
// recovered from destPath's filename -- cache.Key.filename's own
// "<deviceId>-<storageId>-<handle>.bin" encoding, read back out.
type unitDownloader struct {
	u *unit
}

func (d unitDownloader) Download(ctx context.Context, destPath string, size uint64, onProgress func(committedBytes uint64)) error {
	_, handle, err := parseCacheFilename(filepath.Base(destPath))
	if err != nil {
		return err
	}

	jobID := newJobID()
	d.u.beginTransfer(jobID)
	defer d.u.endTransfer(jobID)

	return d.u.engine.Read(ctx, transfer.ReadRequest{
		JobID:    jobID,
		Handle:   handle,
		DestPath: destPath,
	}, func(completed, total uint64) {
		if onProgress != nil {
			onProgress(completed)
		}
	})
}

// parseCacheFilename recovers (storageID, handle) from a cache entry's
// filename, the reverse of cache.Key.filename.
func parseCacheFilename(name string) (storageID, handle uint32, err error) {
	name = strings.TrimSuffix(name, ".bin")
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return 0, 0, fmt.Errorf("registry: malformed cache filename %q", name)
	}
	h, err := strconv.ParseUint(parts[len(parts)-1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("registry: malformed cache filename %q: %w", name, err)
	}
	s, err := strconv.ParseUint(parts[len(parts)-2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("registry: malformed cache filename %q: %w", name, err)
	}
	return uint32(s), uint32(h), nil
}

// Registry owns every attached device's pipeline and is the
// rpc.Backend the control socket dispatches onto.
type Registry struct {
	conf   config.Configuration
	quirks *quirks.Database
	log    *logger.Logger

	mu    sync.Mutex
	units map[string]*unit
}

func NewRegistry(conf config.Configuration, qdb *quirks.Database, log *logger.Logger) *Registry {
	return &Registry{conf: conf, quirks: qdb, log: log, units: map[string]*unit{}}
}

// OnAttach builds the full pipeline for a newly-seen device:
// transport claim, quirk match, capability probe, session/device
// open, and the index/journal/cache/crawl quartet, registered under
// the device's resolved domain id.
func (r *Registry) OnAttach(a watcher.Attached) {
	ctx := context.Background()

	t, err := transport.Open(a.Device, a.Candidates)
	if err != nil {
		r.log.Error('!', "attach %s: claiming transport: %s", a.Addr, err)
		return
	}

	cand := a.Candidates[0]
	class, subclass, proto := uint8(cand.Alt.Class), uint8(cand.Alt.SubClass), uint8(cand.Alt.Protocol)
	fp := quirks.Fingerprint{
		VID:           uint16(a.Device.Desc.Vendor),
		PID:           uint16(a.Device.Desc.Product),
		IfaceClass:    &class,
		IfaceSubclass: &subclass,
		IfaceProtocol: &proto,
	}

	quirk := r.quirks.Match(fp)
	provisional, _ := quirks.BuildEffective(fp, nil, nil, quirk, r.conf.EnvOverrides)

	sess, err := session.Open(ctx, t, session.NoopHooks, provisional, func() error { return nil })
	if err != nil {
		r.log.Error('!', "attach %s: opening session: %s", a.Addr, err)
		t.Close()
		return
	}

	dev := device.New(capabilityTransactor{sess}, session.NoopHooks, t)
	dev.SetBusyBackoff(quirks.BusyBackoffFromHooks(provisional.Hooks))
	info, err := dev.Info(ctx)
	if err != nil {
		r.log.Error('!', "attach %s: GetDeviceInfo: %s", a.Addr, err)
		dev.Close()
		sess.Close(ctx)
		t.Close()
		return
	}

	caps := capability.NewCache()
	capsResult := caps.Probe(ctx, fp, capabilityTransactor{sess}, info)
	tuning, _ := quirks.BuildEffective(fp, capsResult.ToOperations(), nil, quirk, r.conf.EnvOverrides)

	signals := index.IdentitySignals{
		MTPSerial:    info.SerialNumber,
		VID:          fp.VID,
		PID:          fp.PID,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		DisplayName:  info.Manufacturer + " " + info.Model,
	}
	domainID := index.DeriveDomainID(signals)
	stateDir := filepath.Join(r.conf.StateDir, sanitizeDomainID(domainID))
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		r.log.Error('!', "attach %s: creating state dir: %s", a.Addr, err)
		dev.Close()
		sess.Close(ctx)
		t.Close()
		return
	}

	ix, err := index.Open(filepath.Join(stateDir, "index.db"))
	if err != nil {
		r.log.Error('!', "attach %s: opening index: %s", a.Addr, err)
		dev.Close()
		sess.Close(ctx)
		t.Close()
		return
	}

	jr, err := journal.New(ix.DB())
	if err != nil {
		r.log.Error('!', "attach %s: opening journal: %s", a.Addr, err)
		ix.Close()
		dev.Close()
		sess.Close(ctx)
		t.Close()
		return
	}

	ident, err := ix.ResolveIdentity(ctx, signals)
	if err != nil {
		r.log.Error('!', "attach %s: resolving identity: %s", a.Addr, err)
		ix.Close()
		dev.Close()
		sess.Close(ctx)
		t.Close()
		return
	}

	engine := transfer.NewEngine(dev, jr, tuning)
	cacheDir := filepath.Join(stateDir, "cache")

	storageIDs, err := dev.StorageIDs(ctx)
	if err != nil || len(storageIDs) == 0 {
		r.log.Error('!', "attach %s: listing storages: %s", a.Addr, err)
		storageIDs = []uint32{0}
	}

	u := &unit{
		domainID:    ident.DomainID,
		displayName: ident.DisplayName,
		transport:   t,
		sess:        sess,
		dev:         dev,
		storageID:   storageIDs[0],
		index:       ix,
		journal:     jr,
		engine:      engine,
		active:      map[string]bool{},
	}
	u.cache = cache.New(cacheDir, uint64(r.conf.CacheMaxBytes), unitDownloader{u})
	if quirk != nil {
		u.quirkID = quirk.ID
		u.quirkStatus = string(quirk.Status)
	}

	crawlNotify := func(deviceID string, affected []crawl.ParentRef) {
		r.log.Debug(0, "crawl: %s: %d folders changed", deviceID, len(affected))
	}
	sched := crawl.NewScheduler(ident.DomainID, dev, ix, tuning, crawlNotify)
	u.crawl = sched

	crawlCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	r.mu.Lock()
	r.units[ident.DomainID] = u
	r.mu.Unlock()

	go func() {
		if err := sched.SeedOnConnect(crawlCtx); err != nil {
			r.log.Debug(0, "crawl: %s: seed on connect: %s", ident.DomainID, err)
		}
	}()
	go sched.StartPeriodic(crawlCtx)

	go r.pumpEvents(crawlCtx, ident.DomainID, dev)

	r.log.Info(' ', "attached %s as %s (%s)", a.Addr, ident.DomainID, ident.DisplayName)
}

// pumpEvents feeds internal/device's decoded MTPEvents into the
// crawl scheduler's event-driven refresh path.
func (r *Registry) pumpEvents(ctx context.Context, domainID string, dev *device.Device) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-dev.Events():
			if !ok {
				return
			}
			r.mu.Lock()
			u := r.units[domainID]
			r.mu.Unlock()
			if u == nil || u.crawl == nil {
				continue
			}
			if err := u.crawl.HandleEvent(ctx, ev); err != nil {
				r.log.Debug(0, "crawl: %s: event handling: %s", domainID, err)
			}
		}
	}
}

// OnDetach does nothing. The watcher reports only the bus address, not
// the domain id it resolved to, and the registry keeps no
// address-to-unit mapping, so the detached device's unit stays
// registered and its pipeline is not torn down.
func (r *Registry) OnDetach(addr watcher.Addr) {
	_ = addr // bus address carries no domain id
}

func sanitizeDomainID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func newJobID() string {
	return fmt.Sprintf("job-%d", time.Now().UnixNano())
}

// capabilityTransactor adapts *session.Session to the Transactor
// shape internal/capability and internal/device each declare
// independently (identical methods, kept as separate interfaces per
// package so none of them imports another's package just for a type).
type capabilityTransactor struct {
	s *session.Session
}

func (c capabilityTransactor) Transact(ctx context.Context, code uint16, params []uint32) (ptp.Container, []byte, error) {
	return c.s.Transact(ctx, code, params)
}

func (c capabilityTransactor) TransactWithData(ctx context.Context, code uint16, params []uint32, payload []byte) (ptp.Container, error) {
	return c.s.TransactWithData(ctx, code, params, payload)
}

// --- rpc.Backend ---

func (r *Registry) lookup(domainID string) (*unit, error) {
	r.mu.Lock()
	u := r.units[domainID]
	r.mu.Unlock()
	if u == nil {
		return nil, mtperr.ErrDeviceDisconnected
	}
	return u, nil
}

func (r *Registry) List(domainID string, parentHandle *uint32) ([]index.Object, error) {
	u, err := r.lookup(domainID)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	parent := index.RootHandle
	if parentHandle != nil {
		parent = *parentHandle
	}

	storages, err := u.index.Storages(ctx, domainID)
	if err != nil {
		return nil, err
	}

	var out []index.Object
	for _, storageID := range storages {
		rows, err := u.index.Children(ctx, domainID, storageID, parent)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (r *Registry) Materialize(domainID string, storageID, handle uint32) (string, error) {
	u, err := r.lookup(domainID)
	if err != nil {
		return "", err
	}
	ctx := context.Background()

	obj, ok, err := u.index.Object(ctx, domainID, storageID, handle)
	if err != nil {
		return "", err
	}
	var size uint64
	if ok && obj.SizeBytes != nil {
		size = *obj.SizeBytes
	}

	key := cache.Key{DeviceID: domainID, StorageID: storageID, Handle: handle}
	return u.cache.Materialize(ctx, key, size)
}

func (r *Registry) CreateItem(domainID string, parentHandle uint32, name string, size uint64, sourcePath string) (uint32, error) {
	u, err := r.lookup(domainID)
	if err != nil {
		return 0, err
	}
	ctx := context.Background()

	jobID := newJobID()
	u.beginTransfer(jobID)
	defer u.endTransfer(jobID)

	return u.engine.Write(ctx, transfer.WriteRequest{
		JobID:   jobID,
		Storage: u.storageID,
		Parent:  parentHandle,
		Name:    name,
		SrcPath: sourcePath,
	}, nil)
}

func (r *Registry) ModifyItem(domainID string, handle uint32, newContentsPath string) error {
	u, err := r.lookup(domainID)
	if err != nil {
		return err
	}
	ctx := context.Background()

	f, err := os.Open(newContentsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	chunkSize := 1 << 20
	buf := make([]byte, chunkSize)
	var offset uint64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, err := u.dev.SendPartialObject(ctx, handle, offset, buf[:n]); err != nil {
				return err
			}
			offset += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

func (r *Registry) DeleteItem(domainID string, handle uint32) error {
	u, err := r.lookup(domainID)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if err := u.dev.Delete(ctx, handle, true); err != nil {
		return err
	}
	return u.index.RemoveObject(ctx, domainID, u.storageID, handle)
}

func (r *Registry) Status() rpc.StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := rpc.StatusReport{}
	for _, u := range r.units {
		report.Devices = append(report.Devices, rpc.DeviceStatus{
			DomainID:       u.domainID,
			DisplayName:    u.displayName,
			QuirkID:        u.quirkID,
			QuirkStatus:    u.quirkStatus,
			ActiveTransfer: u.activeList(),
		})
	}
	return report
}
