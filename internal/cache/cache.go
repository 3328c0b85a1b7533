// Package cache implements spec.md §4.12's ContentCache: an LRU
// on-disk content store keyed by (deviceId, storageId, handle), with
// at-most-one concurrent download per key enforced by
// golang.org/x/sync/singleflight rather than hand-rolled locking.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State is one of spec.md §4.12's four per-entry states.
type State string

const (
	StateMiss        State = "miss"
	StateDownloading State = "downloading"
	StatePartial     State = "partial"
	StateHit         State = "hit"
)

// Key identifies one cache entry.
type Key struct {
	DeviceID  string
	StorageID uint32
	Handle    uint32
}

func (k Key) sfKey() string {
	return fmt.Sprintf("%s:%d:%d", k.DeviceID, k.StorageID, k.Handle)
}

func (k Key) filename() string {
	return fmt.Sprintf("%s-%d-%d.bin", sanitizeForFilename(k.DeviceID), k.StorageID, k.Handle)
}

func sanitizeForFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Downloader is the narrow surface Cache needs to fetch an object's
// bytes to local disk; internal/transfer.Engine.Read satisfies it in
// production, with its own temp-file-then-rename atomicity meaning
// destPath never holds a half-written file under its final name.
type Downloader interface {
	Download(ctx context.Context, destPath string, size uint64, onProgress func(committedBytes uint64)) error
}

// entry is one cache table row.
type entry struct {
	state          State
	localPath      string
	committedBytes uint64
	totalBytes     uint64
	lastAccessedAt time.Time
}

// Cache is the LRU content store of spec.md §4.12.
type Cache struct {
	dir          string
	maxSizeBytes uint64
	dl           Downloader

	mu      sync.Mutex
	entries map[Key]*entry
	sf      singleflight.Group
}

// New builds a Cache rooted at dir. Eviction runs after every
// completed materialize, down to maxSizeBytes (0 disables eviction).
func New(dir string, maxSizeBytes uint64, dl Downloader) *Cache {
	return &Cache{dir: dir, maxSizeBytes: maxSizeBytes, dl: dl, entries: map[Key]*entry{}}
}

// Lookup reports key's current state without triggering a download.
// An entry whose on-disk file has disappeared resolves to miss and is
// forgotten, per spec.md §4.12's self-healing rule.
func (c *Cache) Lookup(key Key) (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

func (c *Cache) lookupLocked(key Key) (State, string) {
	e, ok := c.entries[key]
	if !ok {
		return StateMiss, ""
	}
	if e.state == StateHit || e.state == StatePartial {
		if _, err := os.Stat(e.localPath); err != nil {
			delete(c.entries, key)
			return StateMiss, ""
		}
	}
	if e.state == StateHit {
		e.lastAccessedAt = time.Now()
	}
	return e.state, e.localPath
}

// Materialize produces a local path for key's bytes, fetching them if
// necessary. Concurrent callers on the same key collapse onto one
// underlying download via singleflight: the others observe
// downloading and receive the same result once it completes.
func (c *Cache) Materialize(ctx context.Context, key Key, size uint64) (string, error) {
	if state, path := c.Lookup(key); state == StateHit {
		return path, nil
	}

	v, err, _ := c.sf.Do(key.sfKey(), func() (interface{}, error) {
		return c.materializeOnce(ctx, key, size)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) materializeOnce(ctx context.Context, key Key, size uint64) (string, error) {
	// A prior call on this key may have completed and released the
	// singleflight gate before this goroutine acquired it.
	if state, path := c.Lookup(key); state == StateHit {
		return path, nil
	}

	path := filepath.Join(c.dir, key.filename())

	c.mu.Lock()
	c.entries[key] = &entry{state: StateDownloading, localPath: path, totalBytes: size}
	c.mu.Unlock()

	onProgress := func(committed uint64) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.state = StatePartial
			e.committedBytes = committed
		}
		c.mu.Unlock()
	}

	if err := c.dl.Download(ctx, path, size, onProgress); err != nil {
		os.Remove(path)
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = &entry{
		state:          StateHit,
		localPath:      path,
		committedBytes: size,
		totalBytes:     size,
		lastAccessedAt: time.Now(),
	}
	c.evictLocked()
	c.mu.Unlock()

	return path, nil
}

// TotalSize returns the combined size of all complete (hit) entries.
func (c *Cache) TotalSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, e := range c.entries {
		if e.state == StateHit {
			total += e.totalBytes
		}
	}
	return total
}

// evictLocked removes complete entries in oldest-lastAccessedAt order
// until the total size of hit entries is at most maxSizeBytes.
// Entries still downloading or partial are never eviction candidates.
// Called with mu held.
func (c *Cache) evictLocked() {
	if c.maxSizeBytes == 0 {
		return
	}

	var total uint64
	for _, e := range c.entries {
		if e.state == StateHit {
			total += e.totalBytes
		}
	}

	for total > c.maxSizeBytes {
		var oldestKey Key
		var oldest *entry
		for k, e := range c.entries {
			if e.state != StateHit {
				continue
			}
			if oldest == nil || e.lastAccessedAt.Before(oldest.lastAccessedAt) {
				oldestKey, oldest = k, e
			}
		}
		if oldest == nil {
			return
		}
		os.Remove(oldest.localPath)
		delete(c.entries, oldestKey)
		total -= oldest.totalBytes
	}
}
