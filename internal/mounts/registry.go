// Package mounts keeps a bounded set of zip archives open and serves
// entries out of them.
package mounts

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
)

const defaultMaxEntries = 1_000_000

// Prefixes tried, in order, in front of a relative path inside each archive.
var entryPrefixes = []string{"", "content/", "htdocs/", "content/htdocs/"}

// Config sizes a Registry.
type Config struct {
	Capacity      int
	TTL           time.Duration
	MaxEntryBytes int64
	// MaxEntries rejects archives with more entries than this at mount time.
	MaxEntries   int
	CloseTimeout time.Duration
}

// Registry is an LRU of mounted archives with idle expiry: every hit restarts
// an archive's TTL. Evicted archives are closed on background goroutines that
// Close waits for.
type Registry struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.Metrics

	cache *expirable.LRU[string, *Archive]
	group singleflight.Group

	mu       sync.Mutex
	mounting map[string]struct{}
	closing  bool

	closers sync.WaitGroup
	open    func(id, path string, maxEntries int) (*Archive, error)
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config, log logger.Logger, m *metrics.Metrics) *Registry {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	r := &Registry{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		mounting: make(map[string]struct{}),
		open:     openArchive,
	}
	r.cache = expirable.NewLRU(cfg.Capacity, r.onEvict, cfg.TTL)
	return r
}

// onEvict runs under the LRU's lock; it must not touch the cache.
func (r *Registry) onEvict(id string, a *Archive) {
	if a.evicted.Swap(true) {
		return
	}
	if !a.unmounted.Load() {
		r.metrics.MountEvictions.Inc()
		r.log.Info("Archive evicted", logger.String("mount_id", id))
	}
	r.metrics.MountsActive.Dec()

	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		if err := a.close(); err != nil {
			r.log.Warn("Closing archive failed", logger.String("mount_id", id), logger.RedactedError(err))
		}
	}()
}

// Mount opens archivePath and registers it under id. Mounting an id that is
// already mounted is a no-op; concurrent calls for one id share a single open.
func (r *Registry) Mount(ctx context.Context, id, archivePath string) error {
	const op = "mounts.Mount"

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.isClosing() {
		return apperrors.New(apperrors.ShuttingDown, op, "registry is closing")
	}
	if r.Has(id) {
		return nil
	}

	_, err, shared := r.group.Do(id, func() (any, error) {
		if r.Has(id) {
			return nil, nil
		}
		r.setMounting(id, true)
		defer r.setMounting(id, false)

		archive, err := r.open(id, archivePath, r.cfg.MaxEntries)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closing {
			_ = archive.close()
			return nil, apperrors.New(apperrors.ShuttingDown, op, "registry is closing")
		}
		// An expired entry not yet reaped would otherwise be replaced
		// without its handle being closed.
		r.cache.Remove(id)
		r.cache.Add(id, archive)
		r.metrics.MountsActive.Inc()
		r.log.Info("Archive mounted",
			logger.String("mount_id", id),
			logger.Int("entries", len(archive.index)),
		)
		return nil, nil
	})
	if err != nil && !shared {
		r.log.Warn("Mount failed", logger.String("mount_id", id), logger.RedactedError(err))
	}
	return err
}

// Unmount closes and forgets id. It reports whether id was mounted. An id
// that is mid-mount is left alone and reported via AlreadyMounting.
func (r *Registry) Unmount(id string) (bool, error) {
	if r.IsMounting(id) {
		return false, apperrors.New(apperrors.AlreadyMounting, "mounts.Unmount", "mount in progress")
	}
	a, ok := r.cache.Peek(id)
	if !ok {
		return false, nil
	}
	a.unmounted.Store(true)
	r.cache.Remove(id)
	r.log.Info("Archive unmounted", logger.String("mount_id", id))
	return true, nil
}

// Has reports whether id is mounted.
func (r *Registry) Has(id string) bool {
	_, ok := r.cache.Peek(id)
	return ok
}

// IsMounting reports whether a mount of id is underway.
func (r *Registry) IsMounting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mounting[id]
	return ok
}

// Get returns the archive info for id and refreshes its recency and expiry.
func (r *Registry) Get(id string) (Info, bool) {
	a, ok := r.cache.Peek(id)
	if !ok {
		return Info{}, false
	}
	r.touch(a)
	return a.info(), true
}

// touch moves a to the front and restarts its TTL. Re-adding an existing key
// does not fire the eviction hook. An archive evicted between the lookup and
// the re-add is dropped again so a closed handle is never served.
func (r *Registry) touch(a *Archive) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.cache.Peek(a.ID); !ok || cur != a {
		return
	}
	r.cache.Add(a.ID, a)
	if a.evicted.Load() {
		r.cache.Remove(a.ID)
	}
}

// List returns every mounted archive, most recently used first.
func (r *Registry) List() []Info {
	archives := r.cache.Values()
	out := make([]Info, 0, len(archives))
	for _, a := range slices.Backward(archives) {
		out = append(out, a.info())
	}
	return out
}

// Find looks up relPath ("host/path", query stripped) in every mounted
// archive, most recently used first, trying each entry prefix in turn. Entries
// larger than MaxEntryBytes are skipped. A hit restarts the archive's TTL. It
// returns the entry bytes and the id of the archive that held them.
func (r *Registry) Find(relPath string) ([]byte, string, bool) {
	key := normalizeEntry(stripQuery(relPath))
	if key == "" {
		return nil, "", false
	}

	archives := r.cache.Values()
	for _, a := range slices.Backward(archives) {
		for _, prefix := range entryPrefixes {
			f, ok := a.lookup(prefix + key)
			if !ok {
				continue
			}
			if int64(f.UncompressedSize64) > r.cfg.MaxEntryBytes {
				r.log.Debug("Archive entry over size ceiling, skipped",
					logger.String("mount_id", a.ID),
					logger.String("entry", prefix+key),
				)
				continue
			}
			data, err := readEntry(f, r.cfg.MaxEntryBytes)
			if err != nil {
				r.log.Warn("Reading archive entry failed",
					logger.String("mount_id", a.ID),
					logger.String("entry", prefix+key),
					logger.RedactedError(err),
				)
				continue
			}
			r.touch(a)
			return data, a.ID, true
		}
	}
	return nil, "", false
}

// Close stops accepting mounts, evicts everything and waits for the archive
// handles to close, bounded by CloseTimeout and ctx.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.cache.Purge()

	done := make(chan struct{})
	go func() {
		r.closers.Wait()
		close(done)
	}()

	timeout := r.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		r.log.Warn("Timed out waiting for archives to close", logger.Duration("timeout", timeout))
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Registry) setMounting(id string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.mounting[id] = struct{}{}
	} else {
		delete(r.mounting, id)
	}
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
