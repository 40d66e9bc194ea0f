package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloader"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/metrics"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/pathsec"
)

const (
	defaultMaxConcurrent = 3
	defaultStaleAfter    = 30 * time.Minute
	defaultSweepSchedule = "@every 1m"
	storeTimeout         = 5 * time.Second
)

// Mounter is the part of the mount registry the orchestrator drives.
type Mounter interface {
	Mount(ctx context.Context, id, archivePath string) error
	Unmount(id string) (bool, error)
}

// Downloader starts background archive downloads.
type Downloader interface {
	Start(ctx context.Context, a downloader.Artifact) *downloader.Job
	ResolvePath(a downloader.Artifact) (string, error)
}

// Hint is the metadata needed to fetch an archive that is not on disk.
type Hint struct {
	Date     string   `json:"date"`
	Checksum string   `json:"checksum,omitempty"`
	Hosts    []string `json:"hosts,omitempty"`
}

// Outcome is the answer to a mount request.
type Outcome struct {
	Accepted    bool   `json:"accepted"`
	Downloading bool   `json:"downloading"`
	StatusCode  int    `json:"status_code"`
	Error       string `json:"error,omitempty"`
}

func failed(err error) Outcome {
	return Outcome{StatusCode: apperrors.StatusCode(err), Error: apperrors.PublicMessage(err)}
}

// Config configures an Orchestrator.
type Config struct {
	ArtifactRoot  string
	MaxConcurrent int
	StaleAfter    time.Duration
	SweepSchedule string
}

type activeDownload struct {
	progress    Progress
	cancel      context.CancelFunc
	subscribers map[int]chan Progress
}

// Orchestrator admits, runs and tracks background downloads and mounts
// their results.
type Orchestrator struct {
	cfg        Config
	mounts     Mounter
	downloader Downloader
	store      Store
	log        logger.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	wg     sync.WaitGroup
	now    func() time.Time

	mu      sync.Mutex
	active  map[string]*activeDownload
	nextSub int
	closed  bool
}

// New returns an Orchestrator. Call Start to begin the stale sweep.
func New(cfg Config, mounts Mounter, dl Downloader, store Store, log logger.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		mounts:     mounts,
		downloader: dl,
		store:      store,
		log:        log,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		cron:       cron.New(),
		now:        time.Now,
		active:     make(map[string]*activeDownload),
	}
	if _, err := o.cron.AddFunc(cfg.SweepSchedule, o.sweep); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule stale sweep %q: %w", cfg.SweepSchedule, err)
	}
	return o, nil
}

// Start runs the periodic stale sweep.
func (o *Orchestrator) Start() {
	o.cron.Start()
}

// RequestMount mounts id from archivePath, downloading it first when it is
// missing and hint is given. A relative archivePath is taken beneath the
// artifact root; an empty one is derived from the hint.
func (o *Orchestrator) RequestMount(ctx context.Context, id, archivePath string, hint *Hint) Outcome {
	const op = "downloads.RequestMount"

	if strings.TrimSpace(id) == "" {
		return failed(apperrors.New(apperrors.InvalidInput, op, "mount id is required"))
	}

	var artifact *downloader.Artifact
	if hint != nil {
		artifact = &downloader.Artifact{ID: id, Date: hint.Date, Checksum: hint.Checksum}
		if archivePath == "" {
			p, err := o.downloader.ResolvePath(*artifact)
			if err != nil {
				return failed(err)
			}
			archivePath = p
		}
	}
	if archivePath == "" {
		return failed(apperrors.New(apperrors.InvalidInput, op, "archive path is required"))
	}

	target, err := pathsec.ValidateWithinBase(o.cfg.ArtifactRoot, archivePath)
	if err != nil {
		return failed(err)
	}

	info, err := os.Stat(target)
	switch {
	case err == nil && info.Mode().IsRegular():
		if err := o.mountVerified(ctx, id, target); err != nil {
			return failed(err)
		}
		return Outcome{Accepted: true, StatusCode: http.StatusOK}
	case err == nil:
		return failed(apperrors.New(apperrors.InvalidInput, op, "archive path is not a file"))
	case !errors.Is(err, os.ErrNotExist):
		return failed(apperrors.Wrap(apperrors.Internal, op, err))
	case artifact == nil:
		return failed(apperrors.New(apperrors.NotFoundLocal, op, "archive not found and no download metadata"))
	}

	return o.startDownload(id, target, *artifact, hint.Hosts)
}

// mountVerified mounts path and then checks that its real location is
// still inside the artifact root, undoing the mount when it is not.
func (o *Orchestrator) mountVerified(ctx context.Context, id, path string) error {
	const op = "downloads.mountVerified"

	if err := o.mounts.Mount(ctx, id, path); err != nil {
		return err
	}

	root, err := filepath.EvalSymlinks(o.cfg.ArtifactRoot)
	if err == nil {
		var real string
		real, err = filepath.EvalSymlinks(path)
		if err == nil {
			_, err = pathsec.ValidateWithinBase(root, real)
		}
	}
	if err != nil {
		if _, unmountErr := o.mounts.Unmount(id); unmountErr != nil {
			o.log.Error("Failed to unmount rejected archive", logger.String("mount_id", id), logger.Error(unmountErr))
		}
		o.metrics.SecurityRejections.WithLabelValues("mount_symlink_escape").Inc()
		o.log.Warn("Archive resolved outside artifact root", logger.String("mount_id", id), logger.RedactedError(err))
		if apperrors.Is(err, apperrors.PathEscape) {
			return err
		}
		return apperrors.Wrap(apperrors.PathEscape, op, err)
	}
	return nil
}

func (o *Orchestrator) startDownload(id, target string, a downloader.Artifact, hosts []string) Outcome {
	const op = "downloads.startDownload"

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return failed(apperrors.New(apperrors.ShuttingDown, op, "orchestrator closed"))
	}
	if _, ok := o.active[id]; ok {
		o.mu.Unlock()
		return Outcome{Accepted: true, Downloading: true, StatusCode: http.StatusAccepted}
	}
	if len(o.active) >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		o.log.Warn("Download rejected at concurrency cap",
			logger.String("mount_id", id),
			logger.Int("max_concurrent", o.cfg.MaxConcurrent),
		)
		return failed(apperrors.New(apperrors.ResourceExhausted, op, "too many concurrent downloads"))
	}

	ctx, cancel := context.WithCancel(o.ctx)
	now := o.now()
	entry := &activeDownload{
		progress: Progress{
			ID:         id,
			StartedAt:  now,
			UpdatedAt:  now,
			TargetPath: target,
			Hosts:      hosts,
			State:      StateDownloading,
		},
		cancel:      cancel,
		subscribers: make(map[int]chan Progress),
	}
	o.active[id] = entry
	o.metrics.DownloadsActive.Set(float64(len(o.active)))
	o.wg.Add(1)
	o.mu.Unlock()

	o.persist(entry.progress)
	o.log.Info("Archive download started", logger.String("mount_id", id))

	job := o.downloader.Start(ctx, a)
	go o.track(ctx, entry, job)

	return Outcome{Accepted: true, Downloading: true, StatusCode: http.StatusAccepted}
}

// track mirrors job progress until it finishes, then mounts the result.
func (o *Orchestrator) track(ctx context.Context, entry *activeDownload, job *downloader.Job) {
	defer o.wg.Done()
	defer entry.cancel()

	id := entry.progress.ID
	for p := range job.Progress() {
		o.update(entry, func(cur *Progress) {
			cur.BytesDone = p.BytesDone
			cur.BytesTotal = p.BytesTotal
			cur.Source = p.Source
		})
	}

	res, err := job.Result()
	if err == nil {
		err = o.mountVerified(ctx, id, res.Path)
	}
	if err != nil {
		o.log.Warn("Archive download failed", logger.String("mount_id", id), logger.RedactedError(err))
		o.finish(entry, func(cur *Progress) {
			cur.State = StateFailed
			cur.Error = apperrors.PublicMessage(err)
		})
		return
	}

	o.log.Info("Archive download installed", logger.String("mount_id", id), logger.String("source", res.Source))
	o.finish(entry, func(cur *Progress) {
		cur.State = StateInstalled
		cur.Source = res.Source
		cur.TargetPath = res.Path
	})
}

func (o *Orchestrator) update(entry *activeDownload, mutate func(*Progress)) {
	o.mu.Lock()
	mutate(&entry.progress)
	entry.progress.UpdatedAt = o.now()
	snapshot := entry.progress.clone()
	for _, ch := range entry.subscribers {
		offer(ch, snapshot)
	}
	o.mu.Unlock()

	o.persist(snapshot)
}

// finish records the final state, persists it and only then drops the entry
// from the active set.
func (o *Orchestrator) finish(entry *activeDownload, mutate func(*Progress)) {
	o.mu.Lock()
	mutate(&entry.progress)
	entry.progress.UpdatedAt = o.now()
	snapshot := entry.progress.clone()
	o.mu.Unlock()

	o.persist(snapshot)

	o.mu.Lock()
	defer o.mu.Unlock()
	for key, ch := range entry.subscribers {
		offer(ch, snapshot)
		close(ch)
		delete(entry.subscribers, key)
	}
	if o.active[snapshot.ID] == entry {
		delete(o.active, snapshot.ID)
	}
	o.metrics.DownloadsActive.Set(float64(len(o.active)))
}

// offer replaces any unread value on a latest-value channel.
func offer(ch chan Progress, p Progress) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

func (o *Orchestrator) persist(p Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.Put(ctx, p); err != nil {
		o.log.Error("Failed to store download progress", logger.String("mount_id", p.ID), logger.Error(err))
	}
}

// Active returns a snapshot of every in-flight download.
func (o *Orchestrator) Active() []Progress {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Progress, 0, len(o.active))
	for _, e := range o.active {
		out = append(out, e.progress.clone())
	}
	return out
}

// Progress returns the latest record for id, in flight or recently finished.
func (o *Orchestrator) Progress(ctx context.Context, id string) (Progress, bool, error) {
	o.mu.Lock()
	if e, ok := o.active[id]; ok {
		p := e.progress.clone()
		o.mu.Unlock()
		return p, true, nil
	}
	o.mu.Unlock()
	return o.store.Get(ctx, id)
}

// List returns every stored progress record.
func (o *Orchestrator) List(ctx context.Context) ([]Progress, error) {
	return o.store.List(ctx)
}

// LookupActiveDownloadFor reports an in-flight download that plausibly
// serves relPath ("host/path"): one whose id, target path or hosts mention
// the host segment. Used only to choose a loading page over a 404.
func (o *Orchestrator) LookupActiveDownloadFor(relPath string) (Progress, bool) {
	host, _, _ := strings.Cut(strings.TrimPrefix(relPath, "/"), "/")
	host = strings.ToLower(host)
	if host == "" {
		return Progress{}, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, e := range o.active {
		p := e.progress
		if strings.Contains(strings.ToLower(p.ID), host) || strings.Contains(strings.ToLower(p.TargetPath), host) {
			return p.clone(), true
		}
		for _, h := range p.Hosts {
			if strings.EqualFold(h, host) {
				return p.clone(), true
			}
		}
	}
	return Progress{}, false
}

// Subscribe streams progress for an in-flight download. The channel holds
// the latest value only and is closed when the download finishes; call the
// returned func to unsubscribe early.
func (o *Orchestrator) Subscribe(id string) (<-chan Progress, func(), bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.active[id]
	if !ok {
		return nil, nil, false
	}
	key := o.nextSub
	o.nextSub++
	ch := make(chan Progress, 1)
	ch <- e.progress.clone()
	e.subscribers[key] = ch

	unsubscribe := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := e.subscribers[key]; ok {
			delete(e.subscribers, key)
			close(sub)
		}
	}
	return ch, unsubscribe, true
}

// sweep cancels downloads that have not progressed within StaleAfter and
// drops old records from the store.
func (o *Orchestrator) sweep() {
	cutoff := o.now().Add(-o.cfg.StaleAfter)

	o.mu.Lock()
	for id, e := range o.active {
		if e.progress.UpdatedAt.Before(cutoff) {
			o.log.Warn("Cancelling stale download", logger.String("mount_id", id))
			e.cancel()
			delete(o.active, id)
		}
	}
	o.metrics.DownloadsActive.Set(float64(len(o.active)))
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	removed, err := o.store.DeleteStale(ctx, cutoff)
	if err != nil {
		o.log.Error("Stale download sweep failed", logger.Error(err))
		return
	}
	if removed > 0 {
		o.log.Debug("Swept stale download records", logger.Int("removed", removed))
	}
}

// Close stops the sweep, cancels in-flight downloads and waits for them.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	<-o.cron.Stop().Done()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
