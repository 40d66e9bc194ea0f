package mounts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
)

// Archive is an open zip file with an in-memory entry index.
type Archive struct {
	ID        string
	Path      string
	MountedAt time.Time

	reader *zip.ReadCloser
	index  map[string]*zip.File

	// unmounted marks an explicit Unmount so the eviction hook can tell it
	// apart from capacity or TTL eviction.
	unmounted atomic.Bool
	evicted   atomic.Bool
}

// Info describes a mounted archive.
type Info struct {
	ID          string    `json:"id"`
	ArchivePath string    `json:"archive_path"`
	MountedAt   time.Time `json:"mounted_at"`
	EntryCount  int       `json:"entry_count"`
}

func (a *Archive) info() Info {
	return Info{ID: a.ID, ArchivePath: a.Path, MountedAt: a.MountedAt, EntryCount: len(a.index)}
}

var errTooManyEntries = errors.New("archive exceeds entry limit")

func openArchive(id, archivePath string, maxEntries int) (*Archive, error) {
	const op = "mounts.openArchive"

	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.NotFoundLocal, op, err)
		}
		return nil, apperrors.Wrap(apperrors.Internal, op, err)
	}

	rc, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, op, fmt.Errorf("open archive: %w", err))
	}

	index, err := buildIndex(rc.File, maxEntries)
	if err != nil {
		_ = rc.Close()
		return nil, apperrors.Wrap(apperrors.ResourceExhausted, op, err)
	}

	return &Archive{
		ID:        id,
		Path:      archivePath,
		MountedAt: time.Now(),
		reader:    rc,
		index:     index,
	}, nil
}

func buildIndex(files []*zip.File, maxEntries int) (map[string]*zip.File, error) {
	if maxEntries > 0 && len(files) > maxEntries {
		return nil, fmt.Errorf("%w: %d entries", errTooManyEntries, len(files))
	}
	index := make(map[string]*zip.File, len(files))
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		name := normalizeEntry(f.Name)
		if name == "" {
			continue
		}
		if _, dup := index[name]; !dup {
			index[name] = f
		}
	}
	return index, nil
}

// normalizeEntry turns an entry name into the slash-separated relative key
// used for lookups. Parent references cannot climb above the archive root.
func normalizeEntry(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Clean("/" + name)
	if name == "/" {
		return ""
	}
	return strings.TrimPrefix(name, "/")
}

// lookup returns the entry stored under key, if any.
func (a *Archive) lookup(key string) (*zip.File, bool) {
	f, ok := a.index[key]
	return f, ok
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, apperrors.ErrTooLarge
	}
	return data, nil
}

func (a *Archive) close() error {
	return a.reader.Close()
}
