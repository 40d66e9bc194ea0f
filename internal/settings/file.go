package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
)

// FileProvider serves snapshots parsed from a YAML file and can follow edits
// to that file.
type FileProvider struct {
	path    string
	log     logger.Logger
	current atomic.Pointer[Snapshot]
	reloads atomic.Int64
}

// NewFileProvider loads path once. The file must exist and parse.
func NewFileProvider(path string, log logger.Logger) (*FileProvider, error) {
	p := &FileProvider{path: path, log: log}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the most recently loaded snapshot.
func (p *FileProvider) Current() *Snapshot {
	return p.current.Load()
}

// Reloads returns how many times the snapshot has been replaced since startup.
func (p *FileProvider) Reloads() int64 {
	return p.reloads.Load()
}

func (p *FileProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read settings %s: %w", p.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("settings %s is empty", p.path)
	}
	var snap Snapshot
	if err = yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse settings %s: %w", p.path, err)
	}
	snap.SetDefaults()
	p.current.Store(&snap)
	p.reloads.Add(1)
	return nil
}

// Watch reloads the snapshot whenever the settings file is written, created
// or renamed into place, until ctx is done. A file that fails to parse leaves
// the previous snapshot in effect.
//
// The parent directory is watched rather than the file so that editors that
// replace the file atomically keep triggering reloads.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	if err = watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch settings dir: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if reloadErr := p.reload(); reloadErr != nil {
					if !errors.Is(reloadErr, os.ErrNotExist) {
						p.log.Warn("Settings reload failed, keeping previous snapshot", logger.RedactedError(reloadErr))
					}
					continue
				}
				p.log.Info("Settings reloaded", logger.Int64("reloads", p.reloads.Load()))
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.Warn("Settings watcher error", logger.Error(watchErr))
			}
		}
	}()
	return nil
}
