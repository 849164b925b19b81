package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-gateway/pkg/domain"
)

const defaultDebounce = 100 * time.Millisecond

// FileProviderConfig holds the settings of a FileProvider.
type FileProviderConfig struct {
	Path     string
	Debounce time.Duration
	Logger   *slog.Logger
}

// FileProvider serves the gateway definitions of a local file and reloads
// them when the file changes.
//
// Every reload converts the file again, so subscribers always receive new
// domain instances. A file that fails to load leaves the last good snapshot
// in place.
type FileProvider struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu          sync.RWMutex
	snapshot    *domain.Snapshot
	generation  int64
	subscribers []chan *domain.Snapshot

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileProvider loads the file and starts watching it. The initial load
// must succeed.
func NewFileProvider(cfg FileProviderConfig) (*FileProvider, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	p := &FileProvider{
		path:     absPath,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the last successfully loaded snapshot.
func (p *FileProvider) Current() *domain.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives every reloaded snapshot. The
// current snapshot is delivered first. A slow subscriber only ever misses
// intermediate snapshots: the channel keeps the latest one.
func (p *FileProvider) Subscribe() <-chan *domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *domain.Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Reload reads the file now.
func (p *FileProvider) Reload() error {
	return p.load()
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.load(); err != nil {
					p.logger.Error("definitions reload failed, keeping previous snapshot",
						slog.String("path", p.path),
						slog.Any("error", err))
				}
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("definitions watcher error", slog.Any("error", err))
		}
	}
}

func (p *FileProvider) load() error {
	snap, err := LoadDefinitions(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	if snap.Generation == 0 {
		snap.Generation = p.generation
	}
	p.snapshot = snap

	for _, ch := range p.subscribers {
		// Drop a snapshot the subscriber has not read yet.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}

	p.logger.Info("definitions loaded",
		slog.String("path", p.path),
		slog.Int64("generation", snap.Generation),
		slog.Int("api_count", len(snap.APIs)))
	return nil
}
