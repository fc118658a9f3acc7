package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// ActiveDirs reports work directories that must not be touched.
type ActiveDirs func() []string

// Options configures a Service.
type Options struct {
	CacheDir string
	WorkDir  string
	MaxAge   time.Duration
	Interval time.Duration
	// Delay before the first pass.
	InitialDelay time.Duration
}

// OptionsFromConfig reads the cleanup settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CacheDir:     cfg.CacheDir(),
		WorkDir:      cfg.WorkDir(),
		MaxAge:       cfg.Cleanup.MaxAge.Std(),
		Interval:     cfg.Cleanup.Interval.Std(),
		InitialDelay: time.Minute,
	}
}

// Service removes cached downloads nobody used for a while and task
// directories left behind by crashed runs.
type Service struct {
	opts   Options
	active ActiveDirs
	now    func() time.Time

	mu             sync.Mutex
	lastCleanup    time.Time
	cleanupRunning bool
}

// NewService creates a cleanup service. active may be nil.
func NewService(opts Options, active ActiveDirs) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 6 * time.Hour
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}
	return &Service{opts: opts, active: active, now: time.Now}
}

// Run cleans periodically until ctx is cancelled.
func (cs *Service) Run(ctx context.Context) error {
	debug.Info("Cleanup service started with %s retention", cs.opts.MaxAge)

	delay := time.NewTimer(cs.opts.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-delay.C:
	}
	cs.Cleanup()

	ticker := time.NewTicker(cs.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			debug.Info("Cleanup service stopping")
			return nil
		case <-ticker.C:
			cs.Cleanup()
		}
	}
}

// Cleanup performs one pass and returns how many entries and bytes were
// removed. A pass already in progress makes this a no-op.
func (cs *Service) Cleanup() (int, int64) {
	cs.mu.Lock()
	if cs.cleanupRunning {
		cs.mu.Unlock()
		debug.Debug("Cleanup already running, skipping")
		return 0, 0
	}
	cs.cleanupRunning = true
	cs.mu.Unlock()

	defer func() {
		cs.mu.Lock()
		cs.cleanupRunning = false
		cs.lastCleanup = cs.now()
		cs.mu.Unlock()
	}()

	debug.Debug("Starting cleanup of old files...")

	deleted, size := cs.cleanupCache()
	d, s := cs.cleanupWorkDirs()
	deleted += d
	size += s

	if deleted > 0 {
		debug.Info("Cleanup completed: deleted %d entries, freed %s", deleted, formatBytes(size))
	} else {
		debug.Debug("Cleanup completed: no files to delete")
	}
	return deleted, size
}

// cleanupCache removes cache files not used within MaxAge. Fetches touch
// the files they hit, so modification time is last use.
func (cs *Service) cleanupCache() (int, int64) {
	if cs.opts.CacheDir == "" {
		return 0, 0
	}
	entries, err := os.ReadDir(cs.opts.CacheDir)
	if err != nil {
		if !os.IsNotExist(err) {
			debug.Error("Error reading cache directory: %v", err)
		}
		return 0, 0
	}

	cutoff := cs.now().Add(-cs.opts.MaxAge)
	deleted, total := 0, int64(0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Partial downloads are abandoned after a day regardless of MaxAge.
		limit := cutoff
		if strings.HasPrefix(entry.Name(), ".download-") {
			limit = cs.now().Add(-24 * time.Hour)
		}
		if info.ModTime().After(limit) {
			continue
		}
		path := filepath.Join(cs.opts.CacheDir, entry.Name())
		if err := os.Remove(path); err != nil {
			debug.Error("Failed to delete cached file %s: %v", path, err)
			continue
		}
		debug.Debug("Deleted cached file: %s (age: %s, size: %d bytes)", path, cs.now().Sub(info.ModTime()), info.Size())
		deleted++
		total += info.Size()
	}
	return deleted, total
}

// cleanupWorkDirs removes task directories that belong to no running task.
func (cs *Service) cleanupWorkDirs() (int, int64) {
	if cs.opts.WorkDir == "" {
		return 0, 0
	}
	entries, err := os.ReadDir(cs.opts.WorkDir)
	if err != nil {
		if !os.IsNotExist(err) {
			debug.Error("Error reading work directory: %v", err)
		}
		return 0, 0
	}

	inUse := make(map[string]bool)
	if cs.active != nil {
		for _, dir := range cs.active() {
			inUse[filepath.Clean(dir)] = true
		}
	}

	deleted, total := 0, int64(0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(cs.opts.WorkDir, entry.Name())
		if inUse[filepath.Clean(path)] {
			continue
		}
		size := dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			debug.Error("Failed to delete work directory %s: %v", path, err)
			continue
		}
		debug.Debug("Deleted stale work directory: %s (%d bytes)", path, size)
		deleted++
		total += size
	}
	return deleted, total
}

func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// formatBytes formats bytes into human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// LastCleanup returns when the last pass finished.
func (cs *Service) LastCleanup() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastCleanup
}
