// Package config holds the allocator's tunables: the fixed ones only a
// restart can change, and a small set of soft tunables that a running
// process can hot-reload from a file watched with fsnotify, mirroring how
// the teacher pack wires filesystem watches into long-lived services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tessera-systems/tballoc/internal/region"
)

// Config holds every tunable from spec.md §6.
type Config struct {
	RootAllocatorCount        int
	RootAllocatorReservedSize uint64
	RootAllocatorReuseSize    uint64

	SystemMemoryExpandSize   uint64
	RegionMinExpandLower     uint64
	RegionMinExpandUpper     uint64
	ForceNativeAllocUse      bool
	MaxRequestMemorySize     uint64
	UseRootAllocatorForSys   bool

	PmemDir       string
	PmemMaxSize   uint64
	PmemAllocSize uint64

	Trim region.TrimPolicy
}

// Option mutates a Config at construction time.
type Option func(*Config)

func WithRootAllocatorCount(n int) Option        { return func(c *Config) { c.RootAllocatorCount = n } }
func WithRootAllocatorReservedSize(n uint64) Option {
	return func(c *Config) { c.RootAllocatorReservedSize = n }
}
func WithRootAllocatorReuseSize(n uint64) Option {
	return func(c *Config) { c.RootAllocatorReuseSize = n }
}
func WithSystemMemoryExpandSize(n uint64) Option {
	return func(c *Config) { c.SystemMemoryExpandSize = n }
}
func WithRegionMinExpandBounds(lower, upper uint64) Option {
	return func(c *Config) { c.RegionMinExpandLower, c.RegionMinExpandUpper = lower, upper }
}
func WithForceNativeAllocUse(v bool) Option { return func(c *Config) { c.ForceNativeAllocUse = v } }
func WithMaxRequestMemorySize(n uint64) Option {
	return func(c *Config) { c.MaxRequestMemorySize = n }
}
func WithUseRootAllocatorForSys(v bool) Option {
	return func(c *Config) { c.UseRootAllocatorForSys = v }
}
func WithPmemDir(dir string) Option          { return func(c *Config) { c.PmemDir = dir } }
func WithPmemMaxSize(n uint64) Option        { return func(c *Config) { c.PmemMaxSize = n } }
func WithPmemAllocSize(n uint64) Option      { return func(c *Config) { c.PmemAllocSize = n } }
func WithTrimPolicy(p region.TrimPolicy) Option { return func(c *Config) { c.Trim = p } }

// Default returns the baseline configuration before options are applied.
func Default() Config {
	return Config{
		RootAllocatorCount:        4,
		RootAllocatorReservedSize: 4 << 20,
		RootAllocatorReuseSize:    16 << 20,
		SystemMemoryExpandSize:    1 << 20,
		RegionMinExpandLower:      64 << 10,
		RegionMinExpandUpper:      0,
		MaxRequestMemorySize:      0,
		PmemMaxSize:               1 << 30,
		PmemAllocSize:             64 << 20,
		Trim:                      region.TrimPolicyNever(),
	}
}

// New builds a Config from Default() plus opts.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// softTunables is the subset of Config a running process may hot-reload;
// everything else (shard count, pmem directory, ...) shapes objects created
// at Init() and cannot change underneath them.
type softTunables struct {
	RootAllocatorReuseSize uint64 `json:"root_allocator_reuse_size"`
	SystemMemoryExpandSize uint64 `json:"system_memory_expand_size"`
	RegionMinExpandLower   uint64 `json:"region_min_expand_lower"`
	RegionMinExpandUpper   uint64 `json:"region_min_expand_upper"`
	MaxRequestMemorySize   uint64 `json:"max_request_memory_size"`
}

// Live wraps a Config with hot-reload support for its soft tunables,
// watched via fsnotify. Reads of the atomically-stored values are lock-free;
// the watch goroutine is the only writer.
type Live struct {
	base Config
	soft atomic.Pointer[softTunables]

	watcher *fsnotify.Watcher
	path    string
	mu      sync.Mutex
	onErr   func(error)
}

// NewLive wraps base for hot reload; it does not start watching until
// WatchFile is called.
func NewLive(base Config) *Live {
	l := &Live{base: base}
	l.soft.Store(&softTunables{
		RootAllocatorReuseSize: base.RootAllocatorReuseSize,
		SystemMemoryExpandSize: base.SystemMemoryExpandSize,
		RegionMinExpandLower:   base.RegionMinExpandLower,
		RegionMinExpandUpper:   base.RegionMinExpandUpper,
		MaxRequestMemorySize:   base.MaxRequestMemorySize,
	})
	return l
}

// Snapshot returns the current effective Config, soft tunables applied.
func (l *Live) Snapshot() Config {
	c := l.base
	s := l.soft.Load()
	c.RootAllocatorReuseSize = s.RootAllocatorReuseSize
	c.SystemMemoryExpandSize = s.SystemMemoryExpandSize
	c.RegionMinExpandLower = s.RegionMinExpandLower
	c.RegionMinExpandUpper = s.RegionMinExpandUpper
	c.MaxRequestMemorySize = s.MaxRequestMemorySize
	return c
}

// WatchFile starts watching path for changes to a JSON-encoded softTunables
// document, applying each successfully-parsed update atomically. onErr, if
// non-nil, receives watch and parse errors; a nil onErr silently ignores
// them, which is almost never what a caller wants outside of tests.
func (l *Live) WatchFile(path string, onErr func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	l.mu.Lock()
	l.watcher, l.path, l.onErr = w, path, onErr
	l.mu.Unlock()

	if err := l.reload(); err != nil && onErr != nil {
		onErr(err)
	}

	go l.loop(w)
	return nil
}

func (l *Live) loop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				l.mu.Lock()
				onErr := l.onErr
				l.mu.Unlock()
				if onErr != nil {
					onErr(err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.mu.Lock()
			onErr := l.onErr
			l.mu.Unlock()
			if onErr != nil {
				onErr(err)
			}
		}
	}
}

func (l *Live) reload() error {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var s softTunables
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	l.soft.Store(&s)
	return nil
}

// Close stops the watch goroutine, if one was started.
func (l *Live) Close() error {
	l.mu.Lock()
	w := l.watcher
	l.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
