// Package allocator is the public facade over the region engine, buddy
// allocator, and root-pool shard dispatcher: a tree of Allocator instances
// rooted at a process-wide Runtime, each owning its own region engine and
// exposing malloc/calloc/valloc/realloc/free/strdup.
package allocator

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tessera-systems/tballoc/internal/buddy"
	"github.com/tessera-systems/tballoc/internal/config"
	"github.com/tessera-systems/tballoc/internal/pagesupplier"
	"github.com/tessera-systems/tballoc/internal/region"
	"github.com/tessera-systems/tballoc/internal/rootpool"
)

// initGroup coalesces concurrent Init calls carrying the same configuration
// into a single real initialization: two goroutines racing to stand up the
// same root pool and PMEM file converge on one Runtime rather than each
// mmapping and formatting their own.
var initGroup singleflight.Group

// Runtime owns the process-wide backing stores (the anonymous-mmap system
// supplier, the optional PMEM buddy allocator, and the root-pool shards) and
// the two top-level allocators -- System and Pmem -- that every other
// Allocator descends from.
type Runtime struct {
	cfg config.Config

	sysSupplier *pagesupplier.System
	roots       *rootpool.Pool
	pmem        *buddy.PMEM

	System *Allocator // SYSTEM_ALLOC
	Pmem   *Allocator // PMEM_SYSTEM_ALLOC, nil if cfg.PmemDir == ""

	mu      sync.Mutex
	cleared bool
}

// Init provisions a Runtime per cfg: the anonymous-mmap system supplier, a
// root-pool of cfg.RootAllocatorCount shards, the top-level SYSTEM_ALLOC
// allocator, and -- if cfg.PmemDir is set -- a PMEM buddy file and its
// PMEM_SYSTEM_ALLOC allocator.
func Init(cfg config.Config) (*Runtime, error) {
	key := fmt.Sprintf("%+v", cfg)
	v, err, _ := initGroup.Do(key, func() (interface{}, error) { return initOnce(cfg) })
	if err != nil {
		return nil, err
	}
	return v.(*Runtime), nil
}

func initOnce(cfg config.Config) (*Runtime, error) {
	rt := &Runtime{cfg: cfg}

	rt.sysSupplier = pagesupplier.NewSystem(cfg.ForceNativeAllocUse)

	roots, err := rootpool.New(rt.sysSupplier, rootpool.Options{
		ShardCount:     cfg.RootAllocatorCount,
		ReservedSize:   cfg.RootAllocatorReservedSize,
		ReuseSize:      cfg.RootAllocatorReuseSize,
		MaxRequestSize: cfg.MaxRequestMemorySize,
		Trim:           cfg.Trim,
	})
	if err != nil {
		return nil, fmt.Errorf("allocator: init root pool: %w", err)
	}
	rt.roots = roots

	rt.System = newRoot(rt, region.KindSYS, rt.sysSupplierFor())

	if cfg.PmemDir != "" {
		p, err := buddy.Create(cfg.PmemDir, uint32(cfg.PmemMaxSize), uint32(cfg.PmemAllocSize))
		if err != nil {
			return nil, fmt.Errorf("allocator: init pmem: %w", err)
		}
		rt.pmem = p
		rt.Pmem = newRoot(rt, region.KindPMEM, &buddy.Supplier{Allocator: p.Allocator})
	}

	return rt, nil
}

// sysSupplierFor returns the page supplier SYS-kind engines should draw
// regions from: the root pool when configured to front system allocations,
// otherwise the anonymous-mmap supplier directly.
func (rt *Runtime) sysSupplierFor() pagesupplier.Supplier {
	if rt.cfg.UseRootAllocatorForSys {
		return rootpool.NewSupplier(rt.roots)
	}
	return rt.sysSupplier
}

func newRoot(rt *Runtime, kind region.Kind, supplier pagesupplier.Supplier) *Allocator {
	eng := region.NewEngine(supplier, region.Options{
		Kind:           kind,
		UseMutex:       true,
		InitRegionSize: initSizeFor(rt.cfg, kind),
		ExpandSize:     expandSizeFor(rt.cfg, kind),
		MinExpandLower: rt.cfg.RegionMinExpandLower,
		MinExpandUpper: rt.cfg.RegionMinExpandUpper,
		MaxRequestSize: rt.cfg.MaxRequestMemorySize,
		Trim:           rt.cfg.Trim,
	})
	return &Allocator{rt: rt, kind: kind, engine: eng, useMutex: true, valid: true}
}

func initSizeFor(cfg config.Config, kind region.Kind) uint64 {
	if kind == region.KindPMEM {
		return cfg.PmemAllocSize
	}
	return cfg.SystemMemoryExpandSize
}

func expandSizeFor(cfg config.Config, kind region.Kind) uint64 { return initSizeFor(cfg, kind) }

// New creates a SYS-kind child allocator under parent; with a nil parent the
// result is a standalone top-level tree attached to no other allocator.
// useMutex enables internal locking for concurrent use of
// the returned Allocator.
func (rt *Runtime) New(parent *Allocator, useMutex bool) (*Allocator, error) {
	eng := region.NewEngine(rt.sysSupplierFor(), region.Options{
		Kind:           region.KindSYS,
		UseMutex:       useMutex,
		InitRegionSize: rt.cfg.SystemMemoryExpandSize,
		ExpandSize:     rt.cfg.SystemMemoryExpandSize,
		MinExpandLower: rt.cfg.RegionMinExpandLower,
		MinExpandUpper: rt.cfg.RegionMinExpandUpper,
		MaxRequestSize: rt.cfg.MaxRequestMemorySize,
		Trim:           rt.cfg.Trim,
	})
	a := &Allocator{rt: rt, kind: region.KindSYS, engine: eng, parent: parent, useMutex: useMutex, valid: true}
	if parent != nil {
		parent.addChild(a)
	}
	return a, nil
}

// NewPersistent creates a PMEM-kind child allocator under parent, drawing
// pages from the Runtime's buddy-backed PMEM file.
func (rt *Runtime) NewPersistent(parent *Allocator, useMutex bool) (*Allocator, error) {
	if rt.pmem == nil {
		return nil, ErrPmemNotConfigured
	}
	eng := region.NewEngine(&buddy.Supplier{Allocator: rt.pmem.Allocator}, region.Options{
		Kind:           region.KindPMEM,
		UseMutex:       useMutex,
		InitRegionSize: rt.cfg.PmemAllocSize,
		ExpandSize:     rt.cfg.PmemAllocSize,
		MaxRequestSize: rt.cfg.MaxRequestMemorySize,
		Trim:           rt.cfg.Trim,
	})
	a := &Allocator{rt: rt, kind: region.KindPMEM, engine: eng, parent: parent, useMutex: useMutex, valid: true}
	if parent != nil {
		parent.addChild(a)
	}
	return a, nil
}

// Clear tears the whole runtime down in reverse dependency order: every
// descendant of System and Pmem first (deepest children before their
// parents), then the two roots, then the PMEM file itself.
func (rt *Runtime) Clear() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cleared {
		return ErrAlreadyCleared
	}

	if rt.Pmem != nil {
		rt.Pmem.Delete()
	}
	rt.System.Delete()

	if rt.pmem != nil {
		if err := rt.pmem.Close(true); err != nil {
			return fmt.Errorf("allocator: close pmem: %w", err)
		}
	}

	rt.cleared = true
	return nil
}
