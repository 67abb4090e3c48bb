package region

import (
	"fmt"
	"sync"

	"github.com/tessera-systems/tballoc/internal/pagesupplier"
)

// Kind tags which backing store an Engine's regions are drawn from, mirrored
// onto every chunk it allocates via the head word's tag byte when Kind ==
// KindROOT (the shard-index prefix root-pool callers rely on).
type Kind uint8

const (
	KindSYS Kind = iota
	KindPMEM
	KindROOT
)

func (k Kind) String() string {
	switch k {
	case KindSYS:
		return "SYS"
	case KindPMEM:
		return "PMEM"
	case KindROOT:
		return "ROOT"
	default:
		return "UNKNOWN"
	}
}

// Options configures an Engine at construction time; all fields are
// optional (the page supplier itself is passed to NewEngine).
type Options struct {
	Kind Kind
	// Tag is stamped into the head word of every chunk this engine hands
	// out; the root-pool dispatcher uses it to carry a shard index.
	Tag uint8
	// UseMutex enables internal locking. Single-threaded callers (e.g. a
	// root-pool shard already serialized by its own try-lock) can leave
	// this false to skip the overhead.
	UseMutex bool

	MaxRequestSize uint64
	InitRegionSize uint64
	ExpandSize     uint64
	MinExpandLower uint64
	MinExpandUpper uint64

	ReuseMode  bool
	ReuseLimit uint64
	Trim       TrimPolicy
}

// Engine is the dlmalloc-style bin/tree/dv allocator over a growable set of
// regions drawn from a single pagesupplier.Supplier.
type Engine struct {
	kind     Kind
	tag      uint8
	supplier pagesupplier.Supplier

	mu *sync.Mutex

	smallmap uint32
	treemap  uint32
	smallbins [numSmallBins]*chunkHead
	treebins  [numTreeBins]*chunkHead

	dv     *chunkHead
	dvsize uint64

	regions *Region
	retired *Region
	retiredSize  uint64
	retiredCount int

	totalSize uint64
	totalUsed uint64

	maxRequestSize uint64
	initRegionSize uint64
	expandSize     uint64
	minExpandLower uint64
	minExpandUpper uint64

	reuseMode  bool
	reuseLimit uint64
	trim       TrimPolicy
}

// NewEngine constructs an Engine with no regions; its first region is
// created lazily on the first allocation.
func NewEngine(supplier pagesupplier.Supplier, opts Options) *Engine {
	e := &Engine{
		kind:           opts.Kind,
		tag:            opts.Tag,
		supplier:       supplier,
		maxRequestSize: opts.MaxRequestSize,
		initRegionSize: opts.InitRegionSize,
		expandSize:     opts.ExpandSize,
		minExpandLower: opts.MinExpandLower,
		minExpandUpper: opts.MinExpandUpper,
		reuseMode:      opts.ReuseMode,
		reuseLimit:     opts.ReuseLimit,
		trim:           opts.Trim,
	}
	if opts.UseMutex {
		e.mu = &sync.Mutex{}
	}
	return e
}

func (e *Engine) lock() {
	if e.mu != nil {
		e.mu.Lock()
	}
}

func (e *Engine) unlock() {
	if e.mu != nil {
		e.mu.Unlock()
	}
}

// TryLock reports whether the engine's own mutex (if any) could be acquired
// without blocking. An engine with no mutex (UseMutex == false) is always reported available,
// since the caller is assumed to already serialize access to it.
func (e *Engine) TryLock() bool {
	if e.mu == nil {
		return true
	}
	return e.mu.TryLock()
}

// Unlock releases a lock acquired via TryLock.
func (e *Engine) Unlock() {
	if e.mu != nil {
		e.mu.Unlock()
	}
}

func (e *Engine) Kind() Kind       { return e.kind }
func (e *Engine) Tag() uint8       { return e.tag }
func (e *Engine) TotalSize() uint64 { e.lock(); defer e.unlock(); return e.totalSize }
func (e *Engine) TotalUsed() uint64 { e.lock(); defer e.unlock(); return e.totalUsed }

// ChunkSizeFor exposes the spec's get_chunk_size(req) for introspection.
func ChunkSizeFor(reqsize uint64) uint64 { return chunkSizeFor(reqsize) }

// Snapshot is a point-in-time view of an engine's occupancy, used by the
// allocator facade's introspection API.
type Snapshot struct {
	Kind         Kind
	TotalSize    uint64
	TotalUsed    uint64
	RegionCount  int
	RetiredCount int
}

func (e *Engine) Snapshot() Snapshot {
	e.lock()
	defer e.unlock()
	n := 0
	if e.regions != nil {
		r := e.regions
		for {
			n++
			r = r.next
			if r == e.regions {
				break
			}
		}
	}
	return Snapshot{
		Kind:         e.kind,
		TotalSize:    e.totalSize,
		TotalUsed:    e.totalUsed,
		RegionCount:  n,
		RetiredCount: e.retiredCount,
	}
}

// splitOff carves req bytes off the front of a chunk known to be totalSize
// bytes, returning the leftover free chunk (nil if the remainder was too
// small to split and the whole chunk was handed out instead). c's own head
// is rewritten as an in-use chunk of size req (or totalSize, if absorbed);
// the physically-following chunk's PINUSE bit and, when a remainder chunk is
// created, its prevFoot are kept consistent.
func (e *Engine) splitOff(c *chunkHead, totalSize, req uint64) (remainder *chunkHead, remSize uint64) {
	follower := offsetChunk(c, totalSize)
	rem := totalSize - req
	pinuse := headPInuse(c.head)

	if rem < minChunkSize {
		c.head = packHead(totalSize, pinuse, true, false, e.tagFor())
		follower.head |= flagPInuse
		return nil, 0
	}

	c.head = packHead(req, pinuse, true, false, e.tagFor())
	remChunk := offsetChunk(c, req)
	remChunk.head = packHead(rem, true, false, false, 0)
	follower.prevFoot = rem
	follower.head &^= flagPInuse
	return remChunk, rem
}

func (e *Engine) tagFor() uint8 {
	if e.kind == KindROOT {
		return e.tag
	}
	return 0
}

func (e *Engine) unlinkFree(c *chunkHead, size uint64) {
	if size < 256 {
		e.unlinkSmall(smallIndex(size), c)
	} else {
		e.removeTree(c)
	}
}

func (e *Engine) addRegion(r *Region) {
	if e.regions == nil {
		r.next, r.prev = r, r
		e.regions = r
		return
	}
	head := e.regions
	tail := head.prev
	r.next, r.prev = head, tail
	tail.next = r
	head.prev = r
}

func (e *Engine) removeRegion(r *Region) {
	if r.next == r {
		e.regions = nil
	} else {
		r.prev.next = r.next
		r.next.prev = r.prev
		if e.regions == r {
			e.regions = r.next
		}
	}
	r.next, r.prev = nil, nil
}

func (e *Engine) regionOf(c *chunkHead) *Region {
	if e.regions == nil {
		return nil
	}
	addr := addrOf(c)
	r := e.regions
	for {
		if len(r.buf) > 0 {
			base := addrOfSlice(r.buf)
			if addr >= base && addr < base+uintptr(len(r.buf)) {
				return r
			}
		}
		r = r.next
		if r == e.regions {
			return nil
		}
	}
}

var errNoSupplier = fmt.Errorf("region: engine has no page supplier")
