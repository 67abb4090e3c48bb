// Package rootpool implements the sharded root-allocator dispatcher: a
// fixed set of ROOT-tagged region engines, each independently lockable, with
// allocation spread across shards by try-lock round robin and free/realloc
// routed back to the owning shard by the tag stamped in the chunk's own
// boundary tag.
package rootpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tessera-systems/tballoc/internal/pagesupplier"
	"github.com/tessera-systems/tballoc/internal/region"
)

// maxShards matches the single-byte tag field packed into every chunk head.
const maxShards = 256

// Options configures a Pool.
type Options struct {
	ShardCount     int
	ReservedSize   uint64
	ReuseSize      uint64
	MaxRequestSize uint64
	Trim           region.TrimPolicy
}

// Pool owns ShardCount ROOT-kind region engines, each backed by its own
// regions drawn from a shared page supplier.
type Pool struct {
	shards []*region.Engine
	locks  []sync.Mutex
	next   uint32
}

// New constructs a Pool. Each shard gets its own engine with internal
// locking disabled (UseMutex: false): the pool's own per-shard mutex already
// serializes access, so the engine does not need to lock itself too.
func New(supplier pagesupplier.Supplier, opts Options) (*Pool, error) {
	if opts.ShardCount <= 0 {
		return nil, fmt.Errorf("rootpool: shard count must be positive, got %d", opts.ShardCount)
	}
	if opts.ShardCount > maxShards {
		return nil, fmt.Errorf("rootpool: shard count %d exceeds the %d shards a one-byte tag can address", opts.ShardCount, maxShards)
	}

	p := &Pool{
		shards: make([]*region.Engine, opts.ShardCount),
		locks:  make([]sync.Mutex, opts.ShardCount),
	}
	for i := 0; i < opts.ShardCount; i++ {
		p.shards[i] = region.NewEngine(supplier, region.Options{
			Kind:           region.KindROOT,
			Tag:            uint8(i),
			UseMutex:       false,
			MaxRequestSize: opts.MaxRequestSize,
			InitRegionSize: opts.ReservedSize,
			ExpandSize:     opts.ReservedSize,
			ReuseMode:      opts.ReuseSize > 0,
			ReuseLimit:     opts.ReuseSize,
			Trim:           opts.Trim,
		})
	}
	return p, nil
}

// ShardCount reports the number of shards in the pool.
func (p *Pool) ShardCount() int { return len(p.shards) }

// Malloc tries each shard starting from an advancing round-robin cursor,
// skipping any shard whose lock is currently held, and serves the request
// from the first shard it can lock. If every shard is contended on that
// try-lock sweep, it falls back to a blocking lock on the last shard tried
// rather than fail a request that should always eventually succeed.
func (p *Pool) Malloc(reqsize uint64) (unsafe.Pointer, error) {
	n := uint32(len(p.shards))
	start := atomic.AddUint32(&p.next, 1)

	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		if !p.locks[idx].TryLock() {
			continue
		}
		ptr, err := p.shards[idx].Malloc(reqsize)
		p.locks[idx].Unlock()
		if err == nil {
			return ptr, nil
		}
	}

	idx := (start + n - 1) % n
	p.locks[idx].Lock()
	defer p.locks[idx].Unlock()
	return p.shards[idx].Malloc(reqsize)
}

// Free routes ptr back to the shard that allocated it, decoded from the
// chunk's own tag byte, and blocks for that shard's lock rather than
// skipping it: unlike Malloc, Free has nowhere else to go.
func (p *Pool) Free(ptr unsafe.Pointer) error {
	idx := region.TagOf(ptr)
	p.locks[idx].Lock()
	defer p.locks[idx].Unlock()
	return p.shards[idx].Free(ptr)
}

// Realloc routes to the owning shard like Free. A resize that cannot be done
// in place is served by that same shard's engine (allocate, copy, free); it
// never moves to another shard. Only a nil ptr goes through Malloc.
func (p *Pool) Realloc(ptr unsafe.Pointer, newSize uint64) (unsafe.Pointer, error) {
	if ptr == nil {
		return p.Malloc(newSize)
	}
	idx := region.TagOf(ptr)
	p.locks[idx].Lock()
	out, err := p.shards[idx].Realloc(ptr, newSize)
	p.locks[idx].Unlock()
	return out, err
}

// TotalSize sums every shard's provisioned byte count.
func (p *Pool) TotalSize() uint64 {
	var total uint64
	for _, sh := range p.shards {
		total += sh.TotalSize()
	}
	return total
}

// TotalUsed sums every shard's in-use byte count.
func (p *Pool) TotalUsed() uint64 {
	var total uint64
	for _, sh := range p.shards {
		total += sh.TotalUsed()
	}
	return total
}

// Snapshot reports per-shard occupancy, used by the allocator facade's
// introspection API.
func (p *Pool) Snapshot() []region.Snapshot {
	out := make([]region.Snapshot, len(p.shards))
	for i, sh := range p.shards {
		out[i] = sh.Snapshot()
	}
	return out
}
