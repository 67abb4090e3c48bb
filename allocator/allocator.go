package allocator

import (
	"sync"
	"unsafe"

	"github.com/tessera-systems/tballoc/internal/region"
)

// Allocator is one node in the allocator tree: it owns a region engine,
// optionally serializes access to it with its own mutex, and tracks its
// children so Delete can tear a whole subtree down and UsedIncludingChildren
// can roll usage up.
type Allocator struct {
	rt     *Runtime
	kind   region.Kind
	engine *region.Engine

	parent *Allocator

	mu       sync.Mutex
	children []*Allocator
	valid    bool
	useMutex bool
}

func (a *Allocator) addChild(c *Allocator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.children = append(a.children, c)
}

func (a *Allocator) removeChild(c *Allocator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, ch := range a.children {
		if ch == c {
			a.children = append(a.children[:i], a.children[i+1:]...)
			return
		}
	}
}

func (a *Allocator) checkValid() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return ErrInvalidAllocator
	}
	return nil
}

// Kind reports whether this allocator's regions are backed by anonymous
// system memory (SYS) or a persistent-memory buddy file (PMEM).
func (a *Allocator) Kind() region.Kind { return a.kind }

// Malloc allocates reqsize bytes.
func (a *Allocator) Malloc(reqsize uint64) (unsafe.Pointer, error) {
	if err := a.checkValid(); err != nil {
		return nil, err
	}
	return a.engine.Malloc(reqsize)
}

// Calloc allocates n*size zeroed bytes.
func (a *Allocator) Calloc(n, size uint64) (unsafe.Pointer, error) {
	if err := a.checkValid(); err != nil {
		return nil, err
	}
	return a.engine.Calloc(n, size)
}

// Valloc allocates size bytes at a page-aligned address.
func (a *Allocator) Valloc(size uint64) (unsafe.Pointer, error) {
	if err := a.checkValid(); err != nil {
		return nil, err
	}
	return a.engine.Valloc(size)
}

// Realloc resizes a previous allocation from this Allocator.
func (a *Allocator) Realloc(ptr unsafe.Pointer, newSize uint64) (unsafe.Pointer, error) {
	if err := a.checkValid(); err != nil {
		return nil, err
	}
	return a.engine.Realloc(ptr, newSize)
}

// Free releases a previous allocation from this Allocator.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if err := a.checkValid(); err != nil {
		return err
	}
	return a.engine.Free(ptr)
}

// Strdup copies s (including a trailing NUL) into a new allocation.
func (a *Allocator) Strdup(s []byte) (unsafe.Pointer, error) {
	if err := a.checkValid(); err != nil {
		return nil, err
	}
	return a.engine.Strdup(s)
}

// Strndup copies at most n bytes of s, plus a trailing NUL, into a new
// allocation, stopping early at the first NUL byte found.
func (a *Allocator) Strndup(s []byte, n uint64) (unsafe.Pointer, error) {
	if err := a.checkValid(); err != nil {
		return nil, err
	}
	return a.engine.Strndup(s, n)
}

// ChunkSize returns the number of chunk bytes (including boundary-tag
// overhead) a request of reqsize bytes would consume.
func ChunkSize(reqsize uint64) uint64 { return region.ChunkSizeFor(reqsize) }

// PointerSize returns the usable payload size of a chunk previously handed
// out by any Allocator (or a raw region.Engine, or a rootpool.Pool).
func PointerSize(ptr unsafe.Pointer) uint64 { return region.UsablePayloadSize(ptr) }

// TotalSize returns the number of bytes this allocator's own regions have
// acquired from their page supplier, not counting children.
func (a *Allocator) TotalSize() uint64 { return a.engine.TotalSize() }

// TotalUsed returns the number of in-use bytes in this allocator's own
// regions, not counting children.
func (a *Allocator) TotalUsed() uint64 { return a.engine.TotalUsed() }

// UsedIncludingChildren sums TotalUsed across this allocator and its entire
// descendant subtree.
func (a *Allocator) UsedIncludingChildren() uint64 {
	a.mu.Lock()
	children := append([]*Allocator(nil), a.children...)
	a.mu.Unlock()

	total := a.TotalUsed()
	for _, c := range children {
		total += c.UsedIncludingChildren()
	}
	return total
}

// Snapshot is a point-in-time occupancy report for introspection.
type Snapshot struct {
	Kind     region.Kind
	Engine   region.Snapshot
	Children []Snapshot
}

// Snapshot reports this allocator's occupancy and, recursively, its
// children's.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	children := append([]*Allocator(nil), a.children...)
	a.mu.Unlock()

	s := Snapshot{Kind: a.kind, Engine: a.engine.Snapshot()}
	for _, c := range children {
		s.Children = append(s.Children, c.Snapshot())
	}
	return s
}

// Delete tears this allocator down: its children are recursively destroyed
// first (bottom-up, matching the Runtime's own Clear ordering), its regions
// are returned to their page supplier, and it is detached from its parent.
// Any further allocation call or Cleanup on a (or on an already-destroyed
// descendant) returns ErrInvalidAllocator.
func (a *Allocator) Delete() {
	a.mu.Lock()
	if !a.valid {
		a.mu.Unlock()
		return
	}
	children := append([]*Allocator(nil), a.children...)
	a.children = nil
	a.valid = false
	a.mu.Unlock()

	for _, c := range children {
		c.Delete()
	}

	a.engine.ReleaseAll()

	if a.parent != nil {
		a.parent.removeChild(a)
	}
}

// Cleanup releases all of this allocator's own regions back to its page
// supplier but, unlike Delete, leaves the allocator valid and attached:
// children and parent links are untouched, and a subsequent
// Malloc/Calloc/Valloc/Realloc/Strdup acquires fresh regions as needed, the
// same as a newly constructed Allocator.
func (a *Allocator) Cleanup() error {
	if err := a.checkValid(); err != nil {
		return err
	}
	a.engine.ReleaseAll()
	return nil
}
