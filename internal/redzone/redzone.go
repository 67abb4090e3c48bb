// Package redzone implements the debug-only guard-byte wrapper described in
// spec.md §9: a decorator layered above any allocator core, never compiled
// into the core engine itself, that bounds every allocation with poisoned
// guard bytes and a corruption dump on mismatch.
package redzone

import (
	"fmt"
	"io"
	"os"
	"unsafe"
)

const (
	frontPattern = 0xA7
	rearPattern  = 0x9D
	freedPattern = 0xCA

	guardSize  = 8
	headerSize = 8 // stores the original requested size
)

// Core is the minimal surface a guarded allocator needs from whatever it
// wraps: the region engine, the root pool, or the top-level facade.
type Core interface {
	Malloc(size uint64) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer) error
	Realloc(ptr unsafe.Pointer, size uint64) (unsafe.Pointer, error)
}

// ErrCorruption is panicked (not returned) on guard-byte mismatch, matching
// the rest of the allocator's convention that corruption-class failures are
// unrecoverable.
type ErrCorruption struct {
	Ptr    unsafe.Pointer
	Detail string
}

func (e *ErrCorruption) Error() string {
	return fmt.Sprintf("redzone: corruption detected at %p: %s", e.Ptr, e.Detail)
}

// Guard wraps a Core, adding front/rear guard zones around every allocation
// and poisoning freed memory so use-after-free reads stand out under a
// debugger.
type Guard struct {
	core Core
	diag io.Writer
}

// New wraps core. If diag is nil, corruption dumps go to os.Stderr.
func New(core Core, diag io.Writer) *Guard {
	if diag == nil {
		diag = os.Stderr
	}
	return &Guard{core: core, diag: diag}
}

func overhead() uint64 { return headerSize + guardSize + guardSize }

// Malloc allocates size bytes wrapped in guard zones, returning a pointer to
// the user-visible payload just past the front guard.
func (g *Guard) Malloc(size uint64) (unsafe.Pointer, error) {
	base, err := g.core.Malloc(size + overhead())
	if err != nil {
		return nil, err
	}
	return g.layout(base, size), nil
}

func (g *Guard) layout(base unsafe.Pointer, size uint64) unsafe.Pointer {
	hdr := (*uint64)(base)
	*hdr = size

	front := advance(base, headerSize)
	fillGuard(front, frontPattern)

	user := advance(front, guardSize)
	rear := advance(user, size)
	fillGuard(rear, rearPattern)

	return user
}

// Free verifies both guard zones, poisons the whole block, and releases it.
// A mismatch panics with an ErrCorruption after dumping the offending bytes
// to the configured diagnostic writer.
func (g *Guard) Free(ptr unsafe.Pointer) error {
	base, size := g.unwrap(ptr)
	g.verify(ptr, base, size)
	poison(base, overhead()+size)
	return g.core.Free(base)
}

// Realloc verifies the existing guards, then reallocates through the
// wrapped core with room for new guard zones, copying and re-laying out the
// payload.
func (g *Guard) Realloc(ptr unsafe.Pointer, newSize uint64) (unsafe.Pointer, error) {
	if ptr == nil {
		return g.Malloc(newSize)
	}
	base, oldSize := g.unwrap(ptr)
	g.verify(ptr, base, oldSize)

	newBase, err := g.core.Realloc(base, newSize+overhead())
	if err != nil {
		return nil, err
	}
	return g.layout(newBase, newSize), nil
}

func (g *Guard) unwrap(ptr unsafe.Pointer) (base unsafe.Pointer, size uint64) {
	front := advance(ptr, -guardSize)
	base = advance(front, -headerSize)
	size = *(*uint64)(base)
	return base, size
}

func (g *Guard) verify(ptr, base unsafe.Pointer, size uint64) {
	front := advance(base, headerSize)
	rear := advance(ptr, size)

	if !guardIntact(front, frontPattern) {
		g.dump(ptr, base, size, "front guard overwritten")
		panic(&ErrCorruption{Ptr: ptr, Detail: "front guard overwritten"})
	}
	if !guardIntact(rear, rearPattern) {
		g.dump(ptr, base, size, "rear guard overwritten")
		panic(&ErrCorruption{Ptr: ptr, Detail: "rear guard overwritten"})
	}
}

func (g *Guard) dump(ptr, base unsafe.Pointer, size uint64, reason string) {
	front := unsafe.Slice((*byte)(advance(base, headerSize)), guardSize)
	rear := unsafe.Slice((*byte)(advance(ptr, size)), guardSize)
	fmt.Fprintf(g.diag, "redzone: %s at %p (requested size %d)\n  front guard: % x\n  rear guard:  % x\n",
		reason, ptr, size, front, rear)
}

func advance(p unsafe.Pointer, delta int64) unsafe.Pointer {
	if delta >= 0 {
		return unsafe.Pointer(uintptr(p) + uintptr(delta))
	}
	return unsafe.Pointer(uintptr(p) - uintptr(-delta))
}

func fillGuard(p unsafe.Pointer, pattern byte) {
	b := unsafe.Slice((*byte)(p), guardSize)
	for i := range b {
		b[i] = pattern
	}
}

func guardIntact(p unsafe.Pointer, pattern byte) bool {
	b := unsafe.Slice((*byte)(p), guardSize)
	for _, v := range b {
		if v != pattern {
			return false
		}
	}
	return true
}

func poison(p unsafe.Pointer, n uint64) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = freedPattern
	}
}
