package allocator

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/tessera-systems/tballoc/internal/config"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.New(
		config.WithRootAllocatorCount(2),
		config.WithRootAllocatorReservedSize(64*1024),
		config.WithSystemMemoryExpandSize(64*1024),
		config.WithForceNativeAllocUse(true),
	)
	rt, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = rt.Clear() })
	return rt
}

func TestSmallAllocFree(t *testing.T) {
	rt := newTestRuntime(t)
	a, err := rt.New(rt.System, false)
	if err != nil {
		t.Fatal(err)
	}

	p, err := a.Malloc(48)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	buf := unsafe.Slice((*byte)(p), 48)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := a.Free(p); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.TotalUsed() != 0 {
		t.Fatalf("TotalUsed after free = %d, want 0", a.TotalUsed())
	}
}

func TestCallocZeroesMemory(t *testing.T) {
	rt := newTestRuntime(t)
	a, _ := rt.New(rt.System, false)

	p, err := a.Calloc(8, 32)
	if err != nil {
		t.Fatalf("Calloc: %v", err)
	}
	buf := unsafe.Slice((*byte)(p), 256)
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("byte %d = %x, want 0", i, v)
		}
	}
}

func TestVallocPageAligned(t *testing.T) {
	rt := newTestRuntime(t)
	a, _ := rt.New(rt.System, false)

	p, err := a.Valloc(4000)
	if err != nil {
		t.Fatalf("Valloc: %v", err)
	}
	if uintptr(p)%4096 != 0 {
		t.Fatalf("Valloc pointer %v is not page-aligned", p)
	}
}

func TestReallocGrowsAndPreservesData(t *testing.T) {
	rt := newTestRuntime(t)
	a, _ := rt.New(rt.System, false)

	p, err := a.Malloc(24)
	if err != nil {
		t.Fatal(err)
	}
	buf := unsafe.Slice((*byte)(p), 24)
	for i := range buf {
		buf[i] = 0x7E
	}

	p2, err := a.Realloc(p, 1024)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	grown := unsafe.Slice((*byte)(p2), 24)
	for i, v := range grown {
		if v != 0x7E {
			t.Fatalf("byte %d = %x after grow, want 0x7E", i, v)
		}
	}
}

func TestChildUsageRollsUpToParent(t *testing.T) {
	rt := newTestRuntime(t)
	parent, _ := rt.New(rt.System, false)
	child, err := rt.New(parent, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parent.Malloc(64); err != nil {
		t.Fatal(err)
	}
	if _, err := child.Malloc(64); err != nil {
		t.Fatal(err)
	}

	rolled := parent.UsedIncludingChildren()
	want := parent.TotalUsed() + child.TotalUsed()
	if rolled != want {
		t.Fatalf("UsedIncludingChildren = %d, want %d", rolled, want)
	}
	if rolled == parent.TotalUsed() {
		t.Fatal("rollup should include the child's usage")
	}
}

func TestOutOfMemoryOnOversizedRequest(t *testing.T) {
	cfg := config.New(
		config.WithRootAllocatorCount(1),
		config.WithSystemMemoryExpandSize(64*1024),
		config.WithMaxRequestMemorySize(128),
		config.WithForceNativeAllocUse(true),
	)
	rt, err := Init(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Clear()

	a, _ := rt.New(rt.System, false)
	if _, err := a.Malloc(4096); err == nil {
		t.Fatal("expected an error for a request exceeding MaxRequestMemorySize")
	}
}

func TestDeleteInvalidatesAllocator(t *testing.T) {
	rt := newTestRuntime(t)
	a, _ := rt.New(rt.System, false)
	a.Delete()

	if _, err := a.Malloc(16); err != ErrInvalidAllocator {
		t.Fatalf("Malloc after Delete = %v, want ErrInvalidAllocator", err)
	}
}

func TestDeleteCascadesToChildren(t *testing.T) {
	rt := newTestRuntime(t)
	parent, _ := rt.New(rt.System, false)
	child, _ := rt.New(parent, false)

	parent.Delete()

	if _, err := child.Malloc(16); err != ErrInvalidAllocator {
		t.Fatalf("child Malloc after parent Delete = %v, want ErrInvalidAllocator", err)
	}
}

func TestCleanupReleasesRegionsButStaysUsable(t *testing.T) {
	rt := newTestRuntime(t)
	parent, _ := rt.New(rt.System, false)
	child, err := rt.New(parent, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := parent.Malloc(64); err != nil {
		t.Fatal(err)
	}
	if _, err := child.Malloc(64); err != nil {
		t.Fatal(err)
	}

	if err := parent.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if parent.TotalUsed() != 0 || parent.TotalSize() != 0 {
		t.Fatalf("after Cleanup: TotalUsed=%d TotalSize=%d, want 0, 0", parent.TotalUsed(), parent.TotalSize())
	}

	// The allocator itself stays usable.
	if _, err := parent.Malloc(32); err != nil {
		t.Fatalf("Malloc after Cleanup: %v", err)
	}

	// Children are untouched by a parent's Cleanup: still valid, and their
	// own usage is unaffected.
	if child.TotalUsed() == 0 {
		t.Fatal("Cleanup on parent should not release the child's regions")
	}
	if _, err := child.Malloc(16); err != nil {
		t.Fatalf("child Malloc after parent Cleanup: %v", err)
	}
}

func TestCleanupOnDestroyedAllocatorReturnsError(t *testing.T) {
	rt := newTestRuntime(t)
	a, _ := rt.New(rt.System, false)
	a.Delete()

	if err := a.Cleanup(); err != ErrInvalidAllocator {
		t.Fatalf("Cleanup after Delete = %v, want ErrInvalidAllocator", err)
	}
}

func TestConcurrentInitWithSameConfigConverges(t *testing.T) {
	cfg := config.New(
		config.WithRootAllocatorCount(2),
		config.WithSystemMemoryExpandSize(64*1024),
		config.WithForceNativeAllocUse(true),
	)

	const n = 8
	runtimes := make([]*Runtime, n)
	errs := make([]error, n)
	var start sync.WaitGroup
	var done sync.WaitGroup
	start.Add(1)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			runtimes[i], errs[i] = Init(cfg)
		}(i)
	}
	start.Done()
	done.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Init[%d]: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if runtimes[i] != runtimes[0] {
			t.Fatal("concurrent Init calls with identical config produced distinct Runtimes instead of converging")
		}
	}
	runtimes[0].Clear()
}
