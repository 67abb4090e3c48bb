// Command tballoc-bench exercises the allocator facade end to end: it spins
// up a Runtime, runs a mixed malloc/free/realloc workload across a
// configurable number of child allocators, and reports occupancy.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"unsafe"

	"github.com/tessera-systems/tballoc/allocator"
	"github.com/tessera-systems/tballoc/internal/config"
)

func main() {
	var (
		shards    int
		children  int
		ops       int
		maxSize   int
		pmemDir   string
		seed      int64
		useRootForSys bool
	)
	flag.IntVar(&shards, "shards", 4, "root allocator shard count")
	flag.IntVar(&children, "children", 4, "number of child SYS allocators")
	flag.IntVar(&ops, "ops", 20000, "number of malloc/free/realloc operations per child")
	flag.IntVar(&maxSize, "max-size", 8192, "largest single request size in bytes")
	flag.StringVar(&pmemDir, "pmem-dir", "", "if set, also exercise a PMEM-backed allocator under this directory")
	flag.Int64Var(&seed, "seed", 1, "PRNG seed")
	flag.BoolVar(&useRootForSys, "use-root-for-sys", false, "route SYS allocators through the root pool")
	flag.Parse()

	cfg := config.New(
		config.WithRootAllocatorCount(shards),
		config.WithUseRootAllocatorForSys(useRootForSys),
		config.WithPmemDir(pmemDir),
	)

	rt, err := allocator.Init(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tballoc-bench: init: %v\n", err)
		os.Exit(1)
	}
	defer rt.Clear()

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < children; i++ {
		a, err := rt.New(rt.System, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tballoc-bench: new child: %v\n", err)
			os.Exit(1)
		}
		runWorkload(a, rng, ops, maxSize)
	}

	if rt.Pmem != nil {
		pa, err := rt.NewPersistent(rt.Pmem, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tballoc-bench: new pmem child: %v\n", err)
			os.Exit(1)
		}
		runWorkload(pa, rng, ops, maxSize)
	}

	snap := rt.System.Snapshot()
	fmt.Printf("SYSTEM_ALLOC: total=%d used=%d regions=%d\n", snap.Engine.TotalSize, snap.Engine.TotalUsed, snap.Engine.RegionCount)
	for i, c := range snap.Children {
		fmt.Printf("  child[%d]: total=%d used=%d regions=%d\n", i, c.Engine.TotalSize, c.Engine.TotalUsed, c.Engine.RegionCount)
	}
	if rt.Pmem != nil {
		psnap := rt.Pmem.Snapshot()
		fmt.Printf("PMEM_SYSTEM_ALLOC: total=%d used=%d regions=%d\n", psnap.Engine.TotalSize, psnap.Engine.TotalUsed, psnap.Engine.RegionCount)
	}
}

func runWorkload(a *allocator.Allocator, rng *rand.Rand, ops, maxSize int) {
	live := make([]unsafe.Pointer, 0, ops)

	for i := 0; i < ops; i++ {
		switch rng.Intn(3) {
		case 0:
			sz := uint64(1 + rng.Intn(maxSize))
			ptr, err := a.Malloc(sz)
			if err != nil {
				continue
			}
			live = append(live, ptr)
		case 1:
			if len(live) == 0 {
				continue
			}
			idx := rng.Intn(len(live))
			_ = a.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		case 2:
			if len(live) == 0 {
				continue
			}
			idx := rng.Intn(len(live))
			sz := uint64(1 + rng.Intn(maxSize))
			ptr, err := a.Realloc(live[idx], sz)
			if err != nil {
				continue
			}
			live[idx] = ptr
		}
	}

	for _, ptr := range live {
		_ = a.Free(ptr)
	}
}
