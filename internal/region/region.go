package region

import "fmt"

// pageGranularity is the alignment applied to every region size request
// handed to a page supplier.
const pageGranularity = 4096

// Region is one contiguous span acquired from the engine's page supplier: a
// single free chunk spanning its whole extent at creation, subdivided by
// subsequent allocations, and released back to the supplier (or retired for
// reuse) once it returns to that all-free state.
type Region struct {
	buf        []byte
	next, prev *Region
	shardIndex int
}

// ShardIndex reports the root-pool shard this region belongs to, or -1 for
// non-ROOT engines.
func (r *Region) ShardIndex() int { return r.shardIndex }

// layoutFreshRegion lays a brand-new (or retired-and-reused) region out as a
// single free chunk spanning the whole buffer, terminated by a sentinel
// footer chunk whose head stores the region's total byte size.
func (e *Engine) layoutFreshRegion(r *Region) {
	total := uint64(len(r.buf))
	footerOff := total - chunkOverhead

	c := chunkAt(r.buf, 0)
	c.prevFoot = 0
	c.head = packHead(footerOff, true, false, false, 0)

	f := chunkAt(r.buf, uint32(footerOff))
	f.prevFoot = footerOff
	f.head = packHead(total, false, true, true, 0)
}

// regionSizeFor computes how large a freshly acquired region should be to
// serve a request of req chunk-bytes, applying the engine's configured
// expand size and SYS/PMEM growth bounds, then rounding up to page
// granularity.
func (e *Engine) regionSizeFor(req uint64) uint64 {
	size := e.expandSize
	if size == 0 {
		size = e.initRegionSize
	}
	need := req + chunkOverhead // leave room for the sentinel footer
	if size < need {
		size = need
	}
	if e.minExpandLower > 0 && size < e.minExpandLower {
		size = e.minExpandLower
	}
	if e.minExpandUpper > 0 && size > e.minExpandUpper && e.minExpandUpper >= need {
		size = e.minExpandUpper
	}
	return alignUp64(size, pageGranularity)
}

func alignUp64(n, m uint64) uint64 { return (n + m - 1) &^ (m - 1) }

// growAndAlloc serves a request that none of the existing bins, trees, or
// the dv could satisfy: first from a retired region if reuse is enabled,
// otherwise by acquiring a brand-new region from the page supplier.
func (e *Engine) growAndAlloc(req uint64) (*chunkHead, error) {
	if e.reuseMode {
		if r := e.popRetired(req); r != nil {
			e.addRegion(r)
			e.totalSize += uint64(len(r.buf))
			return e.serveFromFreshRegion(chunkAt(r.buf, 0), req)
		}
	}

	size := e.regionSizeFor(req)
	if size > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: region size %d exceeds supplier limit", ErrOutOfMemory, size)
	}

	buf, err := e.supplier.Acquire(uint32(size))
	if err != nil {
		return nil, fmt.Errorf("%w: acquire %d bytes: %v", ErrOutOfMemory, size, err)
	}

	shard := -1
	if e.kind == KindROOT {
		shard = int(e.tag)
	}
	r := &Region{buf: buf, shardIndex: shard}
	e.layoutFreshRegion(r)
	e.addRegion(r)
	e.totalSize += uint64(len(buf))

	return e.serveFromFreshRegion(chunkAt(r.buf, 0), req)
}

func (e *Engine) serveFromFreshRegion(c *chunkHead, req uint64) (*chunkHead, error) {
	total := headSize(c.head)
	if total < req {
		return nil, fmt.Errorf("%w: freshly grown region too small for request", ErrOutOfMemory)
	}
	rem, remSize := e.splitOff(c, total, req)
	if rem != nil {
		e.replaceDV(rem, remSize)
	}
	return c, nil
}

// releaseOrRetireRegion removes r from the active ring and either returns
// its bytes to the page supplier or, when reuse mode is enabled and within
// budget, keeps it laid out as a spare free region for the next growAndAlloc.
func (e *Engine) releaseOrRetireRegion(r *Region) {
	e.removeRegion(r)
	e.totalSize -= uint64(len(r.buf))

	if e.canRetire(r) {
		e.layoutFreshRegion(r)
		r.next = e.retired
		e.retired = r
		e.retiredSize += uint64(len(r.buf))
		e.retiredCount++
		return
	}

	_ = e.supplier.Release(r.buf)
}

func (e *Engine) popRetired(req uint64) *Region {
	var prev *Region
	r := e.retired
	for r != nil {
		if uint64(len(r.buf))-chunkOverhead >= req {
			if prev == nil {
				e.retired = r.next
			} else {
				prev.next = r.next
			}
			e.retiredSize -= uint64(len(r.buf))
			e.retiredCount--
			r.next = nil
			return r
		}
		prev, r = r, r.next
	}
	return nil
}
