package region

import (
	"fmt"
	"unsafe"
)

// Malloc serves a reqsize-byte allocation, trying in order: exact/adjacent
// smallbin, next nonempty smallbin, a treebin candidate (for small or large
// requests), the designated victim, and finally a freshly grown region.
func (e *Engine) Malloc(reqsize uint64) (unsafe.Pointer, error) {
	req := chunkSizeFor(reqsize)
	if e.maxRequestSize != 0 && req > e.maxRequestSize {
		return nil, fmt.Errorf("%w: %d bytes requested, max %d", ErrRequestTooLarge, reqsize, e.maxRequestSize)
	}

	e.lock()
	defer e.unlock()

	c, err := e.allocChunk(req)
	if err != nil {
		return nil, err
	}

	e.totalUsed += headSize(c.head)
	return payloadOf(c), nil
}

// allocChunk is Malloc's dispatch without the public bookkeeping wrapper, so
// internal callers (valloc's realignment path) can request a chunk, further
// carve it, and only then account the final size as used. Callers must hold
// e's lock.
func (e *Engine) allocChunk(req uint64) (*chunkHead, error) {
	var c *chunkHead
	if req <= maxSmallSize {
		c = e.mallocSmall(req)
	} else {
		c = e.mallocLarge(req)
	}

	if c == nil && e.dv != nil && e.dvsize >= req {
		c = e.useDV(req)
	}

	if c == nil {
		var err error
		c, err = e.growAndAlloc(req)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// mallocSmall tries the three smallbin/treebin steps of the small path, in
// the order a best-fit-biased allocator should: exact-or-adjacent bin,
// next nonempty bin, then any treebin (every treebin size is >= maxSmallSize
// so any candidate found there is automatically big enough).
func (e *Engine) mallocSmall(req uint64) *chunkHead {
	idx := smallIndex(req)

	if c := e.tryExactOrNextSmall(idx, req); c != nil {
		return c
	}
	if c := e.tryLeftSmall(idx, req); c != nil {
		return c
	}
	if e.treemap != 0 {
		if c := e.tmallocSmall(req); c != nil {
			e.removeTree(c)
			return e.finishNonDVSplit(c, req)
		}
	}
	return nil
}

func (e *Engine) tryExactOrNextSmall(idx uint32, req uint64) *chunkHead {
	mask := e.smallmap >> idx
	if mask&3 == 0 {
		return nil
	}
	useIdx := idx
	if mask&1 == 0 {
		useIdx++
	}
	c := e.unlinkSmallHead(useIdx)
	return e.finishNonDVSplit(c, req)
}

func (e *Engine) tryLeftSmall(idx uint32, req uint64) *chunkHead {
	mask := leftBits(indexToBit(idx)) & e.smallmap
	if mask == 0 {
		return nil
	}
	nb := uint32(trailingZero(mask))
	c := e.unlinkSmallHead(nb)
	return e.finishNonDVSplit(c, req)
}

// finishNonDVSplit carves req bytes off a chunk pulled from a bin or tree
// (never the dv itself), promoting any leftover remainder to the new dv.
func (e *Engine) finishNonDVSplit(c *chunkHead, req uint64) *chunkHead {
	sz := headSize(c.head)
	rem, remSize := e.splitOff(c, sz, req)
	if rem != nil {
		e.replaceDV(rem, remSize)
	}
	return c
}

// mallocLarge looks for a treebin candidate for a large request, deferring
// to the designated victim whenever the dv would leave a smaller remainder
// than the treebin candidate would.
func (e *Engine) mallocLarge(req uint64) *chunkHead {
	cand := e.tmallocLarge(req)
	if cand == nil {
		return nil
	}
	candRem := headSize(cand.head) - req
	if e.dv != nil && e.dvsize >= req && candRem >= e.dvsize-req {
		return nil
	}
	e.removeTree(cand)
	return e.finishNonDVSplit(cand, req)
}

// useDV carves req bytes off the designated victim, installing the leftover
// (if any) as the new dv in place.
func (e *Engine) useDV(req uint64) *chunkHead {
	c := e.dv
	rem, remSize := e.splitOff(c, e.dvsize, req)
	if rem != nil {
		e.dv, e.dvsize = rem, remSize
	} else {
		e.dv, e.dvsize = nil, 0
	}
	return c
}
