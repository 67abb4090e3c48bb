package region

import "unsafe"

// Free returns a chunk previously handed out by Malloc (or one of the
// facade's derived allocation helpers) to the engine, coalescing with free
// physical neighbors and releasing or retiring the owning region if the
// result spans it entirely.
func (e *Engine) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	e.lock()
	defer e.unlock()

	c := chunkOfPayload(ptr)
	if !headCInuse(c.head) {
		return ErrInvalidFree
	}

	size := headSize(c.head)
	// Clear CINUSE up front so a second Free of ptr is rejected even when the
	// region is released below without its chunk heads being rewritten.
	c.head &^= flagCInuse
	e.totalUsed -= size

	if !headPInuse(c.head) {
		prev := physPrev(c)
		pSize := headSize(prev.head)
		if prev == e.dv {
			e.dv, e.dvsize = nil, 0
		} else {
			e.unlinkFree(prev, pSize)
		}
		c = prev
		size += pSize
	}

	next := offsetChunk(c, size)
	if !headIsFooter(next.head) && !headCInuse(next.head) {
		nSize := headSize(next.head)
		if next == e.dv {
			e.dv, e.dvsize = nil, 0
		} else {
			e.unlinkFree(next, nSize)
		}
		size += nSize
		next = offsetChunk(c, size)
	}

	if headIsFooter(next.head) {
		if r := e.regionOf(c); r != nil && c == chunkAt(r.buf, 0) {
			e.releaseOrRetireRegion(r)
			return nil
		}
	}

	pinuse := headPInuse(c.head)
	c.head = packHead(size, pinuse, false, false, 0)
	next.head &^= flagPInuse
	next.prevFoot = size
	e.insertChunk(c, size)
	return nil
}
