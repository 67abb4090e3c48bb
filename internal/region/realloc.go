package region

import "unsafe"

// Realloc resizes the allocation at ptr to newSize bytes, shrinking in place
// when possible, growing in place by absorbing a free physical neighbor when
// possible, and otherwise falling back to allocate-copy-free. A nil ptr
// behaves like Malloc; a zero newSize behaves like Free and returns nil.
func (e *Engine) Realloc(ptr unsafe.Pointer, newSize uint64) (unsafe.Pointer, error) {
	if ptr == nil {
		return e.Malloc(newSize)
	}
	if newSize == 0 {
		return nil, e.Free(ptr)
	}

	req := chunkSizeFor(newSize)

	e.lock()
	c := chunkOfPayload(ptr)
	if !headCInuse(c.head) {
		e.unlock()
		return nil, ErrInvalidFree
	}
	oldSize := headSize(c.head)

	if req <= oldSize {
		if oldSize-req >= minChunkSize {
			rem, remSize := e.splitOff(c, oldSize, req)
			if rem != nil {
				e.mergeFreedForward(rem, remSize)
			}
		}
		e.totalUsed -= oldSize - headSize(c.head)
		e.unlock()
		return payloadOf(c), nil
	}

	next := offsetChunk(c, oldSize)
	if !headIsFooter(next.head) && !headCInuse(next.head) {
		nSize := headSize(next.head)
		if oldSize+nSize >= req {
			if next == e.dv {
				e.dv, e.dvsize = nil, 0
			} else {
				e.unlinkFree(next, nSize)
			}
			combined := oldSize + nSize
			rem, remSize := e.splitOff(c, combined, req)
			if rem != nil {
				e.mergeFreedForward(rem, remSize)
			}
			e.totalUsed += headSize(c.head) - oldSize
			e.unlock()
			return payloadOf(c), nil
		}
	}
	e.unlock()

	newPtr, err := e.Malloc(newSize)
	if err != nil {
		return nil, err
	}
	copyBytes(newPtr, ptr, oldSize-chunkOverhead)
	_ = e.Free(ptr)
	return newPtr, nil
}

// mergeFreedForward finalizes a freshly split-off remainder chunk (already
// carrying a free head from splitOff) by merging it with a free physical
// successor if any, then inserting it into its natural bin. Unlike Free, no
// backward merge or whole-region release check is needed: the chunk
// immediately before c is always the in-use chunk the caller just resized.
func (e *Engine) mergeFreedForward(c *chunkHead, size uint64) {
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
	pinuse := headPInuse(c.head)
	c.head = packHead(size, pinuse, false, false, 0)
	next.head &^= flagPInuse
	next.prevFoot = size
	e.insertChunk(c, size)
}
