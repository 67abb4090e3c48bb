package region

// ReleaseAll returns every region this engine owns -- active or retired --
// back to its page supplier and zeroes all bookkeeping. Intended for use
// exactly once, during an owning allocator's teardown.
func (e *Engine) ReleaseAll() {
	e.lock()
	defer e.unlock()

	for e.regions != nil {
		r := e.regions
		e.removeRegion(r)
		_ = e.supplier.Release(r.buf)
	}
	for e.retired != nil {
		r := e.retired
		e.retired = r.next
		_ = e.supplier.Release(r.buf)
	}
	e.retiredSize, e.retiredCount = 0, 0
	e.totalSize, e.totalUsed = 0, 0
	e.smallmap, e.treemap = 0, 0
	e.dv, e.dvsize = nil, 0
}
