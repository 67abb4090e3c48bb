package buddy

import (
	"unsafe"

	"github.com/tessera-systems/tballoc/internal/pagesupplier"
)

// Supplier adapts a buddy Allocator (in-process or PMEM-backed) to the
// pagesupplier.Supplier interface so a region engine can use buddy pages as
// its backing store without knowing it is a buddy allocator underneath.
type Supplier struct {
	*Allocator
}

var _ pagesupplier.Supplier = (*Supplier)(nil)

func (s *Supplier) Kind() pagesupplier.Kind { return pagesupplier.KindBuddy }

// Acquire rounds size up to the buddy allocator's granularity and returns a
// slice over the resulting block.
func (s *Supplier) Acquire(size uint32) ([]byte, error) {
	if size == 0 {
		return nil, pagesupplier.ErrZeroSize
	}

	off, err := s.Allocate(size)
	if err != nil {
		return nil, err
	}

	sz := levelSize(sizeToLevel(size))
	return s.arena[off : off+sz : off+sz], nil
}

// Release returns buf to the buddy allocator.
func (s *Supplier) Release(buf []byte) error {
	if len(buf) == 0 {
		return pagesupplier.ErrUnknownRegion
	}

	off := s.offsetOf(buf)
	return s.Free(off, uint32(len(buf)))
}

func (s *Supplier) offsetOf(buf []byte) uint32 {
	base := uintptr(unsafe.Pointer(&s.arena[0]))
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	return uint32(ptr - base)
}
