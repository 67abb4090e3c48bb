package rootpool

import (
	"unsafe"

	"github.com/tessera-systems/tballoc/internal/pagesupplier"
	"github.com/tessera-systems/tballoc/internal/region"
)

// Supplier adapts a Pool to the pagesupplier.Supplier interface, letting a
// SYS-kind region engine draw its regions from the root pool instead of
// mapping fresh OS pages directly -- the "use_root_allocator" configuration
// knob from spec.md §6.
type Supplier struct {
	pool *Pool
}

var _ pagesupplier.Supplier = (*Supplier)(nil)

// NewSupplier wraps pool as a page supplier.
func NewSupplier(pool *Pool) *Supplier { return &Supplier{pool: pool} }

func (s *Supplier) Kind() pagesupplier.Kind { return pagesupplier.KindRootPool }

func (s *Supplier) Acquire(size uint32) ([]byte, error) {
	if size == 0 {
		return nil, pagesupplier.ErrZeroSize
	}
	ptr, err := s.pool.Malloc(uint64(size))
	if err != nil {
		return nil, err
	}
	usable := region.UsablePayloadSize(ptr)
	return unsafe.Slice((*byte)(ptr), usable), nil
}

func (s *Supplier) Release(buf []byte) error {
	if len(buf) == 0 {
		return pagesupplier.ErrUnknownRegion
	}
	return s.pool.Free(unsafe.Pointer(&buf[0]))
}
