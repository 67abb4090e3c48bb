package pagesupplier

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

var osPageSize = os.Getpagesize()

// OSPageSize returns the host's page size, used by valloc-style alignment
// and by region growth-policy clamps.
func OSPageSize() int { return osPageSize }

// System acquires regions directly from the OS via anonymous memory
// mapping, or from Go's own allocator when ForceNative is set (the
// FORCE_NATIVE_ALLOC_USE tunable).
type System struct {
	ForceNative bool

	mu      sync.Mutex
	mapped  map[uintptr]mmap.MMap
	native  map[uintptr][]byte
}

// NewSystem constructs a System page supplier.
func NewSystem(forceNative bool) *System {
	return &System{
		ForceNative: forceNative,
		mapped:      make(map[uintptr]mmap.MMap),
		native:      make(map[uintptr][]byte),
	}
}

func (s *System) Kind() Kind { return KindSystem }

// Acquire maps size bytes of zero-filled, read-write anonymous memory.
func (s *System) Acquire(size uint32) ([]byte, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}

	if s.ForceNative {
		buf := make([]byte, size)
		s.mu.Lock()
		s.native[bufKey(buf)] = buf
		s.mu.Unlock()
		return buf, nil
	}

	m, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("pagesupplier: mmap %d bytes: %w", size, err)
	}

	buf := []byte(m)
	s.mu.Lock()
	s.mapped[bufKey(buf)] = m
	s.mu.Unlock()

	return buf, nil
}

// Release returns a region previously handed out by Acquire.
func (s *System) Release(buf []byte) error {
	key := bufKey(buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.mapped[key]; ok {
		delete(s.mapped, key)
		if err := m.Unmap(); err != nil {
			return fmt.Errorf("pagesupplier: munmap: %w", err)
		}
		return nil
	}

	if _, ok := s.native[key]; ok {
		delete(s.native, key)
		return nil
	}

	return ErrUnknownRegion
}

func bufKey(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
