package region

import (
	"fmt"
	"unsafe"
)

const vallocAlignment = pageGranularity

// Calloc allocates n*size bytes and zeroes them, erroring on the n*size
// overflow a naive multiply would silently wrap.
func (e *Engine) Calloc(n, size uint64) (unsafe.Pointer, error) {
	if n != 0 && size > (^uint64(0))/n {
		return nil, fmt.Errorf("%w: calloc(%d, %d) overflows", ErrRequestTooLarge, n, size)
	}
	total := n * size
	ptr, err := e.Malloc(total)
	if err != nil {
		return nil, err
	}
	zero(ptr, total)
	return ptr, nil
}

// Valloc allocates size bytes at a page-aligned address by carving the
// leading slack of an over-sized chunk into its own free chunk, the same
// technique dlmalloc's internal_memalign uses: no sentinel header is needed
// because the realigned chunk's boundary tag sits at the usual
// chunkOverhead offset before the returned pointer, so Free needs no special
// case for it.
func (e *Engine) Valloc(size uint64) (unsafe.Pointer, error) {
	req := chunkSizeFor(size)

	e.lock()
	defer e.unlock()

	// realignChunk can bump the natural alignment gap up by a further
	// vallocAlignment bytes when that gap is non-zero but too small to hold
	// a standalone free chunk (alloc_helpers.go's realignChunk). Requesting
	// only req+vallocAlignment doesn't leave room for that bump, so a chunk
	// the engine hands back at exactly that size would realign into a
	// remainder smaller than req. Matching dlmalloc's internal_memalign
	// formula (nb + alignment + MIN_CHUNK_SIZE - overhead) guarantees the
	// remainder after any bump is still >= req.
	c, err := e.allocChunk(req + vallocAlignment + minChunkSize)
	if err != nil {
		return nil, err
	}

	c = e.realignChunk(c, vallocAlignment)

	total := headSize(c.head)
	if total > req {
		rem, remSize := e.splitOff(c, total, req)
		if rem != nil {
			e.mergeFreedForward(rem, remSize)
		}
	}

	e.totalUsed += headSize(c.head)
	return payloadOf(c), nil
}

// realignChunk carves c's leading slack off as its own free chunk so that
// the returned chunk's payload starts on an align-byte boundary. c must
// currently be in-use and large enough that the carve always leaves at
// least minChunkSize on both sides.
func (e *Engine) realignChunk(c *chunkHead, align uint64) *chunkHead {
	payloadStart := uintptr(payloadOf(c))
	aligned := alignUpPtr(payloadStart, uintptr(align))
	gap := uint64(aligned - payloadStart)

	if gap == 0 {
		return c
	}
	if gap < minChunkSize {
		gap += align
	}

	total := headSize(c.head)
	pinuse := headPInuse(c.head)

	leadFree := c
	leadFree.head = packHead(gap, pinuse, false, false, 0)

	newChunk := offsetChunk(c, gap)
	newChunk.prevFoot = gap
	newChunk.head = packHead(total-gap, false, true, false, e.tagFor())

	e.insertChunk(leadFree, gap)
	return newChunk
}

func alignUpPtr(p, align uintptr) uintptr { return (p + align - 1) &^ (align - 1) }

// Strdup allocates a copy of s including its trailing NUL.
func (e *Engine) Strdup(s []byte) (unsafe.Pointer, error) {
	return e.Strndup(s, uint64(len(s)))
}

// Strndup allocates a copy of at most n bytes of s plus a trailing NUL,
// stopping early at the first NUL found within s.
func (e *Engine) Strndup(s []byte, n uint64) (unsafe.Pointer, error) {
	if uint64(len(s)) < n {
		n = uint64(len(s))
	}
	for i := uint64(0); i < n; i++ {
		if s[i] == 0 {
			n = i
			break
		}
	}

	ptr, err := e.Malloc(n + 1)
	if err != nil {
		return nil, err
	}
	dst := unsafe.Slice((*byte)(ptr), n+1)
	copy(dst, s[:n])
	dst[n] = 0
	return ptr, nil
}

func zero(ptr unsafe.Pointer, n uint64) {
	if n == 0 {
		return
	}
	b := unsafe.Slice((*byte)(ptr), n)
	for i := range b {
		b[i] = 0
	}
}

func copyBytes(dst, src unsafe.Pointer, n uint64) {
	if n == 0 {
		return
	}
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}
