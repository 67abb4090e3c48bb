// Package region implements the intra-region best-fit allocator: a port of
// the dlmalloc boundary-tag design (bins, treebins, designated victim,
// coalescing) adapted to operate over one region at a time, plus the
// region lifecycle (creation, growth, whole-region release) that sits on
// top of it.
package region

import "unsafe"

const (
	// chunkOverhead is the size of the boundary tag (prevFoot + head)
	// prefixing every chunk, free or in-use.
	chunkOverhead = 16

	// minChunkSize is the smallest chunk the engine will ever create: a
	// header plus room for a free chunk's fd/bk pointers.
	minChunkSize = chunkOverhead + 16

	// maxSmallSize is the largest chunk size servable by a smallbin; chunk
	// sizes above this go through the treebin path.
	maxSmallSize = numSmallBins*8 - 8 // 248

	alignment = 8

	flagPInuse  uint64 = 1 << 0
	flagCInuse  uint64 = 1 << 1
	flagFooter  uint64 = 1 << 2
	flagsMask   uint64 = flagPInuse | flagCInuse | flagFooter
	tagShift           = 56
	tagMask     uint64 = 0xFF << tagShift
)

// chunkHead is the boundary tag overlaid directly on the first 16 bytes of
// every chunk (free or in-use) inside a region's backing buffer, the same
// technique the teacher pack's arena/page types use to avoid copying
// between a raw byte slice and typed bookkeeping.
type chunkHead struct {
	prevFoot uint64
	head     uint64
}

// freeNode overlays the payload of a free chunk smaller than a treebin
// candidate: just the circular smallbin/dv linked-list pointers.
type freeNode struct {
	fd, bk *chunkHead
}

// treeNode overlays the payload of a free chunk eligible for a treebin: the
// circular duplicate-chain pointers plus the binary trie's child/parent
// links. Nodes with primary == false are duplicates chained off a BST node
// of the same size and take no part in the trie itself.
type treeNode struct {
	fd, bk  *chunkHead
	child   [2]*chunkHead
	parent  *chunkHead
	index   uint32
	isRoot  bool
	primary bool
}

func packHead(size uint64, pinuse, cinuse, isFooter bool, tag uint8) uint64 {
	h := size &^ 0x7
	if pinuse {
		h |= flagPInuse
	}
	if cinuse {
		h |= flagCInuse
	}
	if isFooter {
		h |= flagFooter
	}
	h |= uint64(tag) << tagShift
	return h
}

func headSize(head uint64) uint64    { return head &^ flagsMask &^ tagMask }
func headPInuse(head uint64) bool    { return head&flagPInuse != 0 }
func headCInuse(head uint64) bool    { return head&flagCInuse != 0 }
func headIsFooter(head uint64) bool  { return head&flagFooter != 0 }
func headTag(head uint64) uint8      { return uint8(head >> tagShift) }

func alignUp8(n uint64) uint64 { return (n + alignment - 1) &^ (alignment - 1) }

// chunkSizeFor returns the inner-chunk size needed to serve a reqsize-byte
// user request: header overhead plus the aligned payload, floored at
// minChunkSize. This is also the spec's GET_CHUNKSIZE(req).
func chunkSizeFor(reqsize uint64) uint64 {
	if reqsize == 0 {
		reqsize = 1
	}
	s := alignUp8(reqsize) + chunkOverhead
	if s < minChunkSize {
		s = minChunkSize
	}
	return s
}

func chunkAt(buf []byte, offset uint32) *chunkHead {
	return (*chunkHead)(unsafe.Pointer(&buf[offset]))
}

func freeNodeOf(c *chunkHead) *freeNode {
	return (*freeNode)(unsafe.Pointer(uintptr(unsafe.Pointer(c)) + chunkOverhead))
}

func treeNodeOf(c *chunkHead) *treeNode {
	return (*treeNode)(unsafe.Pointer(uintptr(unsafe.Pointer(c)) + chunkOverhead))
}

func payloadOf(c *chunkHead) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(c)) + chunkOverhead)
}

func chunkOfPayload(p unsafe.Pointer) *chunkHead {
	return (*chunkHead)(unsafe.Pointer(uintptr(p) - chunkOverhead))
}

// offsetChunk returns the chunk delta bytes after c, by direct pointer
// arithmetic -- used both to find a chunk's physical successor (delta ==
// its own size) and to place a freshly split-off remainder (delta == the
// size handed to the caller).
func offsetChunk(c *chunkHead, delta uint64) *chunkHead {
	return (*chunkHead)(unsafe.Pointer(uintptr(unsafe.Pointer(c)) + uintptr(delta)))
}

func physNext(c *chunkHead) *chunkHead {
	return offsetChunk(c, headSize(c.head))
}

func physPrev(c *chunkHead) *chunkHead {
	return (*chunkHead)(unsafe.Pointer(uintptr(unsafe.Pointer(c)) - uintptr(c.prevFoot)))
}

func addrOf(c *chunkHead) uintptr { return uintptr(unsafe.Pointer(c)) }

func addrOfSlice(buf []byte) uintptr { return uintptr(unsafe.Pointer(&buf[0])) }
