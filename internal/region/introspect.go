package region

import (
	"fmt"
	"io"
	"unsafe"
)

// TagOf reads the allocator-index tag stamped into ptr's chunk header. Only
// ROOT-kind engines stamp a meaningful value; callers that don't care about
// shard routing can ignore it.
func TagOf(ptr unsafe.Pointer) uint8 {
	return headTag(chunkOfPayload(ptr).head)
}

// UsablePayloadSize returns the user-visible byte count of the chunk backing
// ptr: its total chunk size minus the boundary-tag overhead. This is the
// spec's chunk_size(ptr) introspection call.
func UsablePayloadSize(ptr unsafe.Pointer) uint64 {
	return headSize(chunkOfPayload(ptr).head) - chunkOverhead
}

// DumpPreviousChunks walks physically backward from ptr's chunk through its
// free predecessors, writing one diagnostic line per chunk to w. The walk
// stops when it reaches an in-use predecessor, or when it finds that a
// chunk's recorded prevFoot disagrees with the predecessor's own size --
// the corruption signature this walk exists to surface. It does not stop
// unconditionally after the first chunk.
func DumpPreviousChunks(ptr unsafe.Pointer, w io.Writer) {
	c := chunkOfPayload(ptr)
	for {
		if headPInuse(c.head) {
			fmt.Fprintf(w, "chunk %p: size=%d in-use, no physically previous free chunk\n", c, headSize(c.head))
			return
		}

		prev := physPrev(c)
		prevSize := headSize(prev.head)
		fmt.Fprintf(w, "chunk %p: prevFoot=%d -> previous chunk %p size=%d\n", c, c.prevFoot, prev, prevSize)

		if prevSize != c.prevFoot {
			fmt.Fprintf(w, "chunk %p: corruption -- prevFoot %d disagrees with previous chunk's own size %d\n", c, c.prevFoot, prevSize)
			return
		}

		c = prev
	}
}
