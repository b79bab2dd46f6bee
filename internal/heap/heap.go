// Package heap implements the simple first-fit allocator every kernel
// metadata structure (task pools, pipe headers, queue records, module
// tables) is ultimately carved from. It is grounded on
// SimpleHeap/heap.c, with one deliberate deviation recorded in
// DESIGN.md Open Question (a): the reference's heap_free is a stub that
// leaks every block; this port coalesces adjacent free neighbours instead,
// because a long-running multi-core kernel cannot accept an unconditional
// leak.
package heap

import (
	"sync"
	"unsafe"
)

const (
	magicHeap = 0x50414548 // "HEAP"
	magicUsed = 0x44455355 // "USED"
	magicFree = 0x46524545 // "FREE"
)

// freeBlock is a node of the circular free list threaded through the heap's
// own backing storage, equivalent to free_heap_block.
type freeBlock struct {
	next, prev *freeBlock
	size       uint32 // includes this header
}

// usedBlock is the header prefixed to every allocation, equivalent to
// heap_block.
type usedBlock struct {
	magic uint32
	size  uint32 // includes this header
}

const (
	freeBlockSize = 12 // matches the reference's packed size
	usedBlockSize = 8
	alignment     = 16
)

// Heap is one first-fit arena over a fixed byte slice, matching the
// reference's base/size pair (heap_initialise(base, size)). Two arenas are
// expected at boot time: a privileged heap for kernel-only metadata and a
// shared heap readable from user mode (section 4.3).
type Heap struct {
	mu    sync.Mutex
	bytes []byte
	free  *freeBlock
}

func blockAt(bytes []byte, off uintptr) unsafe.Pointer {
	return unsafe.Pointer(&bytes[off])
}

func offsetOf(bytes []byte, p unsafe.Pointer) uintptr {
	return uintptr(p) - uintptr(unsafe.Pointer(&bytes[0]))
}

// New initialises a heap over bytes, which must remain live and unmoved for
// the heap's lifetime (it is conceptually the kernel's own reserved virtual
// region, not a Go-GC-managed object in the original design; callers should
// allocate bytes once, e.g. with make([]byte, size), and never let it be
// resized).
func New(bytes []byte) *Heap {
	if len(bytes) < freeBlockSize {
		panic("heap: arena too small")
	}
	h := &Heap{bytes: bytes}
	fb := (*freeBlock)(blockAt(bytes, 0))
	fb.next, fb.prev = fb, fb
	fb.size = uint32(len(bytes))
	h.free = fb
	return h
}

func (h *Heap) off(fb *freeBlock) uintptr {
	return offsetOf(h.bytes, unsafe.Pointer(fb))
}

func (h *Heap) fbAt(off uintptr) *freeBlock {
	return (*freeBlock)(blockAt(h.bytes, off))
}

// Allocate reserves at least size bytes and returns a slice over the usable
// region (not including the header), or nil if no free block is large
// enough. Allocation is rounded up to a 16-byte multiple including the
// header, exactly as heap_allocate does.
func (h *Heap) Allocate(size uint32) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	want := (size + usedBlockSize + 15) &^ 15
	if h.free == nil {
		return nil
	}

	f := h.free
	start := f
	for {
		candidate := f.size
		if candidate > want && candidate <= want+32 {
			// Absorb a tiny remainder into this allocation rather than
			// leaving a free block too small to ever be reused.
			want = candidate
		}
		if f.size >= want {
			return h.carve(f, want)
		}
		f = f.next
		if f == start {
			return nil
		}
	}
}

// carve removes a want-byte suffix from free block f (allocating from the
// high end, as the reference does), updating the free list and returning
// the usable region.
func (h *Heap) carve(f *freeBlock, want uint32) []byte {
	fOff := h.off(f)
	endOff := fOff + uintptr(f.size)

	if f.size == want {
		h.unlinkFree(f)
	} else {
		f.size -= want
	}

	blockOff := endOff - uintptr(want)
	ub := (*usedBlock)(blockAt(h.bytes, blockOff))
	ub.magic = magicUsed
	ub.size = want

	dataOff := blockOff + usedBlockSize
	return h.bytes[dataOff : dataOff+uintptr(want)-usedBlockSize]
}

func (h *Heap) unlinkFree(f *freeBlock) {
	if f.next == f {
		h.free = nil
		return
	}
	f.prev.next = f.next
	f.next.prev = f.prev
	if h.free == f {
		h.free = f.next
	}
}

func (h *Heap) insertFree(f *freeBlock) {
	if h.free == nil {
		f.next, f.prev = f, f
		h.free = f
		return
	}
	tail := h.free.prev
	f.next = h.free
	f.prev = tail
	tail.next = f
	h.free.prev = f
}

// Free releases a slice previously returned by Allocate, coalescing with
// either physical neighbour that is itself currently free.
func (h *Heap) Free(mem []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dataOff := offsetOf(h.bytes, unsafe.Pointer(&mem[0]))
	blockOff := dataOff - usedBlockSize
	ub := (*usedBlock)(blockAt(h.bytes, blockOff))
	if ub.magic != magicUsed {
		panic("heap: free of unallocated or corrupt block")
	}
	size := ub.size

	fb := (*freeBlock)(blockAt(h.bytes, blockOff))
	fb.size = size
	h.insertFree(fb)
	h.coalesce(fb)
}

// coalesce merges fb with its immediate physical successor and/or
// predecessor in the arena if either is itself a free block, by scanning
// the free list for a block whose start or end address is adjacent. The
// free list is normally short (kernel metadata allocators), so a linear
// scan is acceptable here exactly as it is in the reference's first_fit.
func (h *Heap) coalesce(fb *freeBlock) {
	fbOff := h.off(fb)
	fbEnd := fbOff + uintptr(fb.size)

	merged := true
	for merged {
		merged = false
		start := h.free
		n := start
		for {
			nOff := h.off(n)
			if n != fb {
				if nOff == fbEnd {
					fb.size += n.size
					fbEnd = fbOff + uintptr(fb.size)
					h.unlinkFree(n)
					merged = true
					break
				}
				if nOff+uintptr(n.size) == fbOff {
					n.size += fb.size
					h.unlinkFree(fb)
					fb = n
					fbOff = h.off(fb)
					fbEnd = fbOff + uintptr(fb.size)
					merged = true
					break
				}
			}
			n = n.next
			if n == start {
				break
			}
			if h.free == nil {
				break
			}
		}
	}
}
