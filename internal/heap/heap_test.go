package heap

import "testing"

func TestAllocateWritableAndDistinct(t *testing.T) {
	h := New(make([]byte, 4096))

	a := h.Allocate(64)
	if a == nil {
		t.Fatalf("Allocate(64) = nil")
	}
	if len(a) < 64 {
		t.Fatalf("Allocate(64) returned %d bytes, want at least 64", len(a))
	}
	b := h.Allocate(64)
	if b == nil {
		t.Fatalf("second Allocate(64) = nil")
	}

	a[0] = 0xaa
	b[0] = 0xbb
	if a[0] == b[0] {
		t.Fatalf("allocations alias the same storage")
	}
}

func TestAllocateExhaustsArena(t *testing.T) {
	h := New(make([]byte, 256))
	var got []byte
	for i := 0; i < 100; i++ {
		b := h.Allocate(32)
		if b == nil {
			return
		}
		got = b
	}
	t.Fatalf("Allocate never returned nil over a 256-byte arena (last block len=%d)", len(got))
}

func TestFreeAllowsReallocation(t *testing.T) {
	h := New(make([]byte, 4096))

	a := h.Allocate(128)
	h.Free(a)
	b := h.Allocate(128)
	if b == nil {
		t.Fatalf("Allocate after Free = nil")
	}
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	h := New(make([]byte, 512))

	a := h.Allocate(64)
	b := h.Allocate(64)
	h.Free(a)
	h.Free(b)

	big := h.Allocate(200)
	if big == nil {
		t.Fatalf("Allocate(200) after freeing two adjacent 64-byte blocks returned nil, coalescing did not happen")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	h := New(make([]byte, 4096))
	a := h.Allocate(64)
	h.Free(a)

	defer func() {
		if recover() == nil {
			t.Fatalf("Free of an already-freed block did not panic")
		}
	}()
	h.Free(a)
}
