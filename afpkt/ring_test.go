//go:build linux
// +build linux

package afpkt

import "testing"

func TestNegotiateLayoutBasic(t *testing.T) {
	// 16 MiB budget, 65535 snaplen, hdrlen large enough to exercise
	// the align/ethHdrLen arithmetic in spec.md 4.2.
	l, err := negotiateLayout(128, 65535, 16<<20, ringOrderStart)
	if err != nil {
		t.Fatalf("negotiateLayout: %v", err)
	}
	if l.FrameSize <= 0 {
		t.Fatalf("frame size must be positive, got %d", l.FrameSize)
	}
	if l.BlockSize%pageSize() != 0 {
		t.Fatalf("block size %d is not a multiple of page size %d", l.BlockSize, pageSize())
	}
	if l.BlockSize < l.FrameSize {
		t.Fatalf("block size %d smaller than frame size %d", l.BlockSize, l.FrameSize)
	}
	if got, want := l.FrameCount, l.BlockCount*l.framesPerBlock(); got != want {
		t.Fatalf("frame_count %d is not block_count*frames_per_block (%d)", got, want)
	}
}

func TestNegotiateLayoutZeroBudgetIsOOM(t *testing.T) {
	_, err := negotiateLayout(128, 65535, 0, ringOrderStart)
	if err == nil {
		t.Fatal("expected error for a zero-byte ring budget")
	}
	ee, ok := err.(*EngineError)
	if !ok || ee.Kind != ErrOOM {
		t.Fatalf("expected ErrOOM, got %v", err)
	}
}

func TestNegotiateWithBackoffFallsThroughOrders(t *testing.T) {
	e := &Engine{cfg: &config{snaplen: 1500}}
	// A budget too small for the order-3 block size but large enough
	// at order 0 should succeed after backing off, per spec.md 4.2.
	l, err := e.negotiateWithBackoff(128, pageSize())
	if err != nil {
		t.Fatalf("negotiateWithBackoff: %v", err)
	}
	if l.BlockCount < 1 {
		t.Fatalf("expected at least one block, got %d", l.BlockCount)
	}
}

func TestBuildRingCycle(t *testing.T) {
	l, err := negotiateLayout(128, 1500, 2<<20, ringOrderStart)
	if err != nil {
		t.Fatalf("negotiateLayout: %v", err)
	}
	base := make([]byte, l.BlockCount*l.BlockSize)

	r, err := buildRing(l, base)
	if err != nil {
		t.Fatalf("buildRing: %v", err)
	}
	if len(r.slots) != l.FrameCount {
		t.Fatalf("expected %d slots, got %d", l.FrameCount, len(r.slots))
	}

	// Every slot but the last links to idx+1; the last wraps to 0
	// (spec.md 4.3).
	for i, s := range r.slots {
		want := (i + 1) % l.FrameCount
		if s.next != want {
			t.Fatalf("slot %d: next=%d, want %d", i, s.next, want)
		}
	}

	if r.cursor != 0 {
		t.Fatalf("initial cursor = %d, want 0", r.cursor)
	}
	for i := 0; i < l.FrameCount; i++ {
		r.advance()
	}
	if r.cursor != 0 {
		t.Fatalf("cursor after a full cycle = %d, want 0", r.cursor)
	}
}

func TestBuildRingRejectsUndersizedBase(t *testing.T) {
	l, err := negotiateLayout(128, 1500, 2<<20, ringOrderStart)
	if err != nil {
		t.Fatalf("negotiateLayout: %v", err)
	}
	_, err = buildRing(l, make([]byte, 1))
	if err == nil {
		t.Fatal("expected an error for a mapped region smaller than the layout")
	}
}
