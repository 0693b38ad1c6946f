//go:build linux
// +build linux

package afpkt

import (
	"testing"

	"github.com/yerden/afpkt/filter"
)

func TestVerdictForwards(t *testing.T) {
	cases := map[Verdict]bool{
		VerdictPass:      true,
		VerdictReplace:   true,
		VerdictWhitelist: true,
		VerdictIgnore:    true,
		VerdictBlock:     false,
		VerdictBlacklist: false,
		VerdictRetry:     false,
	}
	for v, want := range cases {
		if got := v.forwards(); got != want {
			t.Errorf("%v.forwards() = %v, want %v", v, got, want)
		}
	}
}

func TestGateNilProgramAdmitsAll(t *testing.T) {
	f := &frame{data: []byte{1, 2, 3}}
	if !gate(nil, f) {
		t.Fatal("nil filter program must admit every frame")
	}
}

func TestGateRejectsOnZero(t *testing.T) {
	prog := filter.FilterFunc(func([]byte) int { return 0 })
	f := &frame{data: []byte{1, 2, 3}}
	if gate(prog, f) {
		t.Fatal("a program returning 0 must reject the frame")
	}
}

func TestGateAdmitsOnNonZero(t *testing.T) {
	prog := filter.FilterFunc(func([]byte) int { return 1 })
	f := &frame{data: []byte{1, 2, 3}}
	if !gate(prog, f) {
		t.Fatal("a program returning non-zero must admit the frame")
	}
}

// TestForwardInlineUnbridgedNoop exercises Open Question (i): a
// filter-miss forward attempt against an unbridged (peer == nil)
// instance must be a silent no-op, never an error.
func TestForwardInlineUnbridgedNoop(t *testing.T) {
	in := &Instance{Name: "eth0"}
	f := &frame{data: []byte{1, 2, 3}}
	if err := forwardInline(in, f); err != nil {
		t.Fatalf("forwardInline on an unbridged instance must be a no-op, got %v", err)
	}
}
