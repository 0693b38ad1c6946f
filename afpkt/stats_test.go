//go:build linux
// +build linux

package afpkt

import "testing"

func TestRecordVerdictIncrementsCorrectBucket(t *testing.T) {
	var s Stats
	s.recordVerdict(VerdictPass)
	s.recordVerdict(VerdictPass)
	s.recordVerdict(VerdictBlock)

	if s.Pass != 2 {
		t.Fatalf("Pass = %d, want 2", s.Pass)
	}
	if s.Block != 1 {
		t.Fatalf("Block = %d, want 1", s.Block)
	}
	if s.Replace != 0 || s.Retry != 0 {
		t.Fatal("unrelated verdict counters must stay at zero")
	}
}
