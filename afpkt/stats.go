//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

// Stats aggregates the monotonic counters spec.md 3 names: hardware
// counters refreshed from the kernel's PACKET_STATISTICS socket
// option at read time and at stop time, plus software counters the
// receive/finalize/inject paths maintain directly.
type Stats struct {
	HWReceived uint64 // hw_packets_received
	HWDropped  uint64 // hw_packets_dropped

	Received uint64 // packets_received: frames delivered to the host
	Filtered uint64 // packets_filtered: frames the filter program rejected
	Injected uint64 // packets_injected

	// Verdicts, indexed by Verdict (spec.md 3's "per-verdict histogram").
	Pass      uint64
	Replace   uint64
	Whitelist uint64
	Ignore    uint64
	Block     uint64
	Blacklist uint64
	Retry     uint64

	Forwarded uint64 // frames forwarded to a bridge peer, pass-class or filter-miss

	PollTimeouts    uint64
	PollInterrupted uint64
	CorruptFrames   uint64
	TxFull          uint64
}

// recordVerdict bumps the per-verdict counter.
func (s *Stats) recordVerdict(v Verdict) {
	switch v {
	case VerdictPass:
		s.Pass++
	case VerdictReplace:
		s.Replace++
	case VerdictWhitelist:
		s.Whitelist++
	case VerdictIgnore:
		s.Ignore++
	case VerdictBlock:
		s.Block++
	case VerdictBlacklist:
		s.Blacklist++
	case VerdictRetry:
		s.Retry++
	}
}

// refreshHW pulls the kernel's per-instance received/dropped counters
// and accumulates them into the running hardware totals (spec.md 3,
// "hw_* counters are refreshed by polling the kernel at stats read
// time and at stop time").
func (s *Stats) refreshHW(in *Instance) error {
	received, dropped, err := packetStats(in.fd)
	if err != nil {
		return err
	}
	s.HWReceived += received
	s.HWDropped += dropped
	return nil
}
