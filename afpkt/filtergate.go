//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import "github.com/yerden/afpkt/filter"

// Verdict is the disposition a host's packet handler returns for a
// received frame (spec.md 4.9, glossary "Verdict").
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictReplace
	VerdictWhitelist
	VerdictIgnore
	VerdictBlock
	VerdictBlacklist
	VerdictRetry
)

// forwards reports whether a Verdict results in the frame being
// forwarded to the bridge peer (spec.md 4.9's disposition table: pass,
// replace, whitelist and ignore forward; block, blacklist and retry
// drop).
func (v Verdict) forwards() bool {
	switch v {
	case VerdictPass, VerdictReplace, VerdictWhitelist, VerdictIgnore:
		return true
	default:
		return false
	}
}

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictReplace:
		return "replace"
	case VerdictWhitelist:
		return "whitelist"
	case VerdictIgnore:
		return "ignore"
	case VerdictBlock:
		return "block"
	case VerdictBlacklist:
		return "blacklist"
	case VerdictRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// gate runs the engine's filter program, if any, against a
// materialised frame and reports whether the frame passes (spec.md
// 4.7). A nil program always passes: filtering is opt-in.
func gate(prog filter.Filter, f *frame) bool {
	if prog == nil {
		return true
	}
	return prog.Execute(f.data) != 0
}

// forwardInline implements spec.md 4.7's inline bridging: the frame is
// copied into the peer's TX ring and the kernel is kicked to send it.
// The engine calls it both for frames the filter gate rejected and for
// delivered frames finalized with a forwarding verdict. In ModePassive, or for any
// instance without a live peer, this is defined as a no-op — Open
// Question (i) in spec.md 9 resolves to "no-op, not an error" so a
// passive-mode miss never surfaces as a transmit failure.
func forwardInline(in *Instance, f *frame) error {
	if in.peer == nil {
		return nil
	}
	return in.peer.transmitRing(f.data)
}
