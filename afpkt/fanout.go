//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import "golang.org/x/sys/unix"

// fanoutKernelArg packs a FanoutType and OR-combined FanoutFlag set
// into the type half of PACKET_FANOUT's argument (spec.md 4.4, "the
// interface's ifindex, with the configured type and flags combined
// into a single 32-bit argument").
func fanoutKernelArg(t FanoutType, flags FanoutFlag) int {
	arg := fanoutTypeArg(t)
	if flags&FanoutFlagRollover != 0 {
		arg |= unix.PACKET_FANOUT_FLAG_ROLLOVER
	}
	if flags&FanoutFlagDefrag != 0 {
		arg |= unix.PACKET_FANOUT_FLAG_DEFRAG
	}
	return arg
}

func fanoutTypeArg(t FanoutType) int {
	switch t {
	case FanoutHash:
		return unix.PACKET_FANOUT_HASH
	case FanoutLB:
		return unix.PACKET_FANOUT_LB
	case FanoutCPU:
		return unix.PACKET_FANOUT_CPU
	case FanoutRollover:
		return unix.PACKET_FANOUT_ROLLOVER
	case FanoutRND:
		return unix.PACKET_FANOUT_RND
	case FanoutQM:
		return unix.PACKET_FANOUT_QM
	default:
		return unix.PACKET_FANOUT_HASH
	}
}
