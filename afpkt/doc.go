// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

/*
Package afpkt implements a kernel-assisted Ethernet packet acquisition
engine on top of Linux's AF_PACKET TPACKET v2 ring protocol.

The engine memory-maps a receive ring per interface (and, for bridged
pairs, a transmit ring), multiplexes several interfaces round-robin
without a per-packet syscall whenever frames are already queued, and
optionally forwards verdict-approved frames between a paired interface
to implement a transparent L2 bridge.

This package does not parse BPF filter expressions itself; it consumes
a compiled filter.Program produced by the sibling filter package (or
any type satisfying the same interface) as an opaque collaborator, the
same way the module's host framework supplies configuration and
collects verdicts.
*/
package afpkt
