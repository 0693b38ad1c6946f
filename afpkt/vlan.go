//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import (
	"encoding/binary"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// tpacket2Hdr mirrors struct tpacket2_hdr (linux/if_packet.h) field for
// field so it can be read directly out of the mapped ring via
// unsafe.Pointer, the same technique the gopacket afpacket binding
// uses for its v1header/v2header (spec.md 4.6).
type tpacket2Hdr struct {
	Status   uint32
	Len      uint32
	Snaplen  uint32
	Mac      uint16
	Net      uint16
	Sec      uint32
	Nsec     uint32
	VlanTCI  uint16
	VlanTPID uint16
	_        [4]uint8
}

func header(raw []byte) *tpacket2Hdr {
	return (*tpacket2Hdr)(unsafe.Pointer(&raw[0]))
}

const (
	defaultVLANTPID = 0x8100
	macAddrLen      = 6 * 2 // both Ethernet addresses
)

// frame is a borrowed view into one ring slot: raw bytes plus the
// metadata the kernel/userspace have agreed on. It remains valid only
// until the owning slot's status byte is released back to the kernel
// (spec.md 3, "Ownership").
type frame struct {
	slot    *FrameSlot
	ring    *Ring
	data    []byte // starts 4 bytes earlier, in the reserve, after VLAN reinsertion
	caplen  int
	wirelen int
	tsec    uint32
	tnsec   uint32
}

// timestamp returns the kernel-reported capture time. nanoseconds are
// converted to microseconds by integer division (spec.md 4.6).
func (f *frame) timestamp() time.Time {
	usec := f.tnsec / 1000
	return time.Unix(int64(f.tsec), int64(usec)*1000)
}

// materializeFrame builds a frame view from the current RX slot,
// performing VLAN reconstruction when the kernel stripped a tag into the
// slot's metadata (spec.md 4.6). The mac_offset+caplen bounds check is
// made against the slot's length (the ring's frame size); snaplen is
// not used.
func materializeFrame(r *Ring, snaplen int) (*frame, error) {
	slot := r.current()
	h := header(slot.raw)

	macOff := int(h.Mac)
	caplen := int(h.Snaplen)
	wirelen := int(h.Len)

	if macOff < 0 || caplen < 0 || macOff+caplen > len(slot.raw) {
		return nil, newErr(ErrCorruptFrame, "slot mac_offset+caplen exceeds frame_size", nil)
	}

	data := slot.raw[macOff : macOff+caplen]

	f := &frame{
		slot:    slot,
		ring:    r,
		data:    data,
		caplen:  caplen,
		wirelen: wirelen,
		tsec:    h.Sec,
		tnsec:   h.Nsec,
	}

	if vlanStripped(h) && caplen >= macAddrLen {
		reinsertVLAN(f, h, macOff)
	}

	_ = snaplen // retained for callers that want to assert caplen <= snaplen+4
	return f, nil
}

// vlanStripped reports whether the kernel removed a VLAN tag out of
// band: a non-zero TCI, or (when the kernel reports it) the
// "vlan valid" status bit.
func vlanStripped(h *tpacket2Hdr) bool {
	if h.Status&unix.TP_STATUS_VLAN_VALID != 0 {
		return true
	}
	return h.VlanTCI != 0
}

// reinsertVLAN shifts the first 12 bytes of the payload left by 4
// bytes into the frame's 4-byte VLAN reservation, then writes the
// {tpid, tci} tag at offset 12, growing both lengths by 4 (spec.md
// 4.6, invariant 4 in spec.md 8).
func reinsertVLAN(f *frame, h *tpacket2Hdr, macOff int) {
	tpid := uint16(defaultVLANTPID)
	if h.Status&unix.TP_STATUS_VLAN_TPID_VALID != 0 && h.VlanTPID != 0 {
		tpid = h.VlanTPID
	}

	// Grow the view backward into the reserved hole that precedes
	// the frame (PACKET_RESERVE=4), then shift the two MAC
	// addresses down by 4 bytes to make room for the tag.
	grown := f.slot.raw[macOff-vlanReserve : macOff+f.caplen]
	copy(grown, grown[vlanReserve:vlanReserve+macAddrLen])
	binary.BigEndian.PutUint16(grown[macAddrLen:macAddrLen+2], tpid)
	binary.BigEndian.PutUint16(grown[macAddrLen+2:macAddrLen+4], h.VlanTCI)

	f.data = grown
	f.caplen += vlanReserve
	f.wirelen += vlanReserve
}
