//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import "golang.org/x/sys/unix"

// Instance is one opened interface: its raw socket, its RX (and,
// for a bridged peer, TX) ring, and a back-reference to the peer it
// forwards into when the engine runs in ModeInline (spec.md 3,
// "AFPacketInstance").
type Instance struct {
	Name    string
	ifindex int
	fd      int

	// hdrlen is TPACKET2_HDRLEN, the kernel-reported per-frame header
	// length (aligned tpacket2_hdr plus sockaddr_ll) that precedes
	// the frame payload in every ring slot (spec.md 3,
	// "tpacket_header_len"). Probed once via PACKET_HDRLEN in
	// Engine.Start and carried here rather than re-derived per
	// transmit.
	hdrlen int

	rx *Ring
	tx *Ring // nil unless this instance is the egress side of a bridge

	peer *Instance // nil in ModePassive; the other half of the pair otherwise

	sll unix.SockaddrLinklayer // cached for ring-less Inject
}

// openInstance performs spec.md 4.4's startup sequence for a single
// interface token: resolve, bind, clear pending errors, join
// promiscuous mode, verify the link type, negotiate the TPACKET
// version, request the RX ring (and TX ring when txLayout is
// non-nil), map both into one region and build their descriptor
// arrays. hdrlen is the PACKET_HDRLEN value Start already probed for
// ring sizing; it is stashed on the returned Instance for use as the
// TX ring's frame data offset.
func openInstance(name string, cfg *config, hdrlen int, rxLayout RingLayout, txLayout *RingLayout) (inst *Instance, err error) {
	fd, err := openPacketSocket()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			closeFd(fd)
		}
	}()

	ifindex, err := ifindexByName(fd, name)
	if err != nil {
		return nil, err
	}

	if err = bindToIfindex(fd, ifindex); err != nil {
		return nil, err
	}
	if err = clearSocketError(fd); err != nil {
		return nil, err
	}
	if err = setPromisc(fd, ifindex); err != nil {
		return nil, err
	}

	family, err := arpType(fd, name)
	if err != nil {
		return nil, err
	}
	if family != unix.ARPHRD_ETHER {
		return nil, newErr(ErrUnsupportedDevice, name, nil)
	}

	if err = setVersion(fd, tpacketVersion); err != nil {
		return nil, err
	}
	if err = setReserve(fd, vlanReserve); err != nil {
		return nil, err
	}

	if err = requestRXRing(fd, &rxLayout); err != nil {
		return nil, err
	}
	mapSize := rxLayout.BlockCount * rxLayout.BlockSize

	if txLayout != nil {
		if err = requestTXRing(fd, txLayout); err != nil {
			return nil, err
		}
		mapSize += txLayout.BlockCount * txLayout.BlockSize
	}

	region, err := mmapRegion(fd, mapSize)
	if err != nil {
		return nil, err
	}

	rxBase := region[:rxLayout.BlockCount*rxLayout.BlockSize]
	rx, err := buildRing(rxLayout, rxBase)
	if err != nil {
		munmapRegion(region)
		return nil, err
	}

	var tx *Ring
	if txLayout != nil {
		txBase := region[rxLayout.BlockCount*rxLayout.BlockSize:]
		tx, err = buildRing(*txLayout, txBase)
		if err != nil {
			munmapRegion(region)
			return nil, err
		}
	}

	if cfg.fanoutEnabled {
		if err = setFanout(fd, uint16(ifindex), cfg.fanoutType, cfg.fanoutFlags); err != nil {
			munmapRegion(region)
			return nil, err
		}
	}

	return &Instance{
		Name:    name,
		ifindex: ifindex,
		fd:      fd,
		hdrlen:  hdrlen,
		rx:      rx,
		tx:      tx,
		sll: unix.SockaddrLinklayer{
			Protocol: htons(unix.ETH_P_ALL),
			Ifindex:  ifindex,
		},
	}, nil
}

// close tears down the instance's ring(s) and socket in the reverse
// order they were built (spec.md 4.10).
func (in *Instance) close() error {
	var first error
	record := func(e error) {
		if e != nil && first == nil {
			first = e
		}
	}

	if in.rx != nil && in.rx.base != nil {
		record(munmapRegion(in.rx.mappedBase(in.tx)))
	}
	if in.tx != nil {
		record(teardownRing(in.fd, unix.PACKET_TX_RING))
	}
	if in.rx != nil {
		record(teardownRing(in.fd, unix.PACKET_RX_RING))
	}
	record(closeFd(in.fd))
	return first
}

// mappedBase returns the full combined mmap region so it can be
// unmapped in one call, reconstructing it from the RX ring's base
// (which is a sub-slice of the original mapping with the same
// backing array) and, when present, the TX ring immediately after it.
func (r *Ring) mappedBase(tx *Ring) []byte {
	total := len(r.base)
	if tx != nil {
		total += len(tx.base)
	}
	// r.base and tx.base are contiguous sub-slices of the same
	// combined mmap call; re-slice from r.base's start using the
	// full capacity it was given at construction time.
	return r.base[:total:total]
}

// txReady reports whether the current TX slot is owned by userspace
// (TP_STATUS_AVAILABLE) and so may be filled and handed back.
func (in *Instance) txReady() bool {
	if in.tx == nil {
		return false
	}
	slot := in.tx.current()
	h := header(slot.raw)
	return h.Status == unix.TP_STATUS_AVAILABLE
}

// transmitRing copies payload into the current TX slot and flips its
// status to TP_STATUS_SEND_REQUEST, then kicks the kernel with a
// zero-length send (spec.md 4.8, ring-based transmit path).
func (in *Instance) transmitRing(payload []byte) error {
	if !in.txReady() {
		return newErr(ErrTxFull, in.Name, nil)
	}
	slot := in.tx.current()
	h := header(slot.raw)

	// The TX frame's data offset is TPACKET2_HDRLEN, the kernel's
	// reported per-frame header length (spec.md 3,
	// "tpacket_header_len") probed once in Engine.Start — not the
	// RX-side h.Mac field, which the kernel never populates on a
	// fresh TX slot.
	hdrlen := in.hdrlen
	if hdrlen+len(payload) > len(slot.raw) {
		return newErr(ErrInvalidSpec, "payload exceeds tx frame size", nil)
	}

	copy(slot.raw[hdrlen:], payload)
	h.Snaplen = uint32(len(payload))
	h.Len = uint32(len(payload))
	h.Status = unix.TP_STATUS_SEND_REQUEST

	if err := sendRaw(in.fd, &in.sll, []byte{}); err != nil {
		return err
	}
	in.tx.advance()
	return nil
}

// transmitSocket sends payload directly via sendto, bypassing the TX
// ring entirely. Used for Inject calls the host issues outside of a
// bridge's ring-to-ring forwarding path. Per spec.md 4.8, the
// destination link address's protocol field is taken from the
// frame's own Ethernet header rather than the socket's listening
// ETH_P_ALL, so the kernel routes the send correctly.
func (in *Instance) transmitSocket(payload []byte) error {
	dst := in.sll
	if len(payload) >= 14 {
		dst.Protocol = htons(uint16(payload[12])<<8 | uint16(payload[13]))
	}
	return sendRaw(in.fd, &dst, payload)
}
