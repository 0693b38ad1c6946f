//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// tpacketVersion pins this engine to TPACKET v2; v3's block mode is
// explicitly out of scope (spec Non-goals).
const tpacketVersion = unix.TPACKET_V2

// vlanReserve is the number of bytes reserved ahead of every frame to
// allow in-place VLAN tag reinsertion (spec.md 4.2).
const vlanReserve = 4

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}

func pageSize() int { return unix.Getpagesize() }

// tpAlign rounds x up to the TPACKET_ALIGNMENT boundary (16 bytes).
func tpAlign(x int) int {
	const align = unix.TPACKET_ALIGNMENT
	return (x + align - 1) &^ (align - 1)
}

// openPacketSocket opens a raw AF_PACKET/SOCK_RAW socket listening to
// ETH_P_ALL, unbound.
func openPacketSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return -1, newErr(ErrKernel, "socket(AF_PACKET)", err)
	}
	return fd, nil
}

// bindToIfindex binds fd to ifindex for ETH_P_ALL reception.
func bindToIfindex(fd, ifindex int) error {
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifindex,
	}
	if err := unix.Bind(fd, sa); err != nil {
		return newErr(ErrKernel, "bind", err)
	}
	return nil
}

// clearSocketError reads and clears any pending SO_ERROR on fd.
func clearSocketError(fd int) error {
	_, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return newErr(ErrKernel, "getsockopt(SO_ERROR)", err)
	}
	return nil
}

// arpType returns the hardware ARP type of the named interface, using
// SIOCGIFHWADDR via an ioctl on fd.
func arpType(fd int, name string) (int, error) {
	var req struct {
		name [unix.IFNAMSIZ]byte
		addr unix.RawSockaddr
	}
	copy(req.name[:], name)
	if len(name) >= unix.IFNAMSIZ {
		return 0, newErr(ErrInvalidSpec, "interface name too long", nil)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.SIOCGIFHWADDR, uintptr(unsafe.Pointer(&req)))
	if errno == unix.ENODEV {
		return 0, newErr(ErrNoDevice, name, errno)
	}
	if errno != 0 {
		return 0, newErr(ErrKernel, "ioctl(SIOCGIFHWADDR)", errno)
	}
	return int(req.addr.Family), nil
}

// ifindexByName resolves an interface name to its kernel ifindex.
func ifindexByName(fd int, name string) (int, error) {
	var req struct {
		name  [unix.IFNAMSIZ]byte
		index int32
	}
	if len(name) >= unix.IFNAMSIZ {
		return 0, newErr(ErrInvalidSpec, "interface name too long", nil)
	}
	copy(req.name[:], name)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.SIOCGIFINDEX, uintptr(unsafe.Pointer(&req)))
	if errno == unix.ENODEV {
		return 0, newErr(ErrNoDevice, name, errno)
	}
	if errno != 0 {
		return 0, newErr(ErrKernel, "ioctl(SIOCGIFINDEX)", errno)
	}
	return int(req.index), nil
}

// setPromisc enables promiscuous membership for ifindex on fd via
// PACKET_ADD_MEMBERSHIP/PACKET_MR_PROMISC.
func setPromisc(fd, ifindex int) error {
	mreq := unix.PacketMreq{
		Ifindex: int32(ifindex),
		Type:    unix.PACKET_MR_PROMISC,
	}
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
		return newErr(ErrKernel, "setsockopt(PACKET_ADD_MEMBERSHIP)", err)
	}
	return nil
}

// setVersion asks the kernel to activate the given TPACKET version.
func setVersion(fd, version int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION, version); err != nil {
		return newErr(ErrKernel, "setsockopt(PACKET_VERSION)", err)
	}
	return nil
}

// setReserve reserves n bytes ahead of every ring frame.
func setReserve(fd, n int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_RESERVE, n); err != nil {
		return newErr(ErrKernel, "setsockopt(PACKET_RESERVE)", err)
	}
	return nil
}

// getHdrLen queries the kernel for the per-frame header length
// (tpacket2_hdr + sockaddr_ll, aligned) that PACKET_VERSION negotiates
// to. The getsockopt call is unusual: the caller writes the desired
// version into the buffer and the kernel overwrites it with the
// header length.
func getHdrLen(fd, version int) (int, error) {
	v := int32(version)
	vallen := uint32(unsafe.Sizeof(v))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd),
		uintptr(unix.SOL_PACKET), uintptr(unix.PACKET_HDRLEN),
		uintptr(unsafe.Pointer(&v)), uintptr(unsafe.Pointer(&vallen)), 0)
	if errno != 0 {
		return 0, newErr(ErrKernel, "getsockopt(PACKET_HDRLEN)", errno)
	}
	return int(v), nil
}

// setFanout joins the fan-out group identified by groupID, combining
// fanout type and flags into the single 32-bit argument the kernel
// expects (type in the high 16 bits, id in the low 16 bits).
func setFanout(fd int, groupID uint16, t FanoutType, flags FanoutFlag) error {
	arg := (fanoutKernelArg(t, flags) << 16) | int(groupID)
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_FANOUT, arg); err != nil {
		return newErr(ErrKernel, "setsockopt(PACKET_FANOUT)", err)
	}
	return nil
}

// requestRXRing asks the kernel to allocate a TPACKET v2 RX ring with
// the given layout.
func requestRXRing(fd int, l *RingLayout) error {
	return requestRing(fd, unix.PACKET_RX_RING, l)
}

// requestTXRing asks the kernel to allocate a TPACKET v2 TX ring with
// the given layout.
func requestTXRing(fd int, l *RingLayout) error {
	return requestRing(fd, unix.PACKET_TX_RING, l)
}

func requestRing(fd, opt int, l *RingLayout) error {
	req := unix.TpacketReq{
		Block_size: uint32(l.BlockSize),
		Block_nr:   uint32(l.BlockCount),
		Frame_size: uint32(l.FrameSize),
		Frame_nr:   uint32(l.FrameCount),
	}
	err := unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, opt, &req)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOBUFS) {
		return newErr(ErrOOM, "setsockopt(PACKET_*_RING)", err)
	}
	return newErr(ErrKernel, "setsockopt(PACKET_*_RING)", err)
}

// teardownRing resubmits a zeroed layout, instructing the kernel to
// release the ring's memory.
func teardownRing(fd, opt int) error {
	req := unix.TpacketReq{}
	if err := unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, opt, &req); err != nil {
		return newErr(ErrKernel, "setsockopt(teardown ring)", err)
	}
	return nil
}

// mmapRegion mmaps size bytes of shared ring memory over fd.
func mmapRegion(fd, size int) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, newErr(ErrKernel, "mmap", err)
	}
	return b, nil
}

func munmapRegion(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return newErr(ErrKernel, "munmap", err)
	}
	return nil
}

// packetStats reads and clears PACKET_STATISTICS on fd.
func packetStats(fd int) (received, dropped uint64, err error) {
	st, e := unix.GetsockoptTpacketStats(fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if e != nil {
		return 0, 0, newErr(ErrKernel, "getsockopt(PACKET_STATISTICS)", e)
	}
	// The kernel's "packets" counter already includes drops; the
	// engine subtracts to recover the actually-received count.
	total := uint64(st.Packets)
	drops := uint64(st.Drops)
	if total < drops {
		total = drops
	}
	return total - drops, drops, nil
}

func sendRaw(fd int, sll *unix.SockaddrLinklayer, frame []byte) error {
	if err := unix.Sendto(fd, frame, 0, sll); err != nil {
		return newErr(ErrKernel, "sendto", err)
	}
	return nil
}

func closeFd(fd int) error {
	if fd < 0 {
		return nil
	}
	if err := unix.Close(fd); err != nil {
		return newErr(ErrKernel, "close", err)
	}
	return nil
}
