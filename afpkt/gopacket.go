//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import "github.com/google/gopacket"

// CaptureInfo adapts a Message to gopacket.CaptureInfo metadata.
func (msg *Message) CaptureInfo() gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:      msg.Timestamp,
		CaptureLength:  msg.CaptureLen,
		Length:         msg.WireLen,
		InterfaceIndex: msg.IngressIndex,
	}
}

// PacketSource adapts a Module to gopacket's packet-data-source
// interfaces, auto-finalizing every delivered message with a pass
// verdict — the usual shape for a read-only capture CLI (see
// cmd/afpktctl) rather than an inline bridge, where the host needs
// finer control over MsgFinalize.
type PacketSource struct {
	mod *Module
}

var (
	_ gopacket.ZeroCopyPacketDataSource = (*PacketSource)(nil)
	_ gopacket.PacketDataSource         = (*PacketSource)(nil)
)

// NewPacketSource wraps an already-started Module.
func NewPacketSource(m *Module) *PacketSource {
	return &PacketSource{mod: m}
}

// ZeroCopyReadPacketData finalizes the message returned by the
// previous call with VerdictPass, then blocks until a message is
// delivered (or a fatal error occurs) and returns its borrowed byte
// slice. Callers must not retain the slice past the next call.
func (ps *PacketSource) ZeroCopyReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	if ps.mod.engine.currentMsg != nil {
		if ferr := ps.mod.MsgFinalize(VerdictPass); ferr != nil {
			return nil, gopacket.CaptureInfo{}, ferr
		}
	}
	for {
		msg, rerr := ps.mod.MsgReceive()
		if rerr != nil {
			return nil, gopacket.CaptureInfo{}, rerr
		}
		if msg == nil {
			continue // poll timeout or serviced breakloop; try again
		}
		return msg.Data, msg.CaptureInfo(), nil
	}
}

// ReadPacketData is like ZeroCopyReadPacketData but copies the frame
// into a freshly allocated buffer so it outlives the next receive
// call, satisfying gopacket.PacketDataSource.
func (ps *PacketSource) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	d, ci, err := ps.ZeroCopyReadPacketData()
	if err != nil {
		return nil, ci, err
	}
	data = make([]byte, len(d))
	copy(data, d)
	return data, ci, nil
}
