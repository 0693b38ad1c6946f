//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import (
	"time"

	"github.com/yerden/afpkt/filter"
)

// Version identifiers for this module surface, named explicitly the
// way the original DAQ module names DAQ_AFPACKET_VERSION (SPEC_FULL.md
// 3, "module versioning").
const (
	VersionMajor = 2
	VersionMinor = 0
	VersionBuild = 0
)

// Version reports the module surface's version, mirroring the
// DAQ_AFPACKET_VERSION constant the original C module exposes to its
// host framework.
func Version() (major, minor, build int) {
	return VersionMajor, VersionMinor, VersionBuild
}

// Capability is a single bit in the advertised capability mask
// (spec.md 6, "Capabilities advertised to host").
type Capability uint32

const (
	CapBlock Capability = 1 << iota
	CapReplace
	CapInject
	CapUnprivilegedStart
	CapBreakLoop
	CapFilter
	CapDeviceIndex
)

// capabilityMask is fixed for this module: every listed capability is
// always available once a Module is constructed, independent of mode
// or configuration.
const capabilityMask = CapBlock | CapReplace | CapInject |
	CapUnprivilegedStart | CapBreakLoop | CapFilter | CapDeviceIndex

// Module is the function-table surface a host packet-processing
// framework drives (spec.md 2, "Module Surface"): prepare, initialize,
// set_filter, start, msg_receive, msg_finalize, inject, breakloop,
// stop, shutdown, stats, capabilities. It is a thin, method-call
// wrapper over Engine; Module itself holds no state Engine doesn't
// already own.
type Module struct {
	engine *Engine
}

// Prepare reports this module's fixed capability mask. A host may
// call it before Initialize to decide whether the module fits its
// pipeline (e.g. whether it needs inline block/replace support).
func Prepare() Capability {
	return capabilityMask
}

// Initialize parses and validates the device specification, mirroring
// spec.md 4.1 (interface-string parsing happens here; kernel I/O is
// deferred to Start).
func Initialize(device string, mode Mode, snaplen, pollTimeoutMs int, opts ...ConfigOption) (*Module, error) {
	e, err := New(device, mode, snaplen, pollTimeoutMs, opts...)
	if err != nil {
		return nil, err
	}
	return &Module{engine: e}, nil
}

// SetFilter installs the filter program (spec.md 4.7).
func (m *Module) SetFilter(prog filter.Filter) error {
	return m.engine.SetFilter(prog)
}

// Start opens every parsed interface's socket and ring (spec.md 4.4).
func (m *Module) Start() error { return m.engine.Start() }

// MsgReceive delivers the next frame, or (nil, nil) when the
// poll timeout elapsed or BreakLoop was serviced (spec.md 4.5).
func (m *Module) MsgReceive() (*Message, error) {
	f, inst, err := m.engine.Receive()
	if err != nil || f == nil {
		return nil, err
	}
	return newMessage(f, inst), nil
}

// MsgFinalize translates a host verdict into the forward/drop action
// and releases the message's slot (spec.md 4.9).
func (m *Module) MsgFinalize(v Verdict) error { return m.engine.Finalize(v) }

// Inject transmits payload out of the instance paired with
// ingressIfindex (or that instance itself, if reverse is set or it is
// unbridged), per spec.md 4.8.
func (m *Module) Inject(ingressIfindex int, reverse bool, payload []byte) error {
	return m.engine.Inject(ingressIfindex, reverse, payload)
}

// BreakLoop requests the next MsgReceive call to return immediately
// with no message. Safe to call from a signal handler (spec.md 5).
func (m *Module) BreakLoop() { m.engine.BreakLoop() }

// Stop tears down every instance (spec.md 4.10).
func (m *Module) Stop() error { return m.engine.Stop() }

// Shutdown is Stop's idempotent counterpart for hosts that call it
// unconditionally during unload; a Module already in the stopped (or
// never-started) state treats it as a no-op.
func (m *Module) Shutdown() error {
	if m.engine.state != stateStarted {
		return nil
	}
	return m.engine.Stop()
}

// Stats returns the running counters, refreshed from the kernel.
func (m *Module) Stats() (Stats, error) { return m.engine.Stats() }

// Capabilities reports the fixed capability mask (spec.md 6).
func (m *Module) Capabilities() Capability { return capabilityMask }

// ErrorBuffer returns the most recent error message.
func (m *Module) ErrorBuffer() string { return m.engine.ErrorBuffer() }

// Message is the host-facing view of one delivered frame: the bytes
// (post VLAN-reinsertion), its lengths, timestamp and the ingress/
// egress interface indices (spec.md 4.7's message descriptor).
type Message struct {
	Data         []byte
	CaptureLen   int
	WireLen      int
	IngressIndex int
	EgressIndex  int // 0 means "unknown" (unbridged or passive)
	Timestamp    time.Time
}

func newMessage(f *frame, inst *Instance) *Message {
	egress := 0
	if inst.peer != nil {
		egress = inst.peer.ifindex
	}
	return &Message{
		Data:         f.data,
		CaptureLen:   f.caplen,
		WireLen:      f.wirelen,
		IngressIndex: inst.ifindex,
		EgressIndex:  egress,
		Timestamp:    f.timestamp(),
	}
}
