//go:build linux
// +build linux

// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import (
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/yerden/afpkt/filter"
)

// engineState models spec.md 3's Context state machine.
type engineState int32

const (
	stateUninitialized engineState = iota
	stateInitialized
	stateStarted
	stateStopped
)

func (s engineState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Engine is the capture context: it owns every Instance, the compiled
// filter program, running statistics and the single-threaded
// cooperative state machine the spec calls "Context" (spec.md 3).
// Exactly one owner goroutine may call Receive/Finalize/Inject;
// BreakLoop is the sole method safe to call from elsewhere.
type Engine struct {
	cfg *config

	instances []*Instance
	pairCount int // number of bridged pairs, for logging only

	filterProg filter.Filter

	stats Stats

	state   engineState
	brkFlag int32 // set via atomic; signal/cross-goroutine safe

	currentIdx  int
	currentMsg  *frame
	currentInst *Instance

	errbuf string
}

// New parses and validates the device specification but performs no
// kernel I/O; it corresponds to spec.md 4.1/4.4's "initialize" entry
// point up to (not including) ring negotiation and socket setup,
// which Start performs.
func New(device string, mode Mode, snaplen, pollTimeoutMs int, opts ...ConfigOption) (*Engine, error) {
	cfg, err := newConfig(device, mode, snaplen, pollTimeoutMs, opts...)
	if err != nil {
		return nil, err
	}

	names, err := parseInterfaceSpec(cfg.device, cfg.mode)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		state: stateInitialized,
	}
	for _, n := range names {
		e.instances = append(e.instances, &Instance{Name: n})
	}
	if cfg.mode != ModePassive {
		e.pairCount = len(names) / 2
	}
	return e, nil
}

// parseInterfaceSpec implements spec.md 4.1 exactly.
func parseInterfaceSpec(device string, mode Mode) ([]string, error) {
	if device == "" {
		return nil, newErr(ErrInvalidSpec, "empty device string", nil)
	}

	raw := strings.Split(device, ":")
	if raw[0] == "" {
		return nil, newErr(ErrInvalidSpec, "empty head interface", nil)
	}
	if raw[len(raw)-1] == "" {
		return nil, newErr(ErrInvalidSpec, "empty tail interface", nil)
	}

	var names []string
	for _, tok := range raw {
		if tok == "" {
			if mode == ModePassive {
				return nil, newErr(ErrInvalidSpec, "empty interior interface in passive mode", nil)
			}
			continue // inline mode: empty interior token is a bare separator
		}
		if len(tok) >= unix.IFNAMSIZ {
			return nil, newErr(ErrInvalidSpec, "interface name too long: "+tok, nil)
		}
		names = append(names, tok)
	}

	if len(names) == 0 {
		return nil, newErr(ErrInvalidSpec, "no interfaces given", nil)
	}
	if len(names) >= MaxInterfaces {
		return nil, newErr(ErrInvalidSpec, "too many interfaces", nil)
	}
	if mode != ModePassive && len(names)%2 != 0 {
		return nil, newErr(ErrInvalidSpec, "unpaired bridge interface", nil)
	}
	return names, nil
}

// SetFilter installs the filter program the receive loop will gate
// frames through. A nil program means "admit all" (spec.md 3,
// FilterProgram).
func (e *Engine) SetFilter(prog filter.Filter) error {
	if e.state != stateInitialized {
		return newErr(ErrInvalidSpec, "set_filter only legal before start", nil)
	}
	e.filterProg = prog
	return nil
}

// Start performs spec.md 4.2's ring negotiation and 4.4's per-instance
// startup sequence for every parsed interface, wiring bridge peers
// pairwise in non-passive modes.
func (e *Engine) Start() (err error) {
	if e.state != stateInitialized {
		return newErr(ErrInvalidSpec, "start only legal from initialized", nil)
	}

	hdrlen, err := probeHdrLen()
	if err != nil {
		return e.record(err)
	}

	perRingBytes := (e.cfg.bufferMB << 20) / e.totalRings()

	opened := make([]*Instance, 0, len(e.instances))
	defer func() {
		if err != nil {
			for _, in := range opened {
				in.close()
			}
		}
	}()

	for i, stub := range e.instances {
		bridged := e.cfg.mode != ModePassive

		rxLayout, lerr := e.negotiateWithBackoff(hdrlen, perRingBytes)
		if lerr != nil {
			return e.record(lerr)
		}

		var txLayout *RingLayout
		if bridged {
			l, lerr := e.negotiateWithBackoff(hdrlen, perRingBytes)
			if lerr != nil {
				return e.record(lerr)
			}
			txLayout = &l
		}

		inst, oerr := openInstance(stub.Name, e.cfg, hdrlen, rxLayout, txLayout)
		if oerr != nil {
			return e.record(oerr)
		}
		e.instances[i] = inst
		opened = append(opened, inst)

		if e.cfg.debug {
			fmt.Printf("afpkt: %s rx=%s\n", inst.Name, rxLayout.String())
		}
	}

	if e.cfg.mode != ModePassive {
		for i := 0; i+1 < len(e.instances); i += 2 {
			a, b := e.instances[i], e.instances[i+1]
			a.peer, b.peer = b, a
		}
	}

	e.state = stateStarted
	return nil
}

// totalRings counts the ring budget divisor spec.md 6's defaults
// describe: one ring per passive interface, two per bridged instance
// (its RX and TX ring each draw from the shared per-ring byte
// budget).
func (e *Engine) totalRings() int {
	n := len(e.instances)
	if e.cfg.mode == ModePassive {
		return max(1, n)
	}
	return max(1, n*2)
}

// negotiateWithBackoff computes a layout starting at order 3, halving
// the candidate block multiplier down to order 0 whenever
// negotiateLayout reports ErrOOM, and propagates any other error
// immediately. Only the layout arithmetic is retried: the kernel ring
// request made later by openInstance is issued once, and an ENOMEM from
// it fails Start without trying a lower order.
func (e *Engine) negotiateWithBackoff(hdrlen, perRingBytes int) (RingLayout, error) {
	var lastErr error
	for order := ringOrderStart; order >= ringOrderFloor; order-- {
		l, err := negotiateLayout(hdrlen, e.cfg.snaplen, perRingBytes, order)
		if err == nil {
			return l, nil
		}
		ee, ok := err.(*EngineError)
		if !ok || ee.Kind != ErrOOM {
			return RingLayout{}, err
		}
		lastErr = err
	}
	return RingLayout{}, lastErr
}

// probeHdrLen opens a throwaway socket to query PACKET_HDRLEN for
// TPACKET v2 (spec.md 4.2, "before any ring is requested").
func probeHdrLen() (int, error) {
	fd, err := openPacketSocket()
	if err != nil {
		return 0, err
	}
	defer closeFd(fd)
	return getHdrLen(fd, tpacketVersion)
}

// Receive implements spec.md 4.5: round-robin scan across instances,
// falling back to poll() when a full rotation finds nothing ready.
// A nil frame with a nil error means "no message, try again" (timeout
// or a serviced breakloop); the frame remains valid, borrowed from its
// ring slot, until Finalize is called.
func (e *Engine) Receive() (*frame, *Instance, error) {
	if e.state != stateStarted {
		return nil, nil, newErr(ErrInvalidSpec, "receive only legal once started", nil)
	}

	for {
		if atomic.CompareAndSwapInt32(&e.brkFlag, 1, 0) {
			return nil, nil, nil
		}

		if f, inst, found, err := e.scanOnce(); err != nil {
			return nil, nil, e.record(err)
		} else if found {
			return f, inst, nil
		}

		n, err := e.pollAll()
		if err != nil {
			if ee, ok := err.(*EngineError); ok && ee.Kind == ErrInterrupted {
				e.stats.PollInterrupted++
			}
			return nil, nil, e.record(err)
		}
		if n == 0 {
			e.stats.PollTimeouts++
			return nil, nil, nil
		}
		// n > 0: either hang-up (pollAll already turned that into an
		// error above) or new data is ready — loop back to rescan.
	}
}

// scanOnce performs one full rotation of spec.md 4.5 starting at
// current_instance.next and wrapping back through current_instance.
func (e *Engine) scanOnce() (f *frame, inst *Instance, found bool, err error) {
	n := len(e.instances)
	if n == 0 {
		return nil, nil, false, newErr(ErrInvalidSpec, "no instances", nil)
	}

	base := e.currentIdx
	for step := 1; step <= n; step++ {
		idx := (base + step) % n
		cand := e.instances[idx]
		slot := cand.rx.current()
		h := header(slot.raw)
		if h.Status&unix.TP_STATUS_USER == 0 {
			continue
		}

		mf, merr := materializeFrame(cand.rx, e.cfg.snaplen)
		if merr != nil {
			e.stats.CorruptFrames++
			// Open Question (ii): the slot is deliberately left
			// unreleased here, matching the source's behavior of
			// returning immediately on a corrupt frame; recovery is
			// left to stop/start. See DESIGN.md.
			return nil, nil, false, merr
		}
		cand.rx.advance()

		if !gate(e.filterProg, mf) {
			e.stats.Filtered++
			e.recordFilterMiss(cand, mf)
			continue
		}

		e.currentIdx = idx
		e.currentInst = cand
		e.currentMsg = mf
		e.stats.Received++

		return mf, cand, true, nil
	}
	return nil, nil, false, nil
}

// recordFilterMiss implements spec.md 4.7's filter-miss path: forward
// through to the peer (a no-op if unbridged, per Open Question (i)),
// release the slot, and keep scanning without delivering to the host.
func (e *Engine) recordFilterMiss(inst *Instance, f *frame) {
	if ferr := forwardInline(inst, f); ferr != nil {
		e.record(ferr)
		if ee, ok := ferr.(*EngineError); ok && ee.Kind == ErrTxFull {
			e.stats.TxFull++
		}
	} else if inst.peer != nil {
		e.stats.Forwarded++
	}
	releaseRXSlot(f)
}

// pollAll waits on every instance's socket using the configured
// timeout, implementing spec.md 4.5's fallback branch.
func (e *Engine) pollAll() (int, error) {
	fds := make([]unix.PollFd, len(e.instances))
	for i, in := range e.instances {
		fds[i] = unix.PollFd{Fd: int32(in.fd), Events: unix.POLLIN}
	}

	timeoutMs := -1
	if e.cfg.pollTimeout >= 0 {
		timeoutMs = int(e.cfg.pollTimeout.Milliseconds())
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, newErr(ErrInterrupted, "poll", err)
		}
		return 0, newErr(ErrPoll, "poll", err)
	}
	if n <= 0 {
		return n, nil
	}
	for _, pfd := range fds {
		if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return 0, newErr(ErrPoll, "hang-up or error on packet socket", nil)
		}
	}
	return n, nil
}

// Finalize implements spec.md 4.9: sanitize the verdict, update
// counters, forward to the peer for a pass-class verdict, then
// release the slot back to the kernel. The frame must not be
// referenced again afterward.
func (e *Engine) Finalize(v Verdict) error {
	if e.currentMsg == nil {
		return newErr(ErrInvalidSpec, "finalize without a pending message", nil)
	}
	f, inst := e.currentMsg, e.currentInst
	e.currentMsg, e.currentInst = nil, nil

	if v < VerdictPass || v > VerdictRetry {
		v = VerdictPass
	}
	e.stats.recordVerdict(v)

	if v.forwards() {
		if err := forwardInline(inst, f); err != nil {
			// spec.md 7: bridge-forwarding failures are recorded but
			// never abort the session, nor fail this call — the
			// verdict itself has already been consumed.
			e.record(err)
			if ee, ok := err.(*EngineError); ok && ee.Kind == ErrTxFull {
				e.stats.TxFull++
			}
		} else if inst.peer != nil {
			e.stats.Forwarded++
		}
	}

	releaseRXSlot(f)
	return nil
}

// releaseRXSlot writes the slot's status byte back to kernel
// ownership (spec.md 3, "release on write").
func releaseRXSlot(f *frame) {
	h := header(f.slot.raw)
	h.Status = unix.TP_STATUS_KERNEL
}

// Inject implements spec.md 4.8's injection path: locate the instance
// whose ifindex matches ingressIfindex, select its peer unless reverse
// requests the instance itself, transmit and count.
func (e *Engine) Inject(ingressIfindex int, reverse bool, payload []byte) error {
	if e.state != stateStarted {
		return newErr(ErrInvalidSpec, "inject only legal once started", nil)
	}

	var src *Instance
	for _, in := range e.instances {
		if in.ifindex == ingressIfindex {
			src = in
			break
		}
	}
	if src == nil {
		return e.record(newErr(ErrNoDevice, fmt.Sprintf("ifindex %d", ingressIfindex), nil))
	}

	target := src.peer
	if reverse || target == nil {
		target = src
	}

	var err error
	if target.tx != nil {
		err = target.transmitRing(payload)
	} else {
		err = target.transmitSocket(payload)
	}
	if err != nil {
		return e.record(err)
	}
	e.stats.Injected++
	return nil
}

// BreakLoop sets the break flag from any goroutine, including a
// signal handler's (spec.md 5, "the only cross-thread interaction
// supported"). The next call to Receive observes it and returns
// immediately with no message.
func (e *Engine) BreakLoop() {
	atomic.StoreInt32(&e.brkFlag, 1)
}

// Stats returns a snapshot of the running counters, refreshing the
// hardware-reported received/dropped totals from every live instance
// first (spec.md 3, "hw_* counters are refreshed by polling the
// kernel at stats read time and at stop time").
func (e *Engine) Stats() (Stats, error) {
	for _, in := range e.instances {
		if err := e.stats.refreshHW(in); err != nil {
			return e.stats, err
		}
	}
	return e.stats, nil
}

// Stop implements spec.md 4.10: snapshot hardware counters, then tear
// down every instance in reverse of construction.
func (e *Engine) Stop() error {
	if e.state != stateStarted {
		return newErr(ErrInvalidSpec, "stop only legal once started", nil)
	}

	for _, in := range e.instances {
		e.stats.refreshHW(in)
	}

	var first error
	for i := len(e.instances) - 1; i >= 0; i-- {
		if err := e.instances[i].close(); err != nil && first == nil {
			first = err
		}
	}

	e.state = stateStopped
	return first
}

// State reports the engine's current lifecycle state, mainly for
// tests and host diagnostics.
func (e *Engine) State() string { return e.state.String() }

// ErrorBuffer returns the most recent error message recorded against
// the context (spec.md 3, "errbuf"; spec.md 7, "every error carries a
// human-readable message stored in the context's error buffer").
func (e *Engine) ErrorBuffer() string { return e.errbuf }

// record stashes err's message in the context's error buffer and
// returns err unchanged, so call sites can wrap a return statement
// without restructuring control flow.
func (e *Engine) record(err error) error {
	if err != nil {
		e.errbuf = err.Error()
	}
	return err
}
