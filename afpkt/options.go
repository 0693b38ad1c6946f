// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package afpkt

import (
	"os"
	"strconv"
	"time"
)

// Mode selects whether the engine only observes traffic (Passive) or
// forms transparent bridges between paired interfaces (Inline).
type Mode int

const (
	// ModePassive opens every interface token independently; no
	// forwarding ever occurs.
	ModePassive Mode = iota
	// ModeInline pairs interface tokens two-by-two and forwards
	// verdict-approved frames between each pair.
	ModeInline
)

// FanoutType selects the kernel-side fan-out hashing strategy. Values
// mirror PACKET_FANOUT_* constants.
type FanoutType int

// FanoutFlag is an OR-combinable fan-out modifier.
type FanoutFlag int

const (
	FanoutHash FanoutType = iota
	FanoutLB
	FanoutCPU
	FanoutRollover
	FanoutRND
	FanoutQM
)

const (
	FanoutFlagRollover FanoutFlag = 1 << iota
	FanoutFlagDefrag
)

// defaultBufferMB is the total buffer budget (in megabytes) split
// evenly across rings when neither buffer_size_mb nor
// AF_PACKET_BUFFER_SIZE is given.
const defaultBufferMB = 128

// envBufferSize is the environment override consulted only when
// buffer_size_mb is absent from the option set.
const envBufferSize = "AF_PACKET_BUFFER_SIZE"

// MaxInterfaces is the fixed cap on the number of non-empty tokens an
// interface specification string may contain.
const MaxInterfaces = 32

// config is the closed, typed configuration record the module surface
// builds once at Initialize time from the host's input string, mode,
// snap length, poll timeout and key/value options. Nothing downstream
// re-parses strings.
type config struct {
	device      string
	mode        Mode
	snaplen     int
	pollTimeout time.Duration

	bufferMB int // total buffer across all rings, in megabytes
	debug    bool

	fanoutEnabled bool
	fanoutType    FanoutType
	fanoutFlags   FanoutFlag
}

// ConfigOption mutates config during New/Initialize, following the
// same closure-over-a-private-struct shape as the teacher's
// HandlerOption/handlerOpts pair.
type ConfigOption struct {
	f func(*config)
}

func newConfig(device string, mode Mode, snaplen int, pollTimeoutMs int, opts ...ConfigOption) (*config, error) {
	if snaplen <= 0 {
		return nil, newErr(ErrInvalidSpec, "snaplen must be positive", nil)
	}

	c := &config{
		device:      device,
		mode:        mode,
		snaplen:     snaplen,
		pollTimeout: pollDuration(pollTimeoutMs),
		bufferMB:    0, // resolved below once options have run
	}

	for _, o := range opts {
		o.f(c)
	}

	if c.bufferMB == 0 {
		c.bufferMB = resolveDefaultBuffer()
	}

	return c, nil
}

func pollDuration(ms int) time.Duration {
	if ms <= 0 {
		return -1 // infinite
	}
	return time.Duration(ms) * time.Millisecond
}

// resolveDefaultBuffer consults AF_PACKET_BUFFER_SIZE, falling back to
// the 128 MiB default.
func resolveDefaultBuffer() int {
	if v := os.Getenv(envBufferSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultBufferMB
}

// OptBufferSizeMB sets the total buffer budget, in megabytes, shared
// across every ring the engine opens. A literal "max" in the host's
// key/value options maps to omitting this option (default applies).
func OptBufferSizeMB(mb int) ConfigOption {
	return ConfigOption{func(c *config) {
		if mb > 0 {
			c.bufferMB = mb
		}
	}}
}

// OptDebug enables stdout tracing of negotiated ring layouts.
func OptDebug() ConfigOption {
	return ConfigOption{func(c *config) { c.debug = true }}
}

// OptFanout enables kernel-side fan-out group membership with the
// given type and OR-combined flags.
func OptFanout(t FanoutType, flags ...FanoutFlag) ConfigOption {
	return ConfigOption{func(c *config) {
		c.fanoutEnabled = true
		c.fanoutType = t
		for _, f := range flags {
			c.fanoutFlags |= f
		}
	}}
}
