//go:build linux
// +build linux

package afpkt

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sys/unix"

	"github.com/yerden/afpkt/filter"
)

// TestParseInterfaceSpec covers the literal boundary scenarios listed
// in spec.md 8.
func TestParseInterfaceSpec(t *testing.T) {
	cases := []struct {
		name    string
		device  string
		mode    Mode
		want    []string
		wantErr bool
	}{
		{
			name:   "single passive interface",
			device: "eth0",
			mode:   ModePassive,
			want:   []string{"eth0"},
		},
		{
			name:   "bridged pair inline",
			device: "eth0:eth1",
			mode:   ModeInline,
			want:   []string{"eth0", "eth1"},
		},
		{
			name:    "empty head is invalid",
			device:  ":eth0",
			mode:    ModePassive,
			wantErr: true,
		},
		{
			name:    "empty tail is invalid",
			device:  "eth0:",
			mode:    ModePassive,
			wantErr: true,
		},
		{
			name:    "dangling interface inline",
			device:  "eth0:eth1:eth2",
			mode:    ModeInline,
			wantErr: true,
		},
		{
			name:   "empty interior skipped inline",
			device: "eth0::eth1",
			mode:   ModeInline,
			want:   []string{"eth0", "eth1"},
		},
		{
			name:    "empty interior rejected passive",
			device:  "eth0::eth1",
			mode:    ModePassive,
			wantErr: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := parseInterfaceSpec(c.device, c.mode)
			if c.wantErr {
				if err == nil {
					t.Fatalf("parseInterfaceSpec(%q, %v) = %v, want invalid_spec error", c.device, c.mode, got)
				}
				if ee, ok := err.(*EngineError); !ok || ee.Kind != ErrInvalidSpec {
					t.Fatalf("expected ErrInvalidSpec, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseInterfaceSpec(%q, %v): unexpected error %v", c.device, c.mode, err)
			}
			if len(got) != len(c.want) {
				t.Fatalf("got %s, want %s", spew.Sdump(got), spew.Sdump(c.want))
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("got %s, want %s", spew.Sdump(got), spew.Sdump(c.want))
				}
			}
		})
	}
}

func TestParseInterfaceSpecTooManyInterfaces(t *testing.T) {
	device := "eth0"
	for i := 1; i < MaxInterfaces; i++ {
		device += ":eth0"
	}
	_, err := parseInterfaceSpec(device, ModePassive)
	if err == nil {
		t.Fatal("expected invalid_spec once the interface cap is reached")
	}
}

func TestParseInterfaceSpecNameTooLong(t *testing.T) {
	long := make([]byte, 32)
	for i := range long {
		long[i] = 'a'
	}
	_, err := parseInterfaceSpec(string(long), ModePassive)
	if err == nil {
		t.Fatal("expected invalid_spec for an over-long interface name")
	}
}

// TestNewInlineBuildsInstanceStubs verifies that New() parses the
// device string into instance stubs without performing any kernel
// I/O, per spec.md 4.1.
func TestNewInlineBuildsInstanceStubs(t *testing.T) {
	e, err := New("eth0:eth1", ModeInline, 65535, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(e.instances) != 2 {
		t.Fatalf("expected 2 instance stubs, got %d", len(e.instances))
	}
	if e.state != stateInitialized {
		t.Fatalf("state = %v, want initialized", e.state)
	}
	if e.pairCount != 1 {
		t.Fatalf("pairCount = %d, want 1", e.pairCount)
	}
}

func TestNewRejectsNonPositiveSnaplen(t *testing.T) {
	if _, err := New("eth0", ModePassive, 0, 1000); err == nil {
		t.Fatal("expected an error for snaplen <= 0")
	}
}

func TestTotalRingsDefaultBudgetSplit(t *testing.T) {
	// Boundary scenario from spec.md 8: "eth0:eth1", inline, default
	// buffer: per-ring bytes = 32 MiB (128/4), i.e. 4 total rings.
	e, err := New("eth0:eth1", ModeInline, 65535, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := e.totalRings(), 4; got != want {
		t.Fatalf("totalRings() = %d, want %d", got, want)
	}

	e2, err := New("eth0", ModePassive, 65535, 1000, OptBufferSizeMB(16))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := e2.totalRings(), 1; got != want {
		t.Fatalf("totalRings() = %d, want %d", got, want)
	}
}

func TestReceiveRejectsWrongState(t *testing.T) {
	e, err := New("eth0", ModePassive, 65535, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e.Receive(); err == nil {
		t.Fatal("expected an error calling Receive before Start")
	}
}

func TestFinalizeWithoutPendingMessage(t *testing.T) {
	e, _ := New("eth0", ModePassive, 65535, 1000)
	if err := e.Finalize(VerdictPass); err == nil {
		t.Fatal("expected an error finalizing with no pending message")
	}
}

func TestBreakLoopObservedByReceive(t *testing.T) {
	e, err := New("eth0", ModePassive, 65535, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.state = stateStarted
	e.BreakLoop()
	f, inst, err := e.Receive()
	if err != nil || f != nil || inst != nil {
		t.Fatalf("Receive() after BreakLoop = (%v, %v, %v), want (nil, nil, nil)", f, inst, err)
	}
}

// readyInstance builds a single-slot, RX-only Instance whose one slot
// is already marked user-owned (TP_STATUS_USER), carrying tag as the
// first payload byte so a filter can distinguish instances.
func readyInstance(name string, tag byte) *Instance {
	eth := ethernetFrame([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{6, 5, 4, 3, 2, 1}, 0x0800, []byte{tag})
	macOff := 64
	raw := buildTestSlot(macOff, eth)
	h := header(raw)
	h.Mac = uint16(macOff)
	h.Snaplen = uint32(len(eth))
	h.Len = uint32(len(eth))
	h.Status = unix.TP_STATUS_USER

	ring := &Ring{slots: []FrameSlot{{raw: raw, next: 0}}}
	return &Instance{Name: name, rx: ring}
}

// TestScanOnceFullRotationDespiteMidScanMisses is a regression test
// for a round-robin bug: scanOnce must compute every step of one
// rotation from the currentIdx it had *before* the rotation started,
// not from a currentIdx mutated by intervening filter misses. Four
// instances are ready; only the one parked at index 0 (relative to a
// currentIdx of 0, i.e. the instance that "wraps all the way around")
// passes the filter, the other three miss. A full rotation must still
// reach it (spec.md 4.5/5: "one full rotation ... starves none").
func TestScanOnceFullRotationDespiteMidScanMisses(t *testing.T) {
	e := &Engine{
		cfg: &config{snaplen: 65535},
		instances: []*Instance{
			readyInstance("eth0", 0xAA), // the only frame the filter admits
			readyInstance("eth1", 0x01),
			readyInstance("eth2", 0x02),
			readyInstance("eth3", 0x03),
		},
		filterProg: filter.FilterFunc(func(p []byte) int {
			if len(p) > 14 && p[14] == 0xAA {
				return 1
			}
			return 0
		}),
	}

	f, inst, found, err := e.scanOnce()
	if err != nil {
		t.Fatalf("scanOnce: %v", err)
	}
	if !found {
		t.Fatal("scanOnce returned found=false; the admitted frame on eth0 was never reached within one rotation")
	}
	if inst.Name != "eth0" {
		t.Fatalf("delivered instance = %q, want eth0", inst.Name)
	}
	if f.data[14] != 0xAA {
		t.Fatalf("delivered frame tag = %#x, want 0xAA", f.data[14])
	}
	if e.stats.Filtered != 3 {
		t.Fatalf("Filtered = %d, want 3 (eth1, eth2, eth3 all missed)", e.stats.Filtered)
	}
}
