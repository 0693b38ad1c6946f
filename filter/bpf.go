// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

package filter

import (
	"errors"

	"golang.org/x/net/bpf"
)

// Program wraps a compiled BPF instruction sequence behind the Filter
// interface, using golang.org/x/net/bpf's pure-Go virtual machine
// rather than the teacher's CGO pcap_offline_filter call (spec.md
// requires no CGO dependency; see SPEC_FULL.md domain stack). Program
// compilation from a tcpdump-style expression string is intentionally
// out of scope: the engine treats the assembled instruction set as an
// opaque collaborator handed in by the host (spec.md 2, "Filter
// Program").
type Program struct {
	vm *bpf.VM
}

// NewProgram assembles a raw BPF instruction sequence into a runnable
// Program.
func NewProgram(insns []bpf.Instruction) (*Program, error) {
	if len(insns) == 0 {
		return nil, errors.New("filter: empty instruction set")
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, err
	}
	return &Program{vm: vm}, nil
}

// NewProgramRaw is like NewProgram but accepts the already-assembled
// raw form (e.g. as produced by an external libpcap compile step and
// handed to the host out of band).
func NewProgramRaw(raw []bpf.RawInstruction) (*Program, error) {
	insns := make([]bpf.Instruction, len(raw))
	for i, r := range raw {
		insns[i] = r.Disassemble()
	}
	return NewProgram(insns)
}

// Execute runs the program against pkt, returning the number of bytes
// the BPF accepts (0 means drop), satisfying the Filter interface.
func (p *Program) Execute(pkt []byte) int {
	n, err := p.vm.Run(pkt)
	if err != nil {
		return 0
	}
	return n
}
