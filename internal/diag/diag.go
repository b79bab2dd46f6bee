// Package diag decodes the instruction that triggered an unresolved memory
// fault, for inclusion in panic/error-block reports. The reference's
// strange_handler path dumps raw registers and table-entry words when
// find_handler can't resolve a fault (Processor/VMSAv6/mmu.c); this port
// adds a disassembly of the faulting instruction itself, using
// golang.org/x/arch/arm/armasm the way the corpus's own tooling decodes ARM
// instruction words.
package diag

import (
	"fmt"

	"golang.org/x/arch/arm/armasm"
)

// FaultReport describes an unresolved fault for logging, matching the
// fields strange_handler/find_handler have on hand when they give up,
// including the raw translation-table entry word strange_handler dumps
// alongside the faulting registers.
type FaultReport struct {
	Core        uint32
	FaultAddr   uint32
	FaultType   uint32
	PC          uint32
	Entry       uint32
	Instruction string
	Thumb       bool
}

// DecodeFault disassembles the instruction at pc (little-endian encoded, as
// held in the faulting task's code page) and builds a FaultReport. entry is
// the raw l1tt_section_entry/l2tt_entry word backing faultAddr (0 if none),
// for the strange_handler-style raw table-word dump. If the bytes don't
// decode to a valid instruction, Instruction reports why rather than
// failing the report outright -- the fault is being reported either way.
func DecodeFault(core, faultAddr, faultType, pc uint32, code []byte, thumb bool, entry uint32) FaultReport {
	r := FaultReport{
		Core:      core,
		FaultAddr: faultAddr,
		FaultType: faultType,
		PC:        pc,
		Entry:     entry,
		Thumb:     thumb,
	}

	mode := armasm.ModeARM
	if thumb {
		mode = armasm.ModeThumb
	}

	inst, err := armasm.Decode(code, mode)
	if err != nil {
		r.Instruction = fmt.Sprintf("<undecodable: %v>", err)
		return r
	}
	r.Instruction = inst.String()
	return r
}

// String renders a report in the one-line form bootlog/errs panic output
// uses, matching the terse register-dump style send_number produces in the
// reference.
func (r FaultReport) String() string {
	return fmt.Sprintf("core=%d pc=%#08x fa=%#08x ft=%#08x entry=%#08x insn=%q",
		r.Core, r.PC, r.FaultAddr, r.FaultType, r.Entry, r.Instruction)
}
