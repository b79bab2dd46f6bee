package diag

import (
	"strings"
	"testing"
)

func TestDecodeFaultARM(t *testing.T) {
	// MOV r0, r0 (a NOP encoding), little-endian ARM.
	code := []byte{0x00, 0x00, 0xA0, 0xE1}
	r := DecodeFault(0, 0xDEAD0000, 0x5, 0x8000, code, false, 0)

	if r.Core != 0 || r.FaultAddr != 0xDEAD0000 || r.FaultType != 0x5 || r.PC != 0x8000 {
		t.Fatalf("DecodeFault() fields = %+v, unexpected", r)
	}
	if r.Thumb {
		t.Fatalf("DecodeFault() Thumb = true, want false")
	}
	if strings.Contains(r.Instruction, "undecodable") {
		t.Fatalf("DecodeFault() could not decode a valid ARM instruction: %q", r.Instruction)
	}
}

func TestDecodeFaultUndecodableBytesReportsPlaceholder(t *testing.T) {
	r := DecodeFault(1, 0, 0, 0, nil, false, 0)
	if !strings.Contains(r.Instruction, "undecodable") {
		t.Fatalf("DecodeFault() on empty code = %q, want an undecodable placeholder", r.Instruction)
	}
}

func TestFaultReportString(t *testing.T) {
	r := DecodeFault(2, 0x1000, 0x7, 0x4000, nil, true, 0xdeadbeef)
	s := r.String()
	if !strings.Contains(s, "core=2") || !strings.Contains(s, "pc=0x") || !strings.Contains(s, "4000") {
		t.Fatalf("String() = %q, missing expected fields", s)
	}
	if !strings.Contains(s, "deadbeef") {
		t.Fatalf("String() = %q, missing the raw descriptor entry word", s)
	}
}
