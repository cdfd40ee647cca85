// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh_test

import (
	"testing"

	"code.hybscloud.com/eh"
)

func TestRegisterOffsets(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"slot 0 csize", eh.RegDCmdCSize(0), 0x400},
		{"slot 0 buf 0", eh.RegDCmdBuf(0, 0), 0x408},
		{"slot 0 buf 3", eh.RegDCmdBuf(0, 3), 0x420},
		{"slot 0 dest", eh.RegDCmdDest(0), 0x428},
		{"slot 1 csize", eh.RegDCmdCSize(1), 0x440},
		{"slot 2 dest", eh.RegDCmdDest(2), 0x4a8},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
}

func TestFeatures2(t *testing.T) {
	v := eh.Features2(2, 4)
	if got := eh.Features2BufMax(v); got != 2 {
		t.Errorf("BufMax: got %d, want 2", got)
	}
	if got := eh.Features2DCmds(v); got != 4 {
		t.Errorf("DCmds: got %d, want 4", got)
	}
	v = eh.Features2(4, eh.MaxDecompressionCmds)
	if got := eh.Features2DCmds(v); got != eh.MaxDecompressionCmds {
		t.Errorf("DCmds: got %d, want %d", got, eh.MaxDecompressionCmds)
	}
}

func TestBufEncoding(t *testing.T) {
	tests := []struct {
		addr eh.PhysAddr
		size int
	}{
		{0x1000, eh.PageSize},
		{0x1800, eh.PageSize / 2},
		{0x1c00, eh.PageSize / 4},
		{0xdead_beef_c0, 64},
	}
	for _, tt := range tests {
		addr, size := eh.DecodeBuf(eh.EncodeBuf(tt.addr, tt.size))
		if addr != tt.addr || size != tt.size {
			t.Errorf("EncodeBuf(%#x, %d) decodes to (%#x, %d)", tt.addr, tt.size, addr, size)
		}
	}
	if addr, size := eh.DecodeBuf(0); addr != 0 || size != 0 {
		t.Errorf("DecodeBuf(0): got (%#x, %d), want (0, 0)", addr, size)
	}
}

func TestDCmdDestEncoding(t *testing.T) {
	for _, st := range []eh.DCmdStatus{eh.DCmdIdle, eh.DCmdPending, eh.DCmdDecompressed, eh.DCmdError} {
		addr, got := eh.DecodeDCmdDest(eh.EncodeDCmdDest(0x7f00_1000, st))
		if addr != 0x7f00_1000 || got != st {
			t.Errorf("%v: decodes to (%#x, %v)", st, addr, got)
		}
	}
}

func TestStatusStrings(t *testing.T) {
	tests := []struct {
		s        eh.Status
		name     string
		terminal bool
		isError  bool
	}{
		{eh.StatusIdle, "IDLE", false, false},
		{eh.StatusPending, "PENDING", false, false},
		{eh.StatusCopied, "COPIED", true, false},
		{eh.StatusCompressed, "COMPRESSED", true, false},
		{eh.StatusZero, "ZERO", true, false},
		{eh.StatusAborted, "ABORTED", true, false},
		{eh.StatusErrorContinue, "ERROR_CONTINUE", true, true},
		{eh.StatusErrorHalted, "ERROR_HALTED", true, true},
		{eh.Status(42), "Status(42)", false, false},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.name {
			t.Errorf("String: got %q, want %q", got, tt.name)
		}
		if got := tt.s.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal: got %v", tt.name, got)
		}
		if got := tt.s.IsError(); got != tt.isError {
			t.Errorf("%s.IsError: got %v", tt.name, got)
		}
	}
}
