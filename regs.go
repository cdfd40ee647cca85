// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import "math/bits"

// Register offsets. All registers are 64 bits wide.

const (
	RegHWID           = 0x000 // hardware id (R)
	RegHWFeatures     = 0x008 // feature bits (R)
	RegHWFeatures2    = 0x010 // buffer count and decompression command count (R)
	RegGCTRL          = 0x018 // global control; all-ones starts a reset, reads 0 when done (RW)
	RegIntrpStsError  = 0x020 // error interrupt status (RW1C)
	RegIntrpStsCmp    = 0x028 // compression interrupt status (RW1C)
	RegIntrpStsDcmp   = 0x030 // decompression interrupt status (RW1C)
	RegErrCond        = 0x038 // error condition (R)
	RegIntrpMaskError = 0x040 // error interrupt mask (RW)
	RegIntrpMaskCmp   = 0x048 // compression interrupt mask (RW)
	RegIntrpMaskDcmp  = 0x050 // decompression interrupt mask (RW)

	RegCDescLoc     = 0x100 // descriptor table address | log2(fifo size) (W)
	RegCDescWrIdx   = 0x108 // producer write index (W)
	RegCDescCtrl    = 0x110 // complete index, compression enable, fifo reset (RW)
	RegCInterpCtrl  = 0x118 // compression interrupt pacing (RW)
	RegBusCfg       = 0x200 // vendor bus configuration (RW)
	regVendorLast   = 0x218
	regDCmdBase     = 0x400
	regDCmdStride   = 0x40
	regDCmdCSizeOff = 0x00
	regDCmdBufOff   = 0x08
	regDCmdDestOff  = 0x28
)

// RegDCmdCSize returns the compressed-size register of decompression slot i.
func RegDCmdCSize(i int) uint32 {
	return regDCmdBase + uint32(i)*regDCmdStride + regDCmdCSizeOff
}

// RegDCmdBuf returns source buffer register n (0..3) of decompression slot i.
func RegDCmdBuf(i, n int) uint32 {
	return regDCmdBase + uint32(i)*regDCmdStride + regDCmdBufOff + uint32(n)*8
}

// RegDCmdDest returns the destination/status register of decompression slot i.
func RegDCmdDest(i int) uint32 {
	return regDCmdBase + uint32(i)*regDCmdStride + regDCmdDestOff
}

// HWFEATURES2 fields.
const (
	features2BufMaxMask  = 0xf
	features2DCmdsShift  = 8
	features2DCmdsMask   = 0xff
	MaxDecompressionCmds = features2DCmdsMask
)

// Features2 encodes a HWFEATURES2 value.
func Features2(bufMax, dcmds int) uint64 {
	return uint64(bufMax)&features2BufMaxMask |
		(uint64(dcmds)&features2DCmdsMask)<<features2DCmdsShift
}

// Features2BufMax extracts the destination buffer count from HWFEATURES2.
func Features2BufMax(v uint64) int {
	return int(v & features2BufMaxMask)
}

// Features2DCmds extracts the decompression command count from HWFEATURES2.
func Features2DCmds(v uint64) int {
	return int(v >> features2DCmdsShift & features2DCmdsMask)
}

// CDESC_CTRL fields.
const (
	CDescCtrlCompleteIdxMask = 0xffff
	CDescCtrlCompressEnable  = uint64(1) << 62
	CDescCtrlFifoReset       = uint64(1) << 63
)

// Buffer address encoding shared by descriptor destinations and DCMD_BUFn:
// the size code log2(size)-5 lives in the top four bits.
const (
	bufSizeShift = 60
	bufAddrMask  = uint64(1)<<bufSizeShift - 1
)

// EncodeBuf encodes a device address and a power-of-two buffer size
// (64..4096 bytes).
func EncodeBuf(addr PhysAddr, size int) uint64 {
	code := uint64(bits.TrailingZeros(uint(size)) - 5)
	return uint64(addr)&bufAddrMask | code<<bufSizeShift
}

// DecodeBuf returns the device address and buffer size of an encoded buffer.
// A zero value decodes to (0, 0).
func DecodeBuf(v uint64) (PhysAddr, int) {
	if v == 0 {
		return 0, 0
	}
	return PhysAddr(v & bufAddrMask), 1 << (v>>bufSizeShift + 5)
}

// DCMD_DEST fields: destination page address with the command status in the
// top four bits.
const (
	dcmdStatusShift = 60
	dcmdAddrMask    = uint64(1)<<dcmdStatusShift - 1
)

// EncodeDCmdDest encodes a DCMD_DEST value.
func EncodeDCmdDest(addr PhysAddr, st DCmdStatus) uint64 {
	return uint64(addr)&dcmdAddrMask | uint64(st)<<dcmdStatusShift
}

// DecodeDCmdDest returns the destination address and status of a DCMD_DEST value.
func DecodeDCmdDest(v uint64) (PhysAddr, DCmdStatus) {
	return PhysAddr(v & dcmdAddrMask), DCmdStatus(v >> dcmdStatusShift)
}

// regBlock is one contiguous register range printed by dumpRegs.
type regBlock struct {
	name       string
	start, end uint32
}

var dumpBlocks = []regBlock{
	{"global", RegHWID, RegIntrpMaskDcmp},
	{"compression", RegCDescLoc, RegCInterpCtrl},
	{"vendor", RegBusCfg, regVendorLast},
}

// Interrupt mask bits passed to [Device.SetInterruptMask].
const (
	IntrError         = uint64(1) << 0
	IntrCompression   = uint64(1) << 1
	IntrDecompression = uint64(1) << 2
	IntrAll           = IntrError | IntrCompression | IntrDecompression

	// intrRunning leaves decompression masked: that path polls.
	intrRunning = IntrDecompression
)
