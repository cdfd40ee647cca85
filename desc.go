// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import "encoding/binary"

// DescSize is the size of one compression descriptor in bytes.
const DescSize = 64

// NumDstBuffers is the number of destination buffer slots per descriptor.
const NumDstBuffers = 4

// Descriptor field offsets. Multi-byte fields are little-endian.
const (
	descSrcOff    = 0  // u64 source page address
	descStatusOff = 8  // u8 Status
	descMaxBufOff = 9  // u8 usable destination buffers
	descBufSelOff = 10 // u8 destination buffer selected by hardware
	descLenOff    = 12 // u32 compressed length
	descDstOff    = 16 // [4]u64 encoded destination buffers
)

// Desc is a view of one hardware-visible compression descriptor.
type Desc []byte

// DescTable is the descriptor ring memory shared with the device.
type DescTable []byte

// NewDescTable allocates a zeroed table of n descriptors.
func NewDescTable(n int) DescTable {
	return make(DescTable, n*DescSize)
}

// At returns descriptor i.
func (t DescTable) At(i int) Desc {
	off := i * DescSize
	return Desc(t[off : off+DescSize : off+DescSize])
}

// Len returns the number of descriptors in the table.
func (t DescTable) Len() int {
	return len(t) / DescSize
}

func (d Desc) Src() PhysAddr {
	return PhysAddr(binary.LittleEndian.Uint64(d[descSrcOff:]))
}

func (d Desc) SetSrc(addr PhysAddr) {
	binary.LittleEndian.PutUint64(d[descSrcOff:], uint64(addr))
}

func (d Desc) Status() Status {
	return Status(d[descStatusOff])
}

func (d Desc) SetStatus(s Status) {
	d[descStatusOff] = byte(s)
}

func (d Desc) MaxBuf() int {
	return int(d[descMaxBufOff])
}

func (d Desc) SetMaxBuf(n int) {
	d[descMaxBufOff] = byte(n)
}

// BufSel is the 1-based destination buffer the hardware wrote into.
func (d Desc) BufSel() int {
	return int(d[descBufSelOff])
}

func (d Desc) SetBufSel(n int) {
	d[descBufSelOff] = byte(n)
}

func (d Desc) ComprLen() uint32 {
	return binary.LittleEndian.Uint32(d[descLenOff:])
}

func (d Desc) SetComprLen(n uint32) {
	binary.LittleEndian.PutUint32(d[descLenOff:], n)
}

// Dst returns encoded destination buffer n. See [DecodeBuf].
func (d Desc) Dst(n int) uint64 {
	return binary.LittleEndian.Uint64(d[descDstOff+n*8:])
}

func (d Desc) SetDst(n int, v uint64) {
	binary.LittleEndian.PutUint64(d[descDstOff+n*8:], v)
}

// Clear resets the fields written per request and marks d IDLE. The
// destinations and max_buf are left as programmed.
func (d Desc) Clear() {
	d.SetSrc(0)
	d.SetComprLen(0)
	d.SetBufSel(0)
	d.SetStatus(StatusIdle)
}
