// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fakedev

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"
	"unsafe"

	"code.hybscloud.com/eh"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManual(t *testing.T, cfg Config) *Device {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	cfg.Logger = l
	cfg.Manual = true
	d := New(cfg)
	t.Cleanup(func() { d.Close() })
	return d
}

// aligned returns a zeroed size-byte buffer whose address is a multiple of
// align.
func aligned(size, align int) []byte {
	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := int(-base & uintptr(align-1))
	return raw[off : off+size : off+size]
}

func textPage() []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), eh.PageSize/16)
}

func noise(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func TestMemoryPinResolve(t *testing.T) {
	m := newMemory()
	buf := make([]byte, 256)
	for i := range buf {
		buf[i] = byte(i)
	}

	a := m.pin(buf)
	require.Equal(t, a, m.pin(buf), "same buffer maps to the same address")
	assert.Equal(t, 1, m.mapped())
	assert.Zero(t, m.pin(nil))

	inner, err := m.resolve(a+16, 32)
	require.NoError(t, err)
	assert.Equal(t, buf[16:48], inner)
	inner[0] = 0xff
	assert.Equal(t, byte(0xff), buf[16], "resolve aliases the mapped buffer")

	_, err = m.resolve(a+250, 16)
	assert.ErrorIs(t, err, errUnmapped)

	m.unpin(a)
	assert.Equal(t, 1, m.mapped(), "one translation still outstanding")
	m.unpin(a)
	assert.Zero(t, m.mapped())
	_, err = m.resolve(a, 1)
	assert.ErrorIs(t, err, errUnmapped)
	m.unpin(a) // unknown addresses are ignored
}

func TestCompressPage(t *testing.T) {
	d := newManual(t, Config{})
	r := rand.New(rand.NewPCG(1, 2))

	page := aligned(eh.PageSize, eh.PageSize)
	pageAddr := d.Translate(page)
	full := []dstBuffer{{addr: pageAddr, size: eh.PageSize}}
	split := []dstBuffer{
		{addr: pageAddr, size: eh.PageSize / 2},
		{addr: pageAddr + eh.PageSize/2, size: eh.PageSize / 4},
	}

	// Half noise, half zeros compresses to a little over 2KB.
	spill := append(noise(r, eh.PageSize/2), make([]byte, eh.PageSize/2)...)

	tests := []struct {
		name   string
		in     []byte
		bufs   []dstBuffer
		status eh.Status
		bufSel int
	}{
		{"zero page", make([]byte, eh.PageSize), full, eh.StatusZero, 0},
		{"text page", textPage(), full, eh.StatusCompressed, 1},
		{"noise stored", noise(r, eh.PageSize), full, eh.StatusCopied, 1},
		{"noise without page buffer", noise(r, eh.PageSize), split, eh.StatusAborted, 0},
		{"text picks smallest buffer", textPage(), split, eh.StatusCompressed, 2},
		{"spills across buffers", spill, split, eh.StatusCompressed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clear(page)
			out, err := d.compressPage(tt.in, tt.bufs)
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.status)
			assert.Equal(t, tt.bufSel, out.bufSel)

			switch out.status {
			case eh.StatusCompressed, eh.StatusCopied:
				off := 0
				if out.bufSel == 2 {
					off = eh.PageSize / 2
				}
				got := make([]byte, eh.PageSize)
				require.NoError(t, decompressPage(page[off:off+out.n], got))
				assert.Equal(t, tt.in, got)
			default:
				assert.Zero(t, out.n)
			}
		})
	}
}

func TestCompressHelper(t *testing.T) {
	text := textPage()
	c := Compress(text)
	assert.Less(t, len(c), eh.PageSize)

	got := make([]byte, eh.PageSize)
	require.NoError(t, decompressPage(c, got))
	assert.Equal(t, text, got)

	r := rand.New(rand.NewPCG(3, 4))
	n := noise(r, eh.PageSize)
	assert.Equal(t, n, Compress(n), "incompressible pages are stored")
}

func TestDecompressPageRejectsShortOutput(t *testing.T) {
	short := Compress(bytes.Repeat([]byte{'x'}, 1024))
	err := decompressPage(short, make([]byte, eh.PageSize))
	assert.ErrorIs(t, err, errShortPage)
}

// ring is a hand-programmed compression ring of four descriptors.
type ring struct {
	table eh.DescTable
	dst   [][]byte
}

func setupRing(t *testing.T, d *Device) *ring {
	t.Helper()
	const n = 4
	r := &ring{table: eh.DescTable(aligned(n*eh.DescSize, eh.DescSize))}
	for i := range n {
		buf := aligned(eh.PageSize, eh.PageSize)
		r.dst = append(r.dst, buf)
		desc := r.table.At(i)
		desc.SetMaxBuf(1)
		desc.SetDst(0, eh.EncodeBuf(d.Translate(buf), eh.PageSize))
	}
	d.WriteRegister(eh.RegCDescCtrl, eh.CDescCtrlFifoReset)
	d.WriteRegister(eh.RegCDescLoc, uint64(d.Translate(r.table))|2)
	d.WriteRegister(eh.RegCDescCtrl, eh.CDescCtrlCompressEnable)
	return r
}

func (r *ring) submit(d *Device, i int, page []byte) {
	desc := r.table.At(i)
	desc.SetSrc(d.Translate(page))
	desc.SetStatus(eh.StatusPending)
}

func TestStep(t *testing.T) {
	d := newManual(t, Config{})
	d.SetInterruptMask(0)
	r := setupRing(t, d)

	text := textPage()
	r.submit(d, 0, text)
	r.submit(d, 1, make([]byte, eh.PageSize))
	d.WriteRegister(eh.RegCDescWrIdx, 2)
	assert.Equal(t, 2, d.Outstanding())

	require.Equal(t, 1, d.Step(1))
	ctrl := d.ReadRegister(eh.RegCDescCtrl)
	assert.Equal(t, uint64(1), ctrl&eh.CDescCtrlCompleteIdxMask)
	assert.NotZero(t, ctrl&eh.CDescCtrlCompressEnable)
	assert.Equal(t, eh.StatusCompressed, r.table.At(0).Status())
	assert.Equal(t, eh.StatusPending, r.table.At(1).Status())

	require.Equal(t, 1, d.Step(-1))
	assert.Equal(t, eh.StatusZero, r.table.At(1).Status())
	assert.Zero(t, d.Outstanding())
	assert.Zero(t, d.Step(-1))

	assert.Equal(t, uint64(1), d.ReadRegister(eh.RegIntrpStsCmp))
	d.WriteRegister(eh.RegIntrpStsCmp, 1)
	assert.Zero(t, d.ReadRegister(eh.RegIntrpStsCmp), "status registers are write one to clear")

	select {
	case irq := <-d.Interrupts():
		assert.Equal(t, eh.IrqCompletion, irq)
	default:
		t.Fatal("no completion interrupt")
	}
}

func TestStepDisabled(t *testing.T) {
	d := newManual(t, Config{})
	r := setupRing(t, d)
	r.submit(d, 0, textPage())
	d.WriteRegister(eh.RegCDescWrIdx, 1)

	d.WriteRegister(eh.RegCDescCtrl, 0)
	assert.Zero(t, d.Step(-1))
	d.WriteRegister(eh.RegCDescCtrl, eh.CDescCtrlCompressEnable)
	assert.Equal(t, 1, d.Step(-1))
}

func TestDoorbellBoundsCompletion(t *testing.T) {
	d := newManual(t, Config{})
	r := setupRing(t, d)
	for i := range 3 {
		r.submit(d, i, textPage())
	}
	d.WriteRegister(eh.RegCDescWrIdx, 3)

	require.True(t, d.doorbells.Ring(1))
	d.serviceDoorbells()
	assert.Equal(t, eh.StatusCompressed, r.table.At(0).Status())
	assert.Equal(t, eh.StatusPending, r.table.At(1).Status(), "completion stops at the doorbell index")
	assert.Equal(t, 2, d.Outstanding())

	require.True(t, d.doorbells.Ring(3))
	d.serviceDoorbells()
	assert.Zero(t, d.Outstanding())

	// A doorbell behind the complete index completes nothing.
	r.submit(d, 3, textPage())
	d.WriteRegister(eh.RegCDescWrIdx, 4)
	require.True(t, d.doorbells.Ring(1))
	d.serviceDoorbells()
	assert.Equal(t, eh.StatusPending, r.table.At(3).Status())
	assert.Equal(t, 1, d.Outstanding())
}

func TestDoorbellOverflowDrains(t *testing.T) {
	d := newManual(t, Config{})
	r := setupRing(t, d)
	for i := range 3 {
		r.submit(d, i, textPage())
	}
	d.WriteRegister(eh.RegCDescWrIdx, 3)

	// Fill the queue with doorbells that complete nothing, then drop one.
	for range doorbellDepth {
		require.True(t, d.doorbells.Ring(0))
	}
	require.False(t, d.doorbells.Ring(3))

	d.serviceDoorbells()
	assert.Zero(t, d.doorbells.Len())
	assert.Zero(t, d.Outstanding(), "a dropped doorbell forces a full drain")
	for i := range 3 {
		assert.Equal(t, eh.StatusCompressed, r.table.At(i).Status())
	}
	assert.Zero(t, d.doorbells.Overflowed())
}

func TestForceStatusHalts(t *testing.T) {
	d := newManual(t, Config{})
	d.SetInterruptMask(0)
	r := setupRing(t, d)

	d.ForceStatus(1, eh.StatusErrorHalted)
	d.SetErrCond(7)
	for i := range 3 {
		r.submit(d, i, textPage())
	}
	d.WriteRegister(eh.RegCDescWrIdx, 3)

	assert.Equal(t, 2, d.Step(-1), "the halting descriptor completes")
	assert.True(t, d.Halted())
	assert.Equal(t, eh.StatusErrorHalted, r.table.At(1).Status())
	assert.Equal(t, eh.StatusPending, r.table.At(2).Status())
	assert.Equal(t, uint64(7), d.ReadRegister(eh.RegErrCond))
	assert.NotZero(t, d.ReadRegister(eh.RegIntrpStsError))
	assert.Zero(t, d.Step(-1))

	d.WriteRegister(eh.RegCDescCtrl, eh.CDescCtrlFifoReset)
	assert.False(t, d.Halted())
	assert.Zero(t, d.ReadRegister(eh.RegCDescCtrl)&eh.CDescCtrlCompleteIdxMask)
}

func TestGlobalReset(t *testing.T) {
	d := newManual(t, Config{ResetPolls: 2})
	d.SetInterruptMask(0)
	d.WriteRegister(eh.RegCDescCtrl, eh.CDescCtrlCompressEnable)

	d.WriteRegister(eh.RegGCTRL, ^uint64(0))
	assert.NotZero(t, d.ReadRegister(eh.RegGCTRL))
	assert.NotZero(t, d.ReadRegister(eh.RegGCTRL))
	assert.Zero(t, d.ReadRegister(eh.RegGCTRL))
	assert.Zero(t, d.ReadRegister(eh.RegCDescCtrl), "reset disables compression")
	assert.Equal(t, eh.IntrAll, d.InterruptMask(), "reset masks every interrupt")

	d.StickReset(true)
	d.WriteRegister(eh.RegGCTRL, ^uint64(0))
	for range 10 {
		require.NotZero(t, d.ReadRegister(eh.RegGCTRL))
	}
	d.StickReset(false)
	d.ReadRegister(eh.RegGCTRL)
	d.ReadRegister(eh.RegGCTRL)
	assert.Zero(t, d.ReadRegister(eh.RegGCTRL), "reset completes once unstuck")
}

func TestHardwareIdentity(t *testing.T) {
	d := newManual(t, Config{Slots: 3, Buffers: 4})
	assert.Equal(t, uint64(HWID), d.ReadRegister(eh.RegHWID))
	f := d.ReadRegister(eh.RegHWFeatures2)
	assert.Equal(t, 4, eh.Features2BufMax(f))
	assert.Equal(t, 3, eh.Features2DCmds(f))
	assert.Zero(t, d.ReadRegister(0xfff8), "unmapped registers read zero")
}

func decompressCmd(d *Device, slot int, src, dst []byte) {
	d.WriteRegister(eh.RegDCmdCSize(slot), uint64(len(src)))
	d.WriteRegister(eh.RegDCmdBuf(slot, 0), eh.EncodeBuf(d.Translate(src), eh.PageSize))
	d.WriteRegister(eh.RegDCmdDest(slot), eh.EncodeDCmdDest(d.Translate(dst), eh.DCmdPending))
}

func slotStatus(d *Device, slot int) eh.DCmdStatus {
	_, st := eh.DecodeDCmdDest(d.ReadRegister(eh.RegDCmdDest(slot)))
	return st
}

func TestDecompressCommand(t *testing.T) {
	d := newManual(t, Config{Slots: 2})
	text := textPage()
	src := aligned(eh.PageSize, eh.PageSize)
	n := copy(src, Compress(text))
	dst := make([]byte, eh.PageSize)

	decompressCmd(d, 1, src[:n], dst)
	assert.Equal(t, eh.DCmdDecompressed, slotStatus(d, 1))
	assert.Equal(t, text, dst)
	assert.Equal(t, uint64(1<<1), d.ReadRegister(eh.RegIntrpStsDcmp))

	t.Run("stall", func(t *testing.T) {
		clear(dst)
		d.StallDecompress(0)
		decompressCmd(d, 0, src[:n], dst)
		assert.Equal(t, eh.DCmdPending, slotStatus(d, 0))
		d.UnstallDecompress(0)
		assert.Equal(t, eh.DCmdDecompressed, slotStatus(d, 0))
		assert.Equal(t, text, dst)
	})

	t.Run("injected failure", func(t *testing.T) {
		d.FailDecompress(0, true)
		decompressCmd(d, 0, src[:n], dst)
		assert.Equal(t, eh.DCmdError, slotStatus(d, 0))
		d.FailDecompress(0, false)
		decompressCmd(d, 0, src[:n], dst)
		assert.Equal(t, eh.DCmdDecompressed, slotStatus(d, 0))
	})

	t.Run("bad size", func(t *testing.T) {
		d.WriteRegister(eh.RegDCmdCSize(0), 0)
		d.WriteRegister(eh.RegDCmdDest(0), eh.EncodeDCmdDest(d.Translate(dst), eh.DCmdPending))
		assert.Equal(t, eh.DCmdError, slotStatus(d, 0))
	})

	t.Run("unmapped source", func(t *testing.T) {
		d.WriteRegister(eh.RegDCmdCSize(0), 16)
		d.WriteRegister(eh.RegDCmdBuf(0, 0), eh.EncodeBuf(0x40, eh.PageSize))
		d.WriteRegister(eh.RegDCmdDest(0), eh.EncodeDCmdDest(d.Translate(dst), eh.DCmdPending))
		assert.Equal(t, eh.DCmdError, slotStatus(d, 0))
	})
}

func TestWriteLog(t *testing.T) {
	d := newManual(t, Config{})
	d.WriteRegister(eh.RegBusCfg, 5)
	d.WriteRegister(eh.RegCInterpCtrl, 6)

	assert.Equal(t, []Write{{eh.RegBusCfg, 5}, {eh.RegCInterpCtrl, 6}}, d.Writes())
	assert.Equal(t, uint64(5), d.ReadRegister(eh.RegBusCfg))

	d.ClearWrites()
	assert.Empty(t, d.Writes())
}

func TestMaskedInterruptsAreNotRaised(t *testing.T) {
	d := newManual(t, Config{})
	r := setupRing(t, d) // mask is IntrAll after New
	r.submit(d, 0, textPage())
	d.WriteRegister(eh.RegCDescWrIdx, 1)
	require.Equal(t, 1, d.Step(-1))

	select {
	case irq := <-d.Interrupts():
		t.Fatalf("masked interrupt %v raised", irq)
	default:
	}
}
