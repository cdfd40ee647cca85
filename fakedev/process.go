// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fakedev

import (
	"code.hybscloud.com/eh"
	"github.com/sirupsen/logrus"
)

// cdescLocSizeMask extracts log2(fifo size) from CDESC_LOC.
const cdescLocSizeMask = 0x3f

// Step completes up to n published descriptors in ring order and returns
// how many it completed. A negative n completes everything published.
// Nothing completes while compression is disabled or the ring is halted.
func (d *Device) Step(n int) int {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	return d.advance(n)
}

// stepTo completes descriptors until the hardware complete index reaches
// write index w. A doorbell for an index already passed, or left behind by
// a FIFO reset, completes nothing.
func (d *Device) stepTo(w uint64) int {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()

	_, colorMask := d.geometry()
	n := (w - d.hwComplete) & colorMask
	if n > colorMask>>1+1 {
		return 0
	}
	return d.advance(int(n))
}

// advance completes up to n descriptors and raises the completion
// interrupt if any completed. Caller holds ringMu.
func (d *Device) advance(n int) int {
	done := 0
	for n < 0 || done < n {
		if !d.completeOne() {
			break
		}
		done++
	}
	if done > 0 {
		d.setBits(eh.RegIntrpStsCmp, 1)
		d.raise(eh.IrqCompletion, eh.IntrCompression)
	}
	return done
}

// Outstanding returns the number of published descriptors not yet
// completed.
func (d *Device) Outstanding() int {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	_, colorMask := d.geometry()
	w := d.regs[eh.RegCDescWrIdx/8].LoadAcquire()
	return int((w - d.hwComplete) & colorMask)
}

// Halted reports whether a descriptor halted the ring.
func (d *Device) Halted() bool {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	return d.halted
}

// geometry decodes the ring size from CDESC_LOC. Caller holds ringMu.
func (d *Device) geometry() (base eh.PhysAddr, colorMask uint64) {
	loc := d.regs[eh.RegCDescLoc/8].LoadAcquire()
	size := uint64(1) << (loc & cdescLocSizeMask)
	return eh.PhysAddr(loc &^ cdescLocSizeMask), size<<1 - 1
}

// completeOne completes the descriptor at the hardware complete index.
// Caller holds ringMu.
func (d *Device) completeOne() bool {
	if !d.enabled || d.halted {
		return false
	}
	base, colorMask := d.geometry()
	w := d.regs[eh.RegCDescWrIdx/8].LoadAcquire() & colorMask
	c := d.hwComplete
	if c == w {
		return false
	}

	idx := c & (colorMask >> 1)
	raw, err := d.mem.resolve(base+eh.PhysAddr(idx*eh.DescSize), eh.DescSize)
	if err != nil {
		d.log.WithError(err).Error("descriptor table not mapped")
		d.halt()
		return false
	}
	desc := eh.Desc(raw)

	st := d.process(idx, desc)
	desc.SetStatus(st)
	if st == eh.StatusErrorHalted {
		d.halt()
	}

	d.seq++
	d.hwComplete = (c + 1) & colorMask
	d.publishCtrl()
	return true
}

// process runs one descriptor and fills its result fields.
func (d *Device) process(idx uint64, desc eh.Desc) eh.Status {
	src := desc.Src()
	desc.SetComprLen(0)
	desc.SetBufSel(0)
	if st, ok := d.faults.forcedStatus(d.seq); ok {
		d.log.WithFields(logrus.Fields{"desc": idx, "status": st}).Debug("forced status")
		return st
	}
	if desc.Status() != eh.StatusPending {
		return desc.Status()
	}

	page, err := d.mem.resolve(src, eh.PageSize)
	if err != nil {
		d.log.WithError(err).WithField("desc", idx).Warn("source page not mapped")
		return eh.StatusErrorContinue
	}
	bufs := make([]dstBuffer, 0, eh.NumDstBuffers)
	for i := range min(desc.MaxBuf(), eh.NumDstBuffers) {
		addr, size := eh.DecodeBuf(desc.Dst(i))
		if size == 0 {
			break
		}
		bufs = append(bufs, dstBuffer{addr: addr, size: size})
	}

	out, err := d.compressPage(page, bufs)
	if err != nil {
		d.log.WithError(err).WithField("desc", idx).Warn("compression failed")
		return eh.StatusErrorContinue
	}
	desc.SetComprLen(uint32(out.n))
	desc.SetBufSel(out.bufSel)
	return out.status
}

// halt stops the ring and latches the error condition. Caller holds ringMu.
func (d *Device) halt() {
	d.halted = true
	d.regs[eh.RegErrCond/8].StoreRelease(d.faults.cond())
	d.setBits(eh.RegIntrpStsError, 1)
	d.raise(eh.IrqError, eh.IntrError)
}

// decompress runs the command programmed into slot.
func (d *Device) decompress(slot int) {
	stalled, failing := d.faults.slot(slot)
	if stalled {
		return
	}

	destReg := &d.regs[eh.RegDCmdDest(slot)/8]
	dstAddr, _ := eh.DecodeDCmdDest(destReg.LoadAcquire())
	csize := int(d.regs[eh.RegDCmdCSize(slot)/8].LoadAcquire())
	srcAddr, bufSize := eh.DecodeBuf(d.regs[eh.RegDCmdBuf(slot, 0)/8].LoadAcquire())

	st := eh.DCmdDecompressed
	if failing {
		st = eh.DCmdError
	} else if err := d.runDecompress(srcAddr, bufSize, csize, dstAddr); err != nil {
		d.log.WithError(err).WithField("slot", slot).Warn("decompression failed")
		st = eh.DCmdError
	}

	destReg.StoreRelease(eh.EncodeDCmdDest(dstAddr, st))
	d.setBits(eh.RegIntrpStsDcmp, 1<<uint(slot%64))
}

func (d *Device) runDecompress(srcAddr eh.PhysAddr, bufSize, csize int, dstAddr eh.PhysAddr) error {
	if csize <= 0 || csize > bufSize {
		return errBadCommand
	}
	src, err := d.mem.resolve(srcAddr, csize)
	if err != nil {
		return err
	}
	dst, err := d.mem.resolve(dstAddr, eh.PageSize)
	if err != nil {
		return err
	}
	return decompressPage(src, dst)
}
