// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fakedev provides a deterministic in-memory Emerald Hill device.
//
// A [Device] implements [eh.Device] and [eh.InterruptSource] over a
// simulated register file. Device addresses are the addresses of the Go
// buffers passed to Translate, and the device reads and writes those
// buffers directly.
//
// Compression runs in one of two modes. In automatic mode a command
// processor goroutine drains doorbells rung by CDESC_WRIDX writes and
// completes descriptors as soon as they are published. In manual mode
// nothing completes until the test calls [Device.Step]. Decompression
// commands complete synchronously within the DCMD_DEST write unless a
// fault stalls them.
//
// Pages are compressed with LZ4 block encoding.
package fakedev

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/eh"
	"code.hybscloud.com/eh/internal/hwq"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
)

// HWID is the value of the hardware id register.
const HWID = 0x4548_0001

// Default geometry.
const (
	DefaultSlots   = 4
	DefaultBuffers = 2
)

// doorbellDepth is the number of CDESC_WRIDX doorbells the command
// processor queues before it falls back to a full drain.
const doorbellDepth = 64

// Config describes a simulated device.
type Config struct {
	// Slots is the number of decompression command slots (1..255).
	// Zero selects DefaultSlots.
	Slots int

	// Buffers is the number of destination buffers per descriptor reported
	// in HWFEATURES2 (1..4). Zero selects DefaultBuffers.
	Buffers int

	// Manual disables the command processor. Descriptors complete only
	// through Step.
	Manual bool

	// ResetPolls is the number of GCTRL reads that observe a reset in
	// progress before it completes.
	ResetPolls int

	// Logger receives device-side events. Defaults to
	// logrus.StandardLogger().
	Logger logrus.FieldLogger
}

// Write is one recorded register write.
type Write struct {
	Offset uint32
	Value  uint64
}

// Device is a simulated Emerald Hill engine.
type Device struct {
	cfg  Config
	log  logrus.FieldLogger
	regs []atomix.Uint64
	mask atomix.Uint64
	mem  *memory

	// Compression state, guarded by ringMu.
	ringMu     sync.Mutex
	enabled    bool
	halted     bool
	hwComplete uint64
	seq        uint64
	lz4        lz4.Compressor
	scratch    []byte

	resetPolls atomix.Int64

	faults faults

	logMu  sync.Mutex
	writes []Write

	doorbells *hwq.Doorbells
	bell      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	irqs chan eh.Interrupt
}

// New creates a device and, unless cfg.Manual, starts its command
// processor. Call Close to stop it.
func New(cfg Config) *Device {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	cfg.Slots = min(cfg.Slots, eh.MaxDecompressionCmds)
	if cfg.Buffers <= 0 {
		cfg.Buffers = DefaultBuffers
	}
	cfg.Buffers = min(cfg.Buffers, eh.NumDstBuffers)
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	d := &Device{
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "fakedev"),
		regs:      make([]atomix.Uint64, eh.RegDCmdDest(cfg.Slots-1)/8+1),
		mem:       newMemory(),
		scratch:   make([]byte, lz4.CompressBlockBound(eh.PageSize)),
		faults:    newFaults(),
		doorbells: hwq.New(doorbellDepth),
		bell:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		irqs:      make(chan eh.Interrupt, 16),
	}
	d.regs[eh.RegHWID/8].StoreRelaxed(HWID)
	d.regs[eh.RegHWFeatures2/8].StoreRelaxed(eh.Features2(cfg.Buffers, cfg.Slots))
	d.mask.StoreRelaxed(eh.IntrAll)

	if cfg.Manual {
		close(d.done)
	} else {
		go d.run()
	}
	return d
}

// Close stops the command processor. It does not unmap memory.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		<-d.done
	})
	return nil
}

// ReadRegister implements eh.Device.
func (d *Device) ReadRegister(off uint32) uint64 {
	i := int(off / 8)
	if i >= len(d.regs) {
		return 0
	}
	if off == eh.RegGCTRL {
		d.pollReset()
	}
	return d.regs[i].LoadAcquire()
}

// WriteRegister implements eh.Device.
func (d *Device) WriteRegister(off uint32, v uint64) {
	d.record(off, v)
	i := int(off / 8)
	if i >= len(d.regs) {
		d.log.WithField("offset", off).Warn("write to unmapped register")
		return
	}

	if slot, ok := dcmdDest(off); ok {
		d.regs[i].StoreRelease(v)
		if _, st := eh.DecodeDCmdDest(v); st == eh.DCmdPending {
			d.decompress(slot)
		}
		return
	}

	switch {
	case off == eh.RegGCTRL:
		d.startReset(v)
	case off == eh.RegIntrpStsError, off == eh.RegIntrpStsCmp, off == eh.RegIntrpStsDcmp:
		// write one to clear
		for {
			cur := d.regs[i].LoadAcquire()
			if d.regs[i].CompareAndSwapAcqRel(cur, cur&^v) {
				break
			}
		}
	case off == eh.RegCDescCtrl:
		d.writeCtrl(v)
	case off == eh.RegCDescWrIdx:
		d.regs[i].StoreRelease(v)
		d.ring(v)
	default:
		d.regs[i].StoreRelease(v)
	}
}

// Translate implements eh.Device. The buffer stays mapped until every
// translation of it is unmapped.
func (d *Device) Translate(buf []byte) eh.PhysAddr {
	return d.mem.pin(buf)
}

// Unmap implements eh.Unmapper.
func (d *Device) Unmap(addr eh.PhysAddr) {
	d.mem.unpin(addr)
}

// SetInterruptMask implements eh.Device.
func (d *Device) SetInterruptMask(bits uint64) {
	d.mask.StoreRelease(bits)
}

// InterruptMask returns the current interrupt mask.
func (d *Device) InterruptMask() uint64 {
	return d.mask.LoadAcquire()
}

// Interrupts implements eh.InterruptSource.
func (d *Device) Interrupts() <-chan eh.Interrupt {
	return d.irqs
}

// Writes returns a copy of the register write log.
func (d *Device) Writes() []Write {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return append([]Write(nil), d.writes...)
}

// ClearWrites empties the register write log.
func (d *Device) ClearWrites() {
	d.logMu.Lock()
	d.writes = d.writes[:0]
	d.logMu.Unlock()
}

// Mapped returns the number of buffers currently translated.
func (d *Device) Mapped() int {
	return d.mem.mapped()
}

func (d *Device) record(off uint32, v uint64) {
	d.logMu.Lock()
	d.writes = append(d.writes, Write{Offset: off, Value: v})
	d.logMu.Unlock()
}

// raise delivers irq unless its source is masked or the line is saturated.
func (d *Device) raise(irq eh.Interrupt, bit uint64) {
	if d.mask.LoadAcquire()&bit != 0 {
		return
	}
	select {
	case d.irqs <- irq:
	default:
	}
}

func (d *Device) setBits(off uint32, bits uint64) {
	r := &d.regs[off/8]
	for {
		cur := r.LoadAcquire()
		if r.CompareAndSwapAcqRel(cur, cur|bits) {
			return
		}
	}
}

// startReset begins a global reset. The register reads back non-zero for
// ResetPolls reads, or forever when the reset is stuck.
func (d *Device) startReset(v uint64) {
	if v == 0 {
		return
	}
	d.regs[eh.RegGCTRL/8].StoreRelease(v)
	d.resetPolls.StoreRelease(int64(d.cfg.ResetPolls))
	if d.cfg.ResetPolls <= 0 {
		d.pollReset()
	}
}

func (d *Device) pollReset() {
	if d.regs[eh.RegGCTRL/8].LoadAcquire() == 0 || d.faults.stuckReset.LoadAcquire() {
		return
	}
	if d.resetPolls.AddAcqRel(-1) >= 0 {
		return
	}

	d.ringMu.Lock()
	d.enabled = false
	d.halted = false
	d.hwComplete = 0
	d.ringMu.Unlock()
	for _, off := range []uint32{
		eh.RegIntrpStsError, eh.RegIntrpStsCmp, eh.RegIntrpStsDcmp, eh.RegErrCond,
		eh.RegCDescLoc, eh.RegCDescWrIdx, eh.RegCDescCtrl,
	} {
		d.regs[off/8].StoreRelease(0)
	}
	for s := range d.cfg.Slots {
		d.regs[eh.RegDCmdDest(s)/8].StoreRelease(0)
	}
	d.mask.StoreRelease(eh.IntrAll)
	d.regs[eh.RegGCTRL/8].StoreRelease(0)
	d.log.Debug("global reset complete")
}

// writeCtrl applies a CDESC_CTRL write. The complete index field is read
// only; the FIFO reset bit self-clears.
func (d *Device) writeCtrl(v uint64) {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()

	if v&eh.CDescCtrlFifoReset != 0 {
		d.hwComplete = 0
		d.halted = false
		d.regs[eh.RegCDescWrIdx/8].StoreRelease(0)
	}
	d.enabled = v&eh.CDescCtrlCompressEnable != 0
	d.publishCtrl()
}

// publishCtrl stores the CDESC_CTRL value readers observe. Caller holds
// ringMu.
func (d *Device) publishCtrl() {
	v := d.hwComplete & eh.CDescCtrlCompleteIdxMask
	if d.enabled {
		v |= eh.CDescCtrlCompressEnable
	}
	d.regs[eh.RegCDescCtrl/8].StoreRelease(v)
}

// ring rings the command processor doorbell for write index w.
func (d *Device) ring(w uint64) {
	if d.cfg.Manual {
		return
	}
	if !d.doorbells.Ring(w) {
		d.log.WithField("write_index", w).Debug("doorbell overflow")
	}
	select {
	case d.bell <- struct{}{}:
	default:
	}
}

// run is the command processor of automatic mode.
func (d *Device) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-d.bell:
		}
		d.serviceDoorbells()
	}
}

// serviceDoorbells completes descriptors up to each queued doorbell in
// ring order. Dropped doorbells force a drain up to the current write index.
func (d *Device) serviceDoorbells() {
	for {
		w, ok := d.doorbells.Next()
		if !ok {
			break
		}
		d.stepTo(w)
	}
	if n := d.doorbells.Overflowed(); n > 0 {
		d.log.WithField("dropped", n).Debug("draining after doorbell overflow")
		d.Step(-1)
	}
}

var (
	dcmdBase   = eh.RegDCmdCSize(0)
	dcmdStride = eh.RegDCmdCSize(1) - dcmdBase
	dcmdDstOff = eh.RegDCmdDest(0) - dcmdBase
)

// dcmdDest reports whether off is the DCMD_DEST register of a slot.
func dcmdDest(off uint32) (int, bool) {
	if off < dcmdBase {
		return 0, false
	}
	rel := off - dcmdBase
	return int(rel / dcmdStride), rel%dcmdStride == dcmdDstOff
}
