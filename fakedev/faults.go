// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fakedev

import (
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/eh"
)

// DefaultErrCond is the ERR_COND value latched when a descriptor halts the
// ring and no other value was injected.
const DefaultErrCond = 0x1

type faults struct {
	mu sync.Mutex
	// forced holds a status per descriptor sequence number.
	forced map[uint64]eh.Status
	// stalled and failing are keyed by decompression slot.
	stalled map[int]bool
	failing map[int]bool
	errCond uint64

	stuckReset atomix.Bool
}

func newFaults() faults {
	return faults{
		forced:  make(map[uint64]eh.Status),
		stalled: make(map[int]bool),
		failing: make(map[int]bool),
		errCond: DefaultErrCond,
	}
}

// ForceStatus makes the descriptor with sequence number seq complete with
// st regardless of its page. Sequence numbers count descriptors completed
// since the device was created, starting at zero; they are not reset by a
// FIFO or global reset.
func (d *Device) ForceStatus(seq uint64, st eh.Status) {
	d.faults.mu.Lock()
	d.faults.forced[seq] = st
	d.faults.mu.Unlock()
}

// StallDecompress leaves commands on slot PENDING until UnstallDecompress.
func (d *Device) StallDecompress(slot int) {
	d.faults.mu.Lock()
	d.faults.stalled[slot] = true
	d.faults.mu.Unlock()
}

// UnstallDecompress lets slot run again and completes a command left
// PENDING by a stall.
func (d *Device) UnstallDecompress(slot int) {
	d.faults.mu.Lock()
	delete(d.faults.stalled, slot)
	d.faults.mu.Unlock()

	if _, st := eh.DecodeDCmdDest(d.regs[eh.RegDCmdDest(slot)/8].LoadAcquire()); st == eh.DCmdPending {
		d.decompress(slot)
	}
}

// FailDecompress makes every command on slot finish with DCmdError.
func (d *Device) FailDecompress(slot int, fail bool) {
	d.faults.mu.Lock()
	if fail {
		d.faults.failing[slot] = true
	} else {
		delete(d.faults.failing, slot)
	}
	d.faults.mu.Unlock()
}

// CorruptDescriptor overwrites the status of ring descriptor idx, as a
// device that wrote to a descriptor software still owns.
func (d *Device) CorruptDescriptor(idx int, st eh.Status) error {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()

	base, colorMask := d.geometry()
	if idx < 0 || uint64(idx) > colorMask>>1 {
		return fmt.Errorf("fakedev: descriptor %d outside ring of %d", idx, colorMask>>1+1)
	}
	raw, err := d.mem.resolve(base+eh.PhysAddr(uint64(idx)*eh.DescSize), eh.DescSize)
	if err != nil {
		return err
	}
	eh.Desc(raw).SetStatus(st)
	return nil
}

// StickReset makes a global reset never complete.
func (d *Device) StickReset(stuck bool) {
	d.faults.stuckReset.StoreRelease(stuck)
}

// SetErrCond sets the ERR_COND value latched on the next ring halt.
func (d *Device) SetErrCond(v uint64) {
	d.faults.mu.Lock()
	d.faults.errCond = v
	d.faults.mu.Unlock()
}

func (f *faults) forcedStatus(seq uint64) (eh.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.forced[seq]
	return st, ok
}

func (f *faults) slot(slot int) (stalled, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled[slot], f.failing[slot]
}

func (f *faults) cond() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errCond
}
