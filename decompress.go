// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"code.hybscloud.com/spin"
	"github.com/sirupsen/logrus"
)

// minZeroCopyAlign is the smallest source alignment the device can read in
// place.
const minZeroCopyAlign = 64

// dslot is one decompression command channel.
//
// busy is set while the device owns the slot. It survives a poll timeout
// and is cleared by the next caller that finds the device no longer PENDING.
// src and dst are the translations the outstanding command references.
type dslot struct {
	mu       sync.Mutex
	busy     bool
	bounce   []byte
	src, dst PhysAddr
	_        pad
}

// release drops the translations of the finished command.
func (e *Engine[T]) release(s *dslot) {
	e.unmap(s.src)
	e.unmap(s.dst)
	s.src, s.dst = 0, 0
	s.busy = false
}

func (e *Engine[T]) initDecompression(n int) {
	e.slots = make([]dslot, n)
	for i := range e.slots {
		e.slots[i].bounce = e.alignedBuf(PageSize, PageSize)
	}
}

// Decompress expands src into the page dst using the slot assigned to
// caller (caller modulo [Engine.SlotCount]).
//
// Callers with distinct identities below SlotCount never share a slot, so
// [ErrBusy] is only reachable when more callers than slots are active or a
// previous command on the slot timed out.
//
// Decompress blocks for the device round trip, bounded by the poll timeout.
// Returns [ErrSuspended], [ErrBusy], [ErrTimeout], [ErrHardware], or
// [ErrInvalid].
func (e *Engine[T]) Decompress(caller int, src, dst []byte) error {
	if caller < 0 {
		return fmt.Errorf("%w: caller %d", ErrInvalid, caller)
	}
	return e.DecompressSlot(caller%len(e.slots), src, dst)
}

// DecompressSlot is like [Engine.Decompress] on an explicit slot.
//
// src is used in place when its device address is aligned to at least 64
// bytes and the alignment covers len(src); otherwise it is copied into the
// slot's bounce page first.
func (e *Engine[T]) DecompressSlot(slot int, src, dst []byte) error {
	if slot < 0 || slot >= len(e.slots) {
		return fmt.Errorf("%w: slot %d of %d", ErrInvalid, slot, len(e.slots))
	}
	if len(src) == 0 || len(src) > PageSize {
		return fmt.Errorf("%w: compressed size %d", ErrInvalid, len(src))
	}
	if len(dst) != PageSize {
		return fmt.Errorf("%w: destination is %d bytes", ErrInvalid, len(dst))
	}

	s := &e.slots[slot]
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(e.state.LoadAcquire()) != StateReady {
		e.log.Warn("decompress request when suspended")
		return ErrSuspended
	}
	if s.busy {
		if _, st := DecodeDCmdDest(e.dev.ReadRegister(RegDCmdDest(slot))); st == DCmdPending {
			e.log.WithField("slot", slot).Warn("decompression slot busy")
			return ErrBusy
		}
		e.release(s)
	}

	s.busy = true
	start := time.Now()
	e.setupDCmd(slot, s, src, dst)

	st, ok := e.pollDCmd(slot, start)
	if !ok {
		e.log.WithFields(logrus.Fields{
			"slot":    slot,
			"timeout": e.opts.pollTimeout,
		}).Error("decompression timed out")
		e.dumpRegs()
		return fmt.Errorf("%w: slot %d", ErrTimeout, slot)
	}
	e.release(s)
	e.stats[EventDecompressPoll].record(time.Since(start))

	if st != DCmdDecompressed {
		e.log.WithFields(logrus.Fields{
			"slot":   slot,
			"status": st,
		}).Error("decompression failed")
		e.dumpRegs()
		return fmt.Errorf("%w: slot %d status %v", ErrHardware, slot, st)
	}
	return nil
}

// setupDCmd programs slot and hands it to the device. The DCMD_DEST write
// carrying PENDING is last.
func (e *Engine[T]) setupDCmd(slot int, s *dslot, src, dst []byte) {
	addr := e.dev.Translate(src)
	align := min(1<<bits.TrailingZeros64(uint64(addr)), PageSize)
	if align < minZeroCopyAlign || len(src) > align {
		e.unmap(addr)
		n := copy(s.bounce, src)
		clear(s.bounce[n:])
		addr = e.dev.Translate(s.bounce)
		align = PageSize
		e.bounceCopies.AddAcqRel(1)
	}
	s.src = addr
	s.dst = e.dev.Translate(dst)

	e.dev.WriteRegister(RegDCmdCSize(slot), uint64(len(src)))
	e.dev.WriteRegister(RegDCmdBuf(slot, 0), EncodeBuf(addr, align))
	for n := 1; n < NumDstBuffers; n++ {
		e.dev.WriteRegister(RegDCmdBuf(slot, n), 0)
	}
	e.dev.WriteRegister(RegDCmdDest(slot), EncodeDCmdDest(s.dst, DCmdPending))
}

// pollDCmd spins until slot leaves PENDING or the poll timeout expires.
// The status is read before the deadline is checked so a command that
// finishes on the last iteration is not reported as a timeout.
func (e *Engine[T]) pollDCmd(slot int, start time.Time) (DCmdStatus, bool) {
	deadline := start.Add(e.opts.pollTimeout)
	sw := spin.Wait{}
	for {
		_, st := DecodeDCmdDest(e.dev.ReadRegister(RegDCmdDest(slot)))
		if st != DCmdPending {
			return st, true
		}
		if time.Now().After(deadline) {
			return st, false
		}
		sw.Once()
	}
}
