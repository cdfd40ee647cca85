// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"time"

	"code.hybscloud.com/iox"
	"github.com/sirupsen/logrus"
)

// startReaper launches the completion goroutine. Caller holds lifeMu or is
// Attach.
func (e *Engine[T]) startReaper() {
	e.reaper = newWorker()
	go e.runReaper(e.reaper)
}

// stopReaper stops the completion goroutine and waits for it to exit.
// It must not be called with prodMu held: a reaper in halt recovery takes it.
func (e *Engine[T]) stopReaper() {
	if e.reaper == nil {
		return
	}
	e.reaper.halt()
	e.reaper = nil
}

// runReaper is the completion loop. It sleeps on the wake channel while
// nothing is in flight and polls the device complete index otherwise.
func (e *Engine[T]) runReaper(w *worker) {
	defer close(w.done)

	bo := iox.Backoff{}
	for {
		if e.haltReq.LoadAcquire() {
			// Compression is already disabled; reap what the device
			// finished before failing the rest.
			e.haltReq.StoreRelease(false)
			e.updateCompleteIndex()
			e.recoverHalt()
			return
		}
		if e.inflight.LoadAcquire() == 0 {
			select {
			case <-w.stop:
				return
			case <-e.wake:
			}
			bo.Reset()
			continue
		}

		select {
		case <-w.stop:
			return
		default:
		}

		progress, halt := e.updateCompleteIndex()
		if halt {
			e.recoverHalt()
			return
		}
		if progress {
			bo.Reset()
			continue
		}
		bo.Wait()
	}
}

// updateCompleteIndex reaps every descriptor between the local complete
// index and the one reported by the device.
func (e *Engine[T]) updateCompleteIndex() (progress, halt bool) {
	hw := e.dev.ReadRegister(RegCDescCtrl) & CDescCtrlCompleteIdxMask & e.colorMask
	c := e.completeIndex.LoadRelaxed()
	if hw == c {
		return false, false
	}

	w := e.writeIndex.LoadAcquire()
	if (hw-c)&e.colorMask > (w-c)&e.colorMask {
		e.log.WithFields(logrus.Fields{
			"hw_complete":    hw,
			"complete_index": c,
			"write_index":    w,
		}).Error("device complete index beyond write index")
		e.dumpRegs()
		return false, true
	}

	for c != hw {
		fatal := e.processDescriptor(c)
		c = (c + 1) & e.colorMask
		// Publishing after the descriptor reset lets a producer that
		// observes the new index rely on the slot being IDLE. The in-flight
		// count drops only once the index covers the slot.
		e.completeIndex.StoreRelease(c)
		e.inflight.AddAcqRel(-1)
		e.clearCongested()
		if fatal {
			return true, true
		}
	}
	return true, false
}

// processDescriptor delivers the outcome of the descriptor at idx and
// returns it to IDLE. It reports whether the ring must halt.
func (e *Engine[T]) processDescriptor(idx uint64) (fatal bool) {
	m := int(idx & e.indexMask)
	d := e.fifo.At(m)
	comp := &e.completions[m]
	st := d.Status()
	e.stats[EventCompress].record(time.Since(comp.submitted))

	switch st {
	case StatusCopied, StatusCompressed:
		data, size, ok := e.result(m, d)
		if !ok {
			e.log.WithFields(logrus.Fields{
				"desc":    idx,
				"len":     d.ComprLen(),
				"buf_sel": d.BufSel(),
			}).Error("compressed data outside destination buffer")
			e.deliver(StatusErrorContinue, nil, 0, comp.token)
			break
		}
		e.deliver(st, data, size, comp.token)
	case StatusZero, StatusAborted:
		e.deliver(st, nil, 0, comp.token)
	case StatusErrorContinue:
		e.log.WithField("desc", idx).Warn("compression error, ring continues")
		e.deliver(st, nil, 0, comp.token)
	case StatusErrorHalted:
		e.log.WithField("desc", idx).Error("compression error, ring halted")
		e.deliver(st, nil, 0, comp.token)
		fatal = true
	default:
		// Completed per the device but not per the descriptor.
		e.log.WithFields(logrus.Fields{
			"desc":   idx,
			"status": st,
		}).Error("descriptor not complete at completed index")
		e.deliver(StatusErrorHalted, nil, 0, comp.token)
		fatal = true
	}

	e.retire(m)
	return fatal
}

// result returns the view of the destination buffer holding the outcome of
// descriptor m.
func (e *Engine[T]) result(m int, d Desc) ([]byte, uint32, bool) {
	buf := e.comprBufs[m]
	off := 0
	if d.BufSel() == 2 {
		off = PageSize / 2
	}
	size := d.ComprLen()
	if off+int(size) > len(buf) {
		return nil, 0, false
	}
	return buf[off : off+int(size) : off+int(size)], size, true
}

// retire returns slot m to software ownership with no residue of the
// previous request. The caller publishes the complete index past m.
func (e *Engine[T]) retire(m int) {
	d := e.fifo.At(m)
	e.unmap(d.Src())
	d.Clear()

	var zero T
	e.completions[m] = completion[T]{token: zero}
}

// recoverHalt stops admission and completes every outstanding request with
// StatusErrorHalted. The ring stays halted until Reset.
func (e *Engine[T]) recoverHalt() {
	e.prodMu.Lock()
	e.halted.StoreRelease(true)
	w := e.writeIndex.LoadRelaxed()
	e.prodMu.Unlock()

	cond := e.dev.ReadRegister(RegErrCond)
	e.log.WithField("err_cond", cond).Error("compression ring halted")
	e.dumpRegs()

	n := e.abortIncomplete(w)
	if n > 0 {
		e.log.WithField("aborted", n).Warn("synthesized halted completions")
	}
	e.clearCongested()
}

// abortIncomplete delivers StatusErrorHalted for every index in
// [complete_index, w) and retires the slots. The device must no longer be
// advancing the complete index.
func (e *Engine[T]) abortIncomplete(w uint64) int {
	c := e.completeIndex.LoadRelaxed()
	n := 0
	for c != w {
		m := int(c & e.indexMask)
		e.deliver(StatusErrorHalted, nil, 0, e.completions[m].token)
		e.retire(m)
		c = (c + 1) & e.colorMask
		e.completeIndex.StoreRelease(c)
		e.inflight.AddAcqRel(-1)
		n++
	}
	return n
}
