// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"github.com/sirupsen/logrus"
)

// State returns the lifecycle state. A ready engine whose ring hit a fatal
// error reports StateHalted.
func (e *Engine[T]) State() State {
	s := State(e.state.LoadAcquire())
	if s == StateReady && e.halted.LoadAcquire() {
		return StateHalted
	}
	return s
}

// lockAll takes the admission lock, then every slot lock in index order.
func (e *Engine[T]) lockAll() {
	e.prodMu.Lock()
	for i := range e.slots {
		e.slots[i].mu.Lock()
	}
}

func (e *Engine[T]) unlockAll() {
	for i := len(e.slots) - 1; i >= 0; i-- {
		e.slots[i].mu.Unlock()
	}
	e.prodMu.Unlock()
}

// busy reports whether any compression or decompression is outstanding.
// Caller holds every lock.
//
// The reaper retires a slot before it publishes the complete index that
// covers it, so a zero in-flight count alone does not mean the reaper is
// done with the ring.
func (e *Engine[T]) busy() bool {
	if e.inflight.LoadAcquire() != 0 {
		return true
	}
	if e.writeIndex.LoadAcquire() != e.completeIndex.LoadAcquire() {
		return true
	}
	for i := range e.slots {
		if e.slots[i].busy {
			return true
		}
	}
	return false
}

// Suspend quiesces the device: interrupts masked and compression disabled.
//
// Suspend refuses with [ErrBusy] and touches no register when any
// compression is in flight or any decompression slot is busy. Suspending a
// suspended engine is a no-op.
func (e *Engine[T]) Suspend() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.lockAll()
	defer e.unlockAll()

	switch State(e.state.LoadAcquire()) {
	case StateSuspended:
		return nil
	case StateClosed:
		return ErrSuspended
	}
	if e.busy() {
		e.log.WithField("inflight", e.inflight.LoadAcquire()).Info("suspend refused, work in flight")
		return ErrBusy
	}

	e.dev.SetInterruptMask(IntrAll)
	e.dev.WriteRegister(RegCDescCtrl, 0)
	e.state.StoreRelease(int32(StateSuspended))
	e.log.Info("engine suspended")
	return nil
}

// Resume re-initializes the ring of a suspended engine and re-enables
// interrupts. The reaper re-reads the device complete index immediately.
func (e *Engine[T]) Resume() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.lockAll()
	defer e.unlockAll()

	switch State(e.state.LoadAcquire()) {
	case StateReady:
		return nil
	case StateClosed:
		return ErrSuspended
	}

	if err := e.fifoInit(); err != nil {
		e.log.WithError(err).Error("resume failed")
		return err
	}
	e.dev.SetInterruptMask(intrRunning)
	e.state.StoreRelease(int32(StateReady))
	e.kick()
	e.log.Info("engine resumed")
	return nil
}

// Reset re-initializes the device and the ring, clearing a halt.
//
// Reset requires the engine to be idle: it returns [ErrBusy] while any work
// is outstanding and [ErrSuspended] if the engine is suspended or closed.
// If the device fails to come back the ring stays halted.
func (e *Engine[T]) Reset() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if State(e.state.LoadAcquire()) != StateReady {
		return ErrSuspended
	}

	// A reaper in halt recovery needs prodMu, so it is stopped first.
	e.stopReaper()
	defer e.startReaper()

	e.lockAll()
	defer e.unlockAll()

	if e.busy() {
		return ErrBusy
	}

	e.dev.SetInterruptMask(IntrAll)
	err := e.reset()
	if err == nil {
		err = e.fifoInit()
	}
	if err != nil {
		e.halted.StoreRelease(true)
		e.log.WithError(err).Error("reset failed, ring stays halted")
		return err
	}
	// Descriptors the device finished after a consistency halt may still
	// carry a status.
	for i := range e.fifo.Len() {
		e.fifo.At(i).Clear()
	}
	e.dev.SetInterruptMask(intrRunning)
	e.haltReq.StoreRelease(false)
	e.halted.StoreRelease(false)
	e.log.Info("engine reset")
	return nil
}

// Close stops the engine. Requests still in flight complete with
// StatusErrorHalted and blocked producers return [ErrSuspended]. Close waits
// for running decompressions to finish. Closing twice is a no-op.
func (e *Engine[T]) Close() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if State(e.state.LoadAcquire()) == StateClosed {
		return nil
	}

	e.stopReaper()
	if e.irq != nil {
		e.irq.halt()
		e.irq = nil
	}

	e.lockAll()
	e.dev.SetInterruptMask(IntrAll)
	e.dev.WriteRegister(RegCDescCtrl, 0)
	e.state.StoreRelease(int32(StateClosed))
	close(e.closing)
	w := e.writeIndex.LoadRelaxed()
	e.unlockAll()

	n := e.abortIncomplete(w)
	e.clearCongested()
	e.log.WithFields(logrus.Fields{"aborted": n}).Info("engine closed")
	return nil
}
