// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// Compress submits one page for compression.
//
// Compress returns once the page is on the ring; the outcome arrives later
// through the bound [CompletionFunc], exactly once and in submission order.
// The device reads page asynchronously, so the caller must not modify it
// until the completion for token has been delivered.
//
// When the ring is full Compress does not fail: it waits for the reaper to
// free a slot, in slices of at most the congestion slice, and retries
// admission from scratch. The wait ends early when ctx is done (ctx.Err() is
// returned) or the engine is closed ([ErrSuspended]).
//
// Returns [ErrSuspended] if the engine is suspended or closed, [ErrHalted]
// if the ring hit a fatal error, and [ErrInvalid] if page is not exactly
// [PageSize] bytes.
//
// Safe for concurrent use by multiple producers.
func (e *Engine[T]) Compress(ctx context.Context, page []byte, token T) error {
	if len(page) != PageSize {
		return fmt.Errorf("%w: page is %d bytes", ErrInvalid, len(page))
	}

	var slice backoff.BackOff
	for {
		e.prodMu.Lock()

		if err := e.admissible(); err != nil {
			e.prodMu.Unlock()
			return err
		}

		w := e.writeIndex.LoadRelaxed()
		newWrite := (w + 1) & e.colorMask
		if e.full(newWrite) {
			// Register as a waiter before the final check so a completion
			// reaped after it closes the channel we wait on.
			e.congWaiters.Add(1)
			ch := e.congestion()
			if !e.full(newWrite) {
				e.congWaiters.Add(-1)
				e.prodMu.Unlock()
				continue
			}
			e.prodMu.Unlock()

			runtime.Gosched()
			if slice == nil {
				slice = backoff.WithContext(backoff.NewConstantBackOff(e.opts.congestionSlice), ctx)
			}
			err := e.congestionWait(ctx, ch, slice)
			e.congWaiters.Add(-1)
			if err != nil {
				return err
			}
			continue
		}

		masked := int(w & e.indexMask)
		d := e.fifo.At(masked)
		if st := d.Status(); st != StatusIdle {
			// Software and device disagree on ring ownership. Stop the
			// device and let the reaper fail what is outstanding.
			e.halted.StoreRelease(true)
			e.haltReq.StoreRelease(true)
			e.dev.WriteRegister(RegCDescCtrl, 0)
			e.prodMu.Unlock()
			e.log.WithFields(logrus.Fields{
				"desc":   masked,
				"status": st,
			}).Error("admitted descriptor is not idle, ring halted")
			e.dumpRegs()
			e.kick()
			return fmt.Errorf("%w: descriptor %d is %v", ErrHalted, masked, st)
		}

		e.log.WithField("desc", w).Debug("submit 1 page")

		// Destinations and max_buf were written once at init.
		d.SetSrc(e.dev.Translate(page))
		d.SetStatus(StatusPending)

		c := &e.completions[masked]
		c.token = token
		c.submitted = time.Now()

		e.inflight.AddAcqRel(1)
		e.kick()

		// The release store orders the descriptor and completion writes
		// before the index is published to the device.
		e.writeIndex.StoreRelease(newWrite)
		e.dev.WriteRegister(RegCDescWrIdx, newWrite)
		e.prodMu.Unlock()
		return nil
	}
}

// admissible reports why the ring cannot take work. Caller holds prodMu.
func (e *Engine[T]) admissible() error {
	switch State(e.state.LoadAcquire()) {
	case StateReady:
	case StateSuspended:
		e.log.Warn("compress request when suspended")
		return ErrSuspended
	default:
		return ErrSuspended
	}
	if e.halted.LoadAcquire() {
		return ErrHalted
	}
	return nil
}

// full reports whether advancing the write index to newWrite would exceed
// the ring capacity.
func (e *Engine[T]) full(newWrite uint64) bool {
	complete := e.completeIndex.LoadAcquire()
	return (newWrite-complete)&e.colorMask > e.size
}

// congestion returns the channel closed by the next reaped completion.
func (e *Engine[T]) congestion() <-chan struct{} {
	e.congMu.Lock()
	ch := e.congCh
	e.congMu.Unlock()
	return ch
}

// clearCongested wakes every producer blocked in the congestion wait.
func (e *Engine[T]) clearCongested() {
	if e.congWaiters.Load() == 0 {
		return
	}
	e.congMu.Lock()
	close(e.congCh)
	e.congCh = make(chan struct{})
	e.congMu.Unlock()
}

// congestionWait blocks for at most one slice of policy.
func (e *Engine[T]) congestionWait(ctx context.Context, ch <-chan struct{}, policy backoff.BackOff) error {
	d := policy.NextBackOff()
	if d == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The deadline is closer than one slice: wait on it directly.
		d = time.Second
		if dl, ok := ctx.Deadline(); ok {
			d = max(time.Until(dl), 0)
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closing:
		return ErrSuspended
	}
}
