// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/cenkalti/backoff"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Engine drives one Emerald Hill device.
//
// Compression is asynchronous: [Engine.Compress] places a page on the
// descriptor ring and the engine's reaper goroutine delivers the outcome to
// the bound [CompletionFunc] in submission order. Decompression is
// synchronous: [Engine.Decompress] programs a command slot and polls it.
//
// T is the caller's per-request token type.
type Engine[T any] struct {
	id   xid.ID
	dev  Device
	opts Options
	log  logrus.FieldLogger

	// Producer side. writeIndex is only written under prodMu.
	_          pad
	prodMu     sync.Mutex
	writeIndex atomix.Uint64
	_          pad
	// Consumer side. Only the reaper (or a quiesced lifecycle path)
	// writes completeIndex and resets descriptors.
	completeIndex atomix.Uint64
	_             pad
	inflight      atomix.Int64
	_             pad

	state  atomix.Int32 // State; changed with every lock held
	halted atomix.Bool
	// haltReq asks the reaper to run halt recovery for a fault found at
	// admission.
	haltReq atomix.Bool

	size      uint64 // N
	indexMask uint64 // N - 1
	colorMask uint64 // 2N - 1
	fifo      DescTable
	fifoAddr  PhysAddr

	completions []completion[T]
	comprBufs   [][]byte

	slots        []dslot
	bounceCopies atomix.Uint64

	callback atomic.Pointer[CompletionFunc[T]]

	wake    chan struct{} // reaper wakeup, capacity 1
	closing chan struct{} // closed by Close
	reaper  *worker
	irq     *worker

	congMu      sync.Mutex
	congCh      chan struct{}
	congWaiters atomix.Int32

	lifeMu sync.Mutex // serializes Suspend, Resume, Reset and Close

	stats [numEventTypes]latency
}

// completion is the software half of a ring slot.
type completion[T any] struct {
	token     T
	submitted time.Time
}

// worker is a stoppable background goroutine.
type worker struct {
	stop chan struct{}
	done chan struct{}
}

func newWorker() *worker {
	return &worker{stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *worker) halt() {
	close(w.stop)
	<-w.done
}

var errResetPending = errors.New("eh: reset pending")

// Attach brings up dev and returns a ready engine.
//
// Attach validates the builder, reads the device feature register, allocates
// the descriptor ring and decompression slots, resets the device (unless
// SkipGlobalReset), enables the ring and starts the reaper. On error nothing
// is left running.
//
// The returned engine has no completion callback; bind one with
// [Engine.Bind] or hand the engine to a [Registry].
func Attach[T any](dev Device, b *Builder) (*Engine[T], error) {
	opts := b.opts
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.logger == nil {
		opts.logger = logrus.StandardLogger()
	}

	e := &Engine[T]{
		id:        xid.New(),
		dev:       dev,
		opts:      opts,
		size:      uint64(opts.capacity),
		indexMask: uint64(opts.capacity) - 1,
		colorMask: uint64(opts.capacity)<<1 - 1,
		wake:      make(chan struct{}, 1),
		closing:   make(chan struct{}),
		congCh:    make(chan struct{}),
	}
	e.log = opts.logger.WithFields(logrus.Fields{
		"component": "eh",
		"engine":    e.id.String(),
	})

	if err := e.hwInit(); err != nil {
		e.log.WithError(err).Error("failed to init hardware")
		return nil, err
	}
	e.swInit()

	e.log.WithFields(logrus.Fields{
		"fifo_size": opts.capacity,
		"slots":     len(e.slots),
	}).Info("engine attached")
	return e, nil
}

func (e *Engine[T]) hwInit() error {
	feature := e.dev.ReadRegister(RegHWFeatures2)
	bufMax := Features2BufMax(feature)
	dcmds := Features2DCmds(feature)
	if bufMax == 0 || dcmds == 0 {
		return fmt.Errorf("%w: features2 %#x", ErrConfig, feature)
	}
	if e.opts.dstBuffer3K && bufMax < 2 {
		return fmt.Errorf("%w: 3K destination needs 2 buffers, device has %d", ErrConfig, bufMax)
	}

	e.initCompression()
	e.initDecompression(dcmds)

	if err := e.reset(); err != nil {
		return err
	}
	if err := e.fifoInit(); err != nil {
		return err
	}
	e.dev.SetInterruptMask(intrRunning)
	return nil
}

func (e *Engine[T]) swInit() {
	for i := range e.stats {
		e.stats[i].reset()
	}
	e.state.StoreRelease(int32(StateReady))
	e.startReaper()

	if src, ok := e.dev.(InterruptSource); ok {
		e.irq = newWorker()
		go e.handleInterrupts(src.Interrupts(), e.irq)
	}
}

// alignedBuf returns a size-byte buffer whose device address is aligned to
// align bytes.
func (e *Engine[T]) alignedBuf(size, align int) []byte {
	raw := make([]byte, size+align)
	base := e.dev.Translate(raw)
	off := int(-uint64(base) & uint64(align-1))
	return raw[off : off+size : off+size]
}

// initCompression allocates the ring and writes the descriptor fields that
// never change afterwards.
func (e *Engine[T]) initCompression() {
	n := int(e.size)
	e.fifo = DescTable(e.alignedBuf(n*DescSize, DescSize))
	e.fifoAddr = e.dev.Translate(e.fifo)
	e.completions = make([]completion[T], n)
	e.comprBufs = make([][]byte, n)

	for i := range n {
		buf := e.alignedBuf(PageSize, PageSize)
		e.comprBufs[i] = buf
		addr := e.dev.Translate(buf)

		d := e.fifo.At(i)
		if e.opts.dstBuffer3K {
			// buffer 1: first 2KB of the page, buffer 2: the next 1KB
			d.SetMaxBuf(2)
			d.SetDst(0, EncodeBuf(addr, PageSize/2))
			d.SetDst(1, EncodeBuf(addr+PageSize/2, PageSize/4))
		} else {
			d.SetMaxBuf(1)
			d.SetDst(0, EncodeBuf(addr, PageSize))
			d.SetDst(1, 0)
		}
		for j := 2; j < NumDstBuffers; j++ {
			d.SetDst(j, 0)
		}
	}
}

// reset runs the global reset sequence: write all-ones to GCTRL and wait
// for the device to clear it.
func (e *Engine[T]) reset() error {
	if e.opts.skipGlobalReset {
		return nil
	}

	e.dev.WriteRegister(RegGCTRL, ^uint64(0))
	op := func() error {
		if e.dev.ReadRegister(RegGCTRL) != 0 {
			return errResetPending
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(resetWaitInterval), maxResetWait)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: global reset did not complete", ErrTimeout)
	}
	return nil
}

// fifoInit resets the hardware and software ring indices, programs the ring
// location and size, and enables compression.
func (e *Engine[T]) fifoInit() error {
	e.dev.WriteRegister(RegCDescCtrl, CDescCtrlFifoReset)
	op := func() error {
		if e.dev.ReadRegister(RegCDescCtrl)&CDescCtrlFifoReset != 0 {
			return errResetPending
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Microsecond), maxResetWait*10)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: fifo reset did not complete", ErrTimeout)
	}

	e.writeIndex.StoreRelease(0)
	e.completeIndex.StoreRelease(0)

	e.dev.WriteRegister(RegCDescLoc, uint64(e.fifoAddr)|uint64(bits.TrailingZeros64(e.size)))
	e.dev.WriteRegister(RegCDescCtrl, CDescCtrlCompressEnable)
	return nil
}

// ID returns the engine's unique identifier.
func (e *Engine[T]) ID() xid.ID {
	return e.id
}

// Cap returns the ring capacity.
func (e *Engine[T]) Cap() int {
	return int(e.size)
}

// SlotCount returns the number of decompression command slots.
func (e *Engine[T]) SlotCount() int {
	return len(e.slots)
}

// Bind sets the completion callback. Passing nil unbinds it; completions
// delivered while unbound are logged and dropped.
func (e *Engine[T]) Bind(fn CompletionFunc[T]) {
	if fn == nil {
		e.callback.Store(nil)
		return
	}
	e.callback.Store(&fn)
}

func (e *Engine[T]) deliver(st Status, data []byte, size uint32, token T) {
	if fn := e.callback.Load(); fn != nil {
		(*fn)(st, data, size, token)
		return
	}
	e.log.WithField("status", st).Warn("completion dropped, no callback bound")
}

// Pending returns (write_index - complete_index) mod 2N, the number of
// descriptors owned by hardware or awaiting reap.
func (e *Engine[T]) Pending() int {
	w := e.writeIndex.LoadAcquire()
	c := e.completeIndex.LoadAcquire()
	return int((w - c) & e.colorMask)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine[T]) Stats() Stats {
	s := Stats{
		State:         e.State(),
		InFlight:      e.inflight.LoadAcquire(),
		WriteIndex:    uint32(e.writeIndex.LoadAcquire()),
		CompleteIndex: uint32(e.completeIndex.LoadAcquire()),
		BounceCopies:  e.bounceCopies.LoadAcquire(),
	}
	for i := range e.stats {
		s.Latency[i] = e.stats[i].snapshot()
	}
	return s
}

// unmap releases a translation of a caller buffer.
func (e *Engine[T]) unmap(addr PhysAddr) {
	if u, ok := e.dev.(Unmapper); ok && addr != 0 {
		u.Unmap(addr)
	}
}

// kick wakes the reaper without blocking.
func (e *Engine[T]) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine[T]) handleInterrupts(irqs <-chan Interrupt, w *worker) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case irq, ok := <-irqs:
			if !ok {
				return
			}
			switch irq {
			case IrqCompletion:
				e.kick()
			case IrqError:
				e.errorInterrupt()
			}
		}
	}
}

func (e *Engine[T]) errorInterrupt() {
	compr := e.dev.ReadRegister(RegIntrpStsCmp)
	decompr := e.dev.ReadRegister(RegIntrpStsDcmp)
	status := e.dev.ReadRegister(RegIntrpStsError)

	e.log.WithFields(logrus.Fields{
		"error":   fmt.Sprintf("%#x", status),
		"compr":   fmt.Sprintf("%#x", compr),
		"decompr": fmt.Sprintf("%#x", decompr),
	}).Error("error interrupt")

	if status != 0 {
		e.dumpRegs()
		e.dev.WriteRegister(RegIntrpStsError, status)
	}
}

// dumpRegs logs every register block and the driver's ring state.
// Diagnostic only.
func (e *Engine[T]) dumpRegs() {
	for _, b := range dumpBlocks {
		e.dumpBlock(b.name, b.start, b.end)
	}
	for i := range e.slots {
		e.dumpBlock(fmt.Sprintf("decompression %d", i), RegDCmdCSize(i), RegDCmdDest(i))
	}
	e.log.WithFields(logrus.Fields{
		"write_index":         e.writeIndex.LoadAcquire(),
		"complete_index":      e.completeIndex.LoadAcquire(),
		"pending_compression": e.inflight.LoadAcquire(),
	}).Error("dump_regs: driver")
}

func (e *Engine[T]) dumpBlock(name string, start, end uint32) {
	fields := make(logrus.Fields, (end-start)/8+1)
	for off := start; off <= end; off += 8 {
		fields[fmt.Sprintf("%#03x", off)] = fmt.Sprintf("%#016x", e.dev.ReadRegister(off))
	}
	e.log.WithFields(fields).Error("dump_regs: " + name)
}
