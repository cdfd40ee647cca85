// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package eh drives Emerald Hill page compression engines.
//
// An Emerald Hill device compresses 4KB pages asynchronously through a ring
// of hardware-visible descriptors and decompresses them synchronously
// through a small set of independent command slots. The package talks to
// the device only through the register-level [Device] interface, so the
// same engine runs against real hardware bindings and the deterministic
// simulator in [code.hybscloud.com/eh/fakedev].
//
// # Quick Start
//
//	dev := fakedev.New(fakedev.Config{})
//	e, err := eh.Attach[*Request](dev, eh.New(eh.DefaultFifoSize))
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	e.Bind(func(st eh.Status, data []byte, size uint32, req *Request) {
//	    req.Done(st, bytes.Clone(data))
//	})
//
//	err = e.Compress(ctx, page, req)
//
// # Compression
//
// [Engine.Compress] places a page on the ring and returns. The outcome is
// delivered later to the bound [CompletionFunc] by the engine's reaper
// goroutine:
//
//	StatusCompressed, StatusCopied  data holds the stored bytes
//	StatusZero, StatusAborted       successful, no data
//	StatusErrorContinue             failed, ring keeps running
//	StatusErrorHalted               failed, ring halted
//
// Every accepted request completes exactly once, in submission order, even
// when the ring halts or the engine is closed.
//
// The ring uses a write index and a complete index that range over twice
// the capacity. The extra "color" bit tells a full ring from an empty one
// when the masked indices coincide:
//
//	pending = (write_index - complete_index) mod 2N    // always in [0, N]
//
// A full ring is not an error: Compress waits for the reaper to free a slot
// and retries, until its context is done.
//
// # Decompression
//
// [Engine.Decompress] is synchronous. Each caller identity maps to a slot
// (caller modulo [Engine.SlotCount]); the slot is programmed, handed to the
// device and polled until it completes or the poll timeout expires.
// Sources whose device address is not naturally aligned are copied into the
// slot's bounce page first.
//
// # Lifecycle
//
//	Attach ──► Ready ◄──► Suspended
//	             │
//	             ▼ fatal descriptor
//	           Halted ──Reset──► Ready
//
// [Engine.Suspend] and [Engine.Reset] refuse with [ErrBusy] while work is
// outstanding. A halted ring rejects Compress with [ErrHalted] until
// [Engine.Reset]; decompression keeps working. [Registry] pools attached
// engines for hosts that hand them out to independent owners.
//
// # Error Handling
//
// [ErrBusy] is [code.hybscloud.com/iox.ErrWouldBlock]: a control flow
// signal, not a failure. Use [IsWouldBlock], [IsSemantic] and
// [IsNonFailure] to classify errors. Every other error wraps one of the
// package sentinels and works with [errors.Is].
//
// # Race Detection
//
// Descriptor and buffer handoffs between the engine and a device are
// ordered by acquire-release operations on registers and ring indices,
// which the race detector does not model. Tests that exercise those
// handoffs across goroutines are excluded via //go:build !race.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/atomix] for ring indices and
// counters, [code.hybscloud.com/iox] for semantic errors and the reaper's
// idle backoff, [code.hybscloud.com/spin] for the decompression poll loop,
// github.com/cenkalti/backoff for bounded waits, github.com/sirupsen/logrus
// for logging and github.com/rs/xid for engine identifiers.
package eh
