// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hwq carries doorbells from register writers to a simulated
// device's command processor.
//
// A doorbell is the ring write index a driver published. Any number of
// writers ring through [Doorbells.Ring]; exactly one command processor
// takes them in ring order with [Doorbells.Next] and completes work up to
// each index. A doorbell that finds the queue full is dropped and counted;
// the processor learns about drops from [Doorbells.Overflowed] and must then
// drain everything published.
package hwq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// Doorbells is a bounded queue of write indices.
//
// Each cell holds index<<1|1 while occupied and zero while free, so the
// processor needs no per-cell sequence: a zero cell at head means the
// queue is empty or the writer that claimed it has not stored yet.
type Doorbells struct {
	_        pad
	head     atomix.Uint64 // processor
	_        pad
	tail     atomix.Uint64 // writers
	_        pad
	overflow atomix.Uint64 // doorbells dropped since the last Overflowed
	_        pad
	cells    []atomix.Uint64
	mask     uint64
}

type pad [64]byte

// New returns a queue holding depth doorbells. depth must be a power of 2
// and at least 2.
func New(depth int) *Doorbells {
	if depth < 2 || depth&(depth-1) != 0 {
		panic("hwq: depth must be a power of 2 >= 2")
	}
	return &Doorbells{
		cells: make([]atomix.Uint64, depth),
		mask:  uint64(depth - 1),
	}
}

// Ring queues write index w. It reports false, and counts an overflow,
// when the queue is full. Safe for concurrent writers.
func (q *Doorbells) Ring(w uint64) bool {
	sw := spin.Wait{}
	for {
		t := q.tail.LoadAcquire()
		if t-q.head.LoadAcquire() >= uint64(len(q.cells)) {
			q.overflow.AddAcqRel(1)
			return false
		}
		if q.tail.CompareAndSwapAcqRel(t, t+1) {
			// The processor freed this cell before moving head past it.
			q.cells[t&q.mask].StoreRelease(w<<1 | 1)
			return true
		}
		sw.Once()
	}
}

// Next returns the oldest queued write index. Processor only.
func (q *Doorbells) Next() (uint64, bool) {
	h := q.head.LoadRelaxed()
	c := &q.cells[h&q.mask]
	v := c.LoadAcquire()
	if v == 0 {
		return 0, false
	}
	c.StoreRelaxed(0)
	q.head.StoreRelease(h + 1)
	return v >> 1, true
}

// Overflowed returns the number of doorbells dropped since the previous
// call and resets the count.
func (q *Doorbells) Overflowed() uint64 {
	for {
		n := q.overflow.LoadAcquire()
		if n == 0 || q.overflow.CompareAndSwapAcqRel(n, 0) {
			return n
		}
	}
}

// Len returns the number of doorbells claimed and not yet taken. Snapshot.
func (q *Doorbells) Len() int {
	return int(q.tail.LoadAcquire() - q.head.LoadAcquire())
}

// Depth returns the queue capacity.
func (q *Doorbells) Depth() int {
	return len(q.cells)
}
