// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"math"
	"time"

	"code.hybscloud.com/atomix"
)

// EventType identifies a latency statistic.
type EventType int

const (
	EventCompress EventType = iota
	EventDecompressPoll
	numEventTypes
)

func (e EventType) String() string {
	switch e {
	case EventCompress:
		return "compress"
	case EventDecompressPoll:
		return "decompress_poll"
	}
	return "unknown"
}

// latency accumulates one event type. Writers may race; each field is
// individually consistent.
type latency struct {
	count atomix.Uint64
	total atomix.Uint64
	min   atomix.Uint64
	max   atomix.Uint64
	_     pad
}

func (l *latency) reset() {
	l.count.StoreRelaxed(0)
	l.total.StoreRelaxed(0)
	l.min.StoreRelaxed(math.MaxUint64)
	l.max.StoreRelaxed(0)
}

func (l *latency) record(d time.Duration) {
	ns := uint64(max(d, 0))
	l.count.AddAcqRel(1)
	l.total.AddAcqRel(ns)
	for {
		cur := l.min.LoadAcquire()
		if ns >= cur || l.min.CompareAndSwapAcqRel(cur, ns) {
			break
		}
	}
	for {
		cur := l.max.LoadAcquire()
		if ns <= cur || l.max.CompareAndSwapAcqRel(cur, ns) {
			break
		}
	}
}

func (l *latency) snapshot() LatencyStats {
	s := LatencyStats{
		Count: l.count.LoadAcquire(),
		Total: time.Duration(l.total.LoadAcquire()),
		Max:   time.Duration(l.max.LoadAcquire()),
	}
	if s.Count > 0 {
		s.Min = time.Duration(l.min.LoadAcquire())
	}
	return s
}

// LatencyStats summarizes the latency of one event type.
type LatencyStats struct {
	Count uint64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average latency, or 0 when no event was recorded.
func (s LatencyStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Stats is a point-in-time snapshot of an engine.
type Stats struct {
	State         State
	InFlight      int64
	WriteIndex    uint32
	CompleteIndex uint32
	BounceCopies  uint64
	Latency       [numEventTypes]LatencyStats
}

// Compress returns the compression latency statistics.
func (s Stats) Compress() LatencyStats { return s.Latency[EventCompress] }

// DecompressPoll returns the synchronous decompression latency statistics.
func (s Stats) DecompressPoll() LatencyStats { return s.Latency[EventDecompressPoll] }
