// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultFifoSize is the compression ring capacity used by the driver.
	DefaultFifoSize = 256

	// MaxFifoSize is the largest ring capacity the complete index field
	// can represent (the color space is twice the capacity).
	MaxFifoSize = 32768

	// DefaultPollTimeout bounds one synchronous decompression.
	DefaultPollTimeout = 20 * time.Millisecond

	// DefaultCongestionSlice bounds one congestion wait before a producer
	// retries admission.
	DefaultCongestionSlice = 100 * time.Millisecond

	resetWaitInterval = 10 * time.Microsecond
	maxResetWait      = 100
)

// Options configures engine creation.
type Options struct {
	// Ring capacity (power of 2, 2..MaxFifoSize)
	capacity int

	// Quirks
	skipGlobalReset bool // Device must not be reset through GCTRL

	// Destination layout: one full page, or a 2KB + 1KB pair
	dstBuffer3K bool

	pollTimeout     time.Duration
	congestionSlice time.Duration

	logger logrus.FieldLogger
}

// Builder configures engines with a fluent API.
//
// Example:
//
//	b := eh.New(256).SkipGlobalReset()
//	e, err := eh.Attach[*Request](dev, b)
type Builder struct {
	opts Options
}

// New creates an engine builder with the given ring capacity.
//
// Unlike queue capacities, the ring capacity is not rounded: it is
// programmed into the device verbatim and must be a power of 2 no larger
// than MaxFifoSize. Invalid capacities are reported by [Attach] as
// [ErrConfig].
func New(capacity int) *Builder {
	return &Builder{opts: Options{
		capacity:        capacity,
		pollTimeout:     DefaultPollTimeout,
		congestionSlice: DefaultCongestionSlice,
	}}
}

// SkipGlobalReset declares that the device must not be reset through the
// global control register on initialize.
func (b *Builder) SkipGlobalReset() *Builder {
	b.opts.skipGlobalReset = true
	return b
}

// DstBuffer3K splits each destination page into a 2KB and a 1KB buffer.
// Pages that do not compress into 3KB complete as StatusAborted.
//
// Without DstBuffer3K each descriptor owns one full-page buffer and
// incompressible pages complete as StatusCopied.
func (b *Builder) DstBuffer3K() *Builder {
	b.opts.dstBuffer3K = true
	return b
}

// PollTimeout sets the synchronous decompression poll window.
func (b *Builder) PollTimeout(d time.Duration) *Builder {
	b.opts.pollTimeout = d
	return b
}

// CongestionSlice sets the longest single congestion wait.
func (b *Builder) CongestionSlice(d time.Duration) *Builder {
	b.opts.congestionSlice = d
	return b
}

// Logger sets the logger. Defaults to logrus.StandardLogger().
func (b *Builder) Logger(l logrus.FieldLogger) *Builder {
	b.opts.logger = l
	return b
}

func (o *Options) validate() error {
	if !isPow2(o.capacity) || o.capacity < 2 || o.capacity > MaxFifoSize {
		return fmt.Errorf("%w: fifo size %d", ErrConfig, o.capacity)
	}
	if o.pollTimeout <= 0 {
		return fmt.Errorf("%w: poll timeout %v", ErrConfig, o.pollTimeout)
	}
	if o.congestionSlice <= 0 {
		return fmt.Errorf("%w: congestion slice %v", ErrConfig, o.congestionSlice)
	}
	return nil
}

// isPow2 reports whether n is a positive power of 2.
func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte
