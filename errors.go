// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrBusy indicates the operation cannot proceed immediately.
//
// For Compress: never returned; a full ring engages the congestion wait
// instead (see [Engine.Compress]).
// For Decompress: the caller's slot still carries an outstanding command.
// For Suspend/Reset: compression or decompression work is in flight.
//
// ErrBusy is a control flow signal, not a failure. The caller should retry
// later rather than propagating the error.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrBusy = iox.ErrWouldBlock

var (
	// ErrSuspended indicates the engine is administratively unavailable
	// (suspended or closed). Callers must not retry immediately.
	ErrSuspended = errors.New("eh: engine suspended")

	// ErrTimeout indicates a decompression command did not complete within
	// the poll window, or the global reset did not settle. Treated as a
	// hardware fault.
	ErrTimeout = errors.New("eh: device timeout")

	// ErrHardware indicates the device reported a non-success terminal
	// status for a decompression command.
	ErrHardware = errors.New("eh: hardware error")

	// ErrHalted indicates the compression ring hit a fatal error and stays
	// non-operational until [Engine.Reset].
	ErrHalted = errors.New("eh: compression ring halted")

	// ErrConfig indicates an invalid configuration at attach time.
	// Nothing is applied when ErrConfig is returned.
	ErrConfig = errors.New("eh: invalid configuration")

	// ErrNoDevice indicates the registry holds no unclaimed engine.
	ErrNoDevice = errors.New("eh: no device available")

	// ErrInvalid indicates a malformed request (wrong page or buffer size,
	// slot out of range).
	ErrInvalid = errors.New("eh: invalid argument")
)

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Returns true for nil or ErrBusy.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}
