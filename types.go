// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh

import "fmt"

// PageSize is the fixed unit of compression and decompression.
const PageSize = 4096

// PhysAddr is a device-visible address.
type PhysAddr uint64

// Device is the register-level view of an Emerald Hill engine.
//
// The engine never touches hardware memory directly: every interaction goes
// through this interface, which lets tests substitute a deterministic fake.
//
// Implementations must make WriteRegister visible to subsequent
// ReadRegister calls from any goroutine, and must order a register write
// after all memory writes that precede it in the calling goroutine.
type Device interface {
	// ReadRegister returns the 64-bit register at offset.
	ReadRegister(offset uint32) uint64

	// WriteRegister stores value into the 64-bit register at offset.
	WriteRegister(offset uint32, value uint64)

	// Translate returns the device address of buf. The buffer stays
	// reachable to the device until the device is done with it.
	Translate(buf []byte) PhysAddr

	// SetInterruptMask masks the interrupt sources whose bits are set.
	// A zero mask enables all interrupts.
	SetInterruptMask(bits uint64)
}

// Unmapper is implemented by devices whose translations hold resources.
//
// The engine calls Unmap exactly once for every translation of a caller
// buffer, after the device is done with it. Buffers the engine allocates
// for itself stay mapped for the engine's lifetime.
type Unmapper interface {
	Unmap(addr PhysAddr)
}

// Interrupt identifies an interrupt line raised by the device.
type Interrupt uint8

const (
	// IrqCompletion signals that the compression complete index advanced.
	IrqCompletion Interrupt = iota + 1
	// IrqError signals that an error status register is non-zero.
	IrqError
)

// InterruptSource is implemented by devices that deliver interrupts.
//
// When a Device also implements InterruptSource, the engine runs an
// interrupt handler: completion interrupts wake the reaper and error
// interrupts are logged with a register dump and acknowledged.
type InterruptSource interface {
	Interrupts() <-chan Interrupt
}

// Status is the state of a compression descriptor.
type Status uint8

const (
	StatusIdle          Status = iota // free, owned by software
	StatusPending                     // submitted, owned by hardware
	StatusCopied                      // page stored uncompressed
	StatusCompressed                  // page compressed
	StatusZero                        // page of all zeros, no data
	StatusAborted                     // incompressible, no data
	StatusErrorContinue               // error, ring keeps running
	StatusErrorHalted                 // fatal, ring stopped
)

var statusNames = [...]string{
	StatusIdle:          "IDLE",
	StatusPending:       "PENDING",
	StatusCopied:        "COPIED",
	StatusCompressed:    "COMPRESSED",
	StatusZero:          "ZERO",
	StatusAborted:       "ABORTED",
	StatusErrorContinue: "ERROR_CONTINUE",
	StatusErrorHalted:   "ERROR_HALTED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether s is a hardware completion status.
func (s Status) Terminal() bool {
	return s >= StatusCopied && s <= StatusErrorHalted
}

// IsError reports whether s is delivered as an error outcome.
func (s Status) IsError() bool {
	return s == StatusErrorContinue || s == StatusErrorHalted
}

// DCmdStatus is the state of a decompression command slot.
type DCmdStatus uint8

const (
	DCmdIdle DCmdStatus = iota
	DCmdPending
	DCmdDecompressed
	DCmdError
)

func (s DCmdStatus) String() string {
	switch s {
	case DCmdIdle:
		return "IDLE"
	case DCmdPending:
		return "PENDING"
	case DCmdDecompressed:
		return "DECOMPRESSED"
	case DCmdError:
		return "ERROR"
	}
	return fmt.Sprintf("DCmdStatus(%d)", uint8(s))
}

// CompletionFunc receives the outcome of one compression request.
//
// data is a view of the engine-owned destination buffer and is only valid
// for the duration of the call; callers that keep the result must copy it.
// data is nil and size is zero for every status other than StatusCopied and
// StatusCompressed.
//
// CompletionFunc runs on the reaper goroutine. It is invoked exactly once per
// accepted request, in submission order.
type CompletionFunc[T any] func(status Status, data []byte, size uint32, token T)

// State is the lifecycle state of an engine.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateSuspended
	StateHalted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateSuspended:
		return "suspended"
	case StateHalted:
		return "halted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
