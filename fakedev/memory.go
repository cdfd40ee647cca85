// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fakedev

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"code.hybscloud.com/eh"
)

var errUnmapped = errors.New("fakedev: address not mapped")

// region is one translated buffer. refs counts outstanding translations.
type region struct {
	base uintptr
	buf  []byte
	refs int
}

// memory maps device addresses back to the Go buffers they were
// translated from. A device address is the address of the buffer's first
// byte, so overlapping buffers resolve to the same memory.
type memory struct {
	mu      sync.Mutex
	regions map[uintptr]*region
}

func newMemory() *memory {
	return &memory{regions: make(map[uintptr]*region)}
}

// pin maps buf and returns its device address. An empty buffer maps to 0.
func (m *memory) pin(buf []byte) eh.PhysAddr {
	if len(buf) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.regions[base]; ok {
		r.refs++
		if len(buf) > len(r.buf) {
			r.buf = buf
		}
		return eh.PhysAddr(base)
	}
	m.regions[base] = &region{base: base, buf: buf, refs: 1}
	return eh.PhysAddr(base)
}

// unpin drops one translation of the buffer at addr.
func (m *memory) unpin(addr eh.PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[uintptr(addr)]
	if !ok {
		return
	}
	if r.refs--; r.refs <= 0 {
		delete(m.regions, r.base)
	}
}

// resolve returns the n bytes at addr.
func (m *memory) resolve(addr eh.PhysAddr, n int) ([]byte, error) {
	a := uintptr(addr)
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.regions[a]; ok && n <= len(r.buf) {
		return r.buf[:n:n], nil
	}
	for _, r := range m.regions {
		if a >= r.base && a+uintptr(n) <= r.base+uintptr(len(r.buf)) {
			off := int(a - r.base)
			return r.buf[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", errUnmapped, a, n)
}

// mapped returns the number of mapped regions.
func (m *memory) mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}
