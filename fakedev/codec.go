// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fakedev

import (
	"errors"
	"fmt"

	"code.hybscloud.com/eh"
	"github.com/pierrec/lz4/v4"
)

var (
	errShortPage  = errors.New("fakedev: decompressed page is short")
	errBadCommand = errors.New("fakedev: malformed decompression command")
)

// outcome is the result of compressing one page into a descriptor's
// destination buffers.
type outcome struct {
	status eh.Status
	bufSel int
	n      int
}

// dstBuffer is one decoded destination buffer.
type dstBuffer struct {
	addr eh.PhysAddr
	size int
}

// compressPage classifies page and writes its encoding into the
// destination buffers. Consecutive buffers must be contiguous; compressed
// data larger than one buffer spills into the next.
func (d *Device) compressPage(page []byte, bufs []dstBuffer) (outcome, error) {
	if isZero(page) {
		return outcome{status: eh.StatusZero}, nil
	}

	scratch := d.scratch[:lz4.CompressBlockBound(eh.PageSize)]
	n, err := d.lz4.CompressBlock(page, scratch)
	if err != nil {
		return outcome{}, err
	}
	if n > 0 && n < eh.PageSize {
		// Smallest single buffer first, then the spilled span from buffer 1.
		best := -1
		for i, b := range bufs {
			if n <= b.size && (best < 0 || b.size < bufs[best].size) {
				best = i
			}
		}
		if best < 0 && len(bufs) > 0 && n <= span(bufs) {
			best = 0
		}
		if best >= 0 {
			dst, err := d.mem.resolve(bufs[best].addr, n)
			if err != nil {
				return outcome{}, err
			}
			copy(dst, scratch[:n])
			return outcome{status: eh.StatusCompressed, bufSel: best + 1, n: n}, nil
		}
	}

	// Incompressible: stored as is if one buffer holds a full page.
	for i, b := range bufs {
		if b.size >= eh.PageSize {
			dst, err := d.mem.resolve(b.addr, eh.PageSize)
			if err != nil {
				return outcome{}, err
			}
			copy(dst, page)
			return outcome{status: eh.StatusCopied, bufSel: i + 1, n: eh.PageSize}, nil
		}
	}
	return outcome{status: eh.StatusAborted}, nil
}

// decompressPage expands src into the page dst. A full-page src is a
// stored copy.
func decompressPage(src, dst []byte) error {
	if len(src) == eh.PageSize {
		copy(dst, src)
		return nil
	}
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return err
	}
	if n != eh.PageSize {
		return fmt.Errorf("%w: %d bytes", errShortPage, n)
	}
	return nil
}

// span returns the bytes covered by contiguous buffers starting at the first.
func span(bufs []dstBuffer) int {
	total := bufs[0].size
	for i := 1; i < len(bufs); i++ {
		if bufs[i].addr != bufs[i-1].addr+eh.PhysAddr(bufs[i-1].size) {
			break
		}
		total += bufs[i].size
	}
	return total
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Compress returns the device encoding of a page: the LZ4 block when it is
// smaller than a page, otherwise a copy of the page. Test helper for
// building decompression inputs.
func Compress(page []byte) []byte {
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(page)))
	n, err := c.CompressBlock(page, dst)
	if err != nil || n == 0 || n >= len(page) {
		return append([]byte(nil), page...)
	}
	return dst[:n]
}
