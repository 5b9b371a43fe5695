/*
 * lx64run - Sized guest memory access and bulk copies.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package vmm

import "encoding/binary"

// checkPages verifies every page touched by [addr, addr+width) is
// present in the given lookup array, the fast page-granular
// permission test of spec.md section 4.B.
func (a *AddressSpace) checkPages(addr uint64, width int, write bool) error {
	op := "read"
	pageOf := a.lookups.readPage
	if write {
		op = "write"
		pageOf = a.lookups.writePage
	}
	first := addr >> PageShift
	last := (addr + uint64(width) - 1) >> PageShift
	for p := first; p <= last; p++ {
		if pageOf(p<<PageShift) == nil {
			return &Fault{Addr: addr, Op: op}
		}
	}
	return nil
}

// span resolves width bytes at addr to a direct slice of a region's
// backing storage, after the page-lookup arrays confirmed the
// permission. Unaligned accesses that cross into a different region
// than the one containing addr fail with ErrCrossRegion; accesses
// that stay within one (possibly multi-page) region succeed even
// when they cross a page boundary inside it.
func (a *AddressSpace) span(addr uint64, width int, write bool) ([]byte, error) {
	if err := a.checkPages(addr, width, write); err != nil {
		return nil, err
	}
	r := a.store.find(addr)
	if r == nil {
		op := "read"
		if write {
			op = "write"
		}
		return nil, &Fault{Addr: addr, Op: op}
	}
	end := addr + uint64(width)
	if end > r.End() {
		return nil, ErrCrossRegion
	}
	off := addr - r.Base
	return r.Bytes[off : off+uint64(width)], nil
}

func (a *AddressSpace) Read8(addr uint64) (uint8, error) {
	b, err := a.span(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (a *AddressSpace) Read16(addr uint64) (uint16, error) {
	b, err := a.span(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (a *AddressSpace) Read32(addr uint64) (uint32, error) {
	b, err := a.span(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (a *AddressSpace) Read64(addr uint64) (uint64, error) {
	b, err := a.span(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Read80 returns the 10-byte x87 extended-precision encoding at addr.
func (a *AddressSpace) Read80(addr uint64) ([10]byte, error) {
	var out [10]byte
	b, err := a.span(addr, 10, false)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// Read128 returns the 16-byte XMM-register-width value at addr.
// Misaligned access spanning two regions is supported by reading the
// part that lies in each region and splicing them together.
func (a *AddressSpace) Read128(addr uint64) ([16]byte, error) {
	var out [16]byte
	b, err := a.span(addr, 16, false)
	if err == nil {
		copy(out[:], b)
		return out, nil
	}
	if err != ErrCrossRegion {
		return out, err
	}
	return a.read128Spliced(addr)
}

// read128Spliced handles a 128-bit access that straddles two regions
// by reading each half from its own region and concatenating them.
func (a *AddressSpace) read128Spliced(addr uint64) ([16]byte, error) {
	var out [16]byte
	r := a.store.find(addr)
	if r == nil {
		return out, &Fault{Addr: addr, Op: "read"}
	}
	firstLen := r.End() - addr
	if firstLen > 16 {
		firstLen = 16
	}
	b1, err := a.span(addr, int(firstLen), false)
	if err != nil {
		return out, err
	}
	copy(out[:firstLen], b1)
	if firstLen == 16 {
		return out, nil
	}
	b2, err := a.span(r.End(), int(16-firstLen), false)
	if err != nil {
		return out, err
	}
	copy(out[firstLen:], b2)
	return out, nil
}

func (a *AddressSpace) Write8(addr uint64, v uint8) error {
	b, err := a.span(addr, 1, true)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (a *AddressSpace) Write16(addr uint64, v uint16) error {
	b, err := a.span(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (a *AddressSpace) Write32(addr uint64, v uint32) error {
	b, err := a.span(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (a *AddressSpace) Write64(addr uint64, v uint64) error {
	b, err := a.span(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (a *AddressSpace) Write80(addr uint64, v [10]byte) error {
	b, err := a.span(addr, 10, true)
	if err != nil {
		return err
	}
	copy(b, v[:])
	return nil
}

func (a *AddressSpace) Write128(addr uint64, v [16]byte) error {
	b, err := a.span(addr, 16, true)
	if err == nil {
		copy(b, v[:])
		return nil
	}
	if err != ErrCrossRegion {
		return err
	}
	r := a.store.find(addr)
	if r == nil {
		return &Fault{Addr: addr, Op: "write"}
	}
	firstLen := r.End() - addr
	if firstLen > 16 {
		firstLen = 16
	}
	b1, err := a.span(addr, int(firstLen), true)
	if err != nil {
		return err
	}
	copy(b1, v[:firstLen])
	if firstLen == 16 {
		return nil
	}
	b2, err := a.span(r.End(), int(16-firstLen), true)
	if err != nil {
		return err
	}
	copy(b2, v[firstLen:])
	return nil
}

// CopyToMmu bulk-copies src into the guest at addr, looping over
// contiguous destination regions. Cross-region copies are supported
// for at most two consecutive regions, per spec.md section 4.C.
func (a *AddressSpace) CopyToMmu(addr uint64, src []byte) error {
	return a.copyBulk(addr, len(src), func(dst []byte, off int) {
		copy(dst, src[off:off+len(dst)])
	})
}

// CopyFromMmu bulk-reads length bytes from the guest starting at
// addr.
func (a *AddressSpace) CopyFromMmu(addr uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	err := a.copyBulk(addr, length, func(src []byte, off int) {
		copy(out[off:off+len(src)], src)
	})
	return out, err
}

// copyBulk walks the regions covering [addr, addr+length), applying
// apply to each contiguous in-region slice. It allows the range to
// span at most two consecutive regions.
func (a *AddressSpace) copyBulk(addr uint64, length int, apply func(slice []byte, off int)) error {
	if length == 0 {
		return nil
	}
	remaining := length
	cur := addr
	off := 0
	regionsUsed := 0
	for remaining > 0 {
		r := a.store.find(cur)
		if r == nil || !r.hasStorage() {
			return &Fault{Addr: cur, Op: "bulk"}
		}
		regionsUsed++
		if regionsUsed > 2 {
			return ErrCrossRegion
		}
		inRegionOff := cur - r.Base
		avail := r.Len - inRegionOff
		n := remaining
		if uint64(n) > avail {
			n = int(avail)
		}
		apply(r.Bytes[inRegionOff:int(inRegionOff)+n], off)
		cur += uint64(n)
		off += n
		remaining -= n
	}
	return nil
}
