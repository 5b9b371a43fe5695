/*
 * lx64run - Page lookup arrays.
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

// pageLookup is a flat array indexed by page number holding a slice
// into the backing region's byte buffer for that page, or nil when
// the page is not present with the tracked permission. It grows
// lazily as higher pages are mapped (spec.md section 9, "page-lookup
// arrays vs. sparse address spaces").
type pageLookup struct {
	pages []([]byte)
}

func (pl *pageLookup) ensure(pageCount uint64) {
	if uint64(len(pl.pages)) >= pageCount {
		return
	}
	grown := make([][]byte, pageCount)
	copy(grown, pl.pages)
	pl.pages = grown
}

func (pl *pageLookup) set(page uint64, b []byte) {
	pl.ensure(page + 1)
	pl.pages[page] = b
}

func (pl *pageLookup) clear(page uint64) {
	if page < uint64(len(pl.pages)) {
		pl.pages[page] = nil
	}
}

func (pl *pageLookup) get(page uint64) []byte {
	if page >= uint64(len(pl.pages)) {
		return nil
	}
	return pl.pages[page]
}

// lookups holds the read and write page-lookup arrays plus the
// first-unmapped-page cap, per spec.md section 3 "Address Space".
type lookups struct {
	read, write     pageLookup
	firstUnmapped   uint64 // in pages
}

// syncRegion installs or clears pages for r across [base, base+len)
// according to present (true to install, false to clear).
func (l *lookups) syncRegion(r *Region, present bool) {
	startPage := r.Base >> PageShift
	pageCount := r.Len >> PageShift
	if present {
		if end := startPage + pageCount; end > l.firstUnmapped {
			l.firstUnmapped = end
		}
	}
	for i := uint64(0); i < pageCount; i++ {
		page := startPage + i
		off := i << PageShift
		if present && r.Prot.Has(ProtRead) {
			l.read.set(page, r.Bytes[off:off+PageSize])
		} else {
			l.read.clear(page)
		}
		if present && r.Prot.Has(ProtWrite) {
			l.write.set(page, r.Bytes[off:off+PageSize])
		} else {
			l.write.clear(page)
		}
	}
}

// readPage returns the host-visible page bytes for a read at addr,
// or nil if the page lookup misses.
func (l *lookups) readPage(addr uint64) []byte {
	page := addr >> PageShift
	if page >= l.firstUnmapped {
		return nil
	}
	return l.read.get(page)
}

// writePage is the write-side counterpart of readPage.
func (l *lookups) writePage(addr uint64) []byte {
	page := addr >> PageShift
	if page >= l.firstUnmapped {
		return nil
	}
	return l.write.get(page)
}
