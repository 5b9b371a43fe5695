/*
 * lx64run - VMM facade: mmap/munmap/mprotect/brk and sized memory access.
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

import (
	"errors"
	"fmt"
)

// Errors surfaced to syscall-path callers (spec.md section 7,
// "errno-class" errors).
var (
	ErrNoGap       = errors.New("vmm: no gap of requested size")
	ErrBelowNull   = errors.New("vmm: address below reserved null page")
	ErrExecInWay   = errors.New("vmm: fixed mapping would implicitly unmap executable region")
	ErrExecUnmap   = errors.New("vmm: munmap over executable region requires explicit teardown")
	ErrHole        = errors.New("vmm: mprotect over unmapped hole")
	ErrCrossRegion = errors.New("vmm: unaligned access crosses region boundary")
)

// Fault is a memory-fault class error (spec.md section 7): bad
// address, bad permission, or an unmapped read/write. It is fatal to
// the offending guest thread.
type Fault struct {
	Addr uint64
	Op   string // "read", "write" or "bulk"
}

func (f *Fault) Error() string {
	return fmt.Sprintf("vmm: memory fault on %s at %#x", f.Op, f.Addr)
}

// Flags for Mmap.
type Flags uint8

const (
	FlagFixed Flags = 1 << iota
	FlagAnonymous
	FlagPrivate
)

// reservedNullPage is the lowest address mmap(addr=nonzero) will
// honour; guarding the zero page the way the source does.
const reservedNullPage = PageSize

// Observer receives change notifications from the VMM facade,
// matching spec.md section 4.C: onRegionCreation,
// onRegionProtectionChange, onRegionDestruction. Observers must not
// re-enter the VMM mutation API; they may only read it.
type Observer interface {
	OnRegionCreation(base, length uint64, prot Prot)
	OnRegionProtectionChange(base, length uint64, before, after Prot)
	OnRegionDestruction(base, length uint64, prot Prot)
}

// AddressSpace is a guest process's complete view of memory: the
// region store, the read/write page-lookup arrays, and the set of
// subsystems (DBBC, profiling) that must hear about region changes.
type AddressSpace struct {
	store     regionStore
	lookups   lookups
	observers []Observer
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// AddObserver registers o to receive future change notifications.
func (a *AddressSpace) AddObserver(o Observer) {
	a.observers = append(a.observers, o)
}

func (a *AddressSpace) notifyCreate(r *Region) {
	for _, o := range a.observers {
		o.OnRegionCreation(r.Base, r.Len, r.Prot)
	}
}

func (a *AddressSpace) notifyProt(base, length uint64, before, after Prot) {
	if before == after {
		return
	}
	for _, o := range a.observers {
		o.OnRegionProtectionChange(base, length, before, after)
	}
}

func (a *AddressSpace) notifyDestroy(r *Region) {
	for _, o := range a.observers {
		o.OnRegionDestruction(r.Base, r.Len, r.Prot)
	}
}

func mustRemoveExecFree(regions []*Region) error {
	for _, r := range regions {
		if r.Prot.Has(ProtExec) {
			return ErrExecInWay
		}
	}
	return nil
}

func makeRegion(base, length uint64, prot Prot, name string) *Region {
	r := &Region{Base: base, Len: length, Prot: prot, Name: name}
	if r.hasStorage() {
		r.Bytes = make([]byte, length)
	}
	return r
}

// Mmap implements spec.md section 4.C. addr==0 picks the first
// sufficiently large gap; otherwise addr, rounded down to a page, is
// used. Without FlagFixed an occupied range falls back to the first
// sufficiently large gap; with FlagFixed anything currently occupying
// the range is erased first (failing if that would implicitly unmap
// an EXEC region).
func (a *AddressSpace) Mmap(addr, length uint64, prot Prot, flags Flags, name string) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("vmm: zero-length mmap")
	}
	length = PageAlignUp(length)

	var base uint64
	fixed := flags&FlagFixed != 0
	if addr == 0 {
		base = a.store.firstGap(reservedNullPage, length)
	} else {
		base = PageAlignDown(addr)
		if base < reservedNullPage {
			return 0, ErrBelowNull
		}
		if _, overlap := a.store.overlaps(base, length); overlap {
			if !fixed {
				base = a.store.firstGap(reservedNullPage, length)
			} else if err := mustRemoveExecFree(a.store.coveredByLoose(base, base+length)); err != nil {
				return 0, err
			}
		}
	}

	if _, overlap := a.store.overlaps(base, length); overlap && fixed {
		removed := a.store.addFixed(makeRegion(base, length, prot, name))
		for _, r := range removed {
			a.lookups.syncRegion(r, false)
			a.notifyDestroy(r)
		}
		r := a.store.find(base)
		a.lookups.syncRegion(r, true)
		a.store.merge()
		a.notifyCreate(r)
		return base, nil
	}

	r := makeRegion(base, length, prot, name)
	if err := a.store.add(r); err != nil {
		return 0, err
	}
	a.lookups.syncRegion(r, true)
	a.store.merge()
	a.notifyCreate(r)
	return base, nil
}

// coveredByLoose is like coveredBy but returns every region touching
// [base,end), not only a perfectly contiguous run; used to pre-check
// EXEC-in-the-way before a fixed mmap commits.
func (s *regionStore) coveredByLoose(base, end uint64) []*Region {
	var hit []*Region
	for _, r := range s.regions {
		if r.Base < end && r.End() > base {
			hit = append(hit, r)
		}
	}
	return hit
}

// Munmap implements spec.md section 4.C: split at the boundaries,
// remove fully covered regions, fail if any covered region is EXEC
// (EXEC teardown must go through MunmapExec first).
func (a *AddressSpace) Munmap(addr, length uint64) error {
	base := PageAlignDown(addr)
	end := base + PageAlignUp(length)
	preview := a.store.coveredByLoose(base, end)
	for _, r := range preview {
		if r.Prot.Has(ProtExec) {
			return ErrExecUnmap
		}
	}
	removed := a.store.removeRange(base, end)
	for _, r := range removed {
		a.lookups.syncRegion(r, false)
		a.notifyDestroy(r)
	}
	a.store.merge()
	return nil
}

// MunmapExec is the distinct teardown path spec.md section 4.C
// requires for EXEC regions: it removes the range unconditionally,
// EXEC regions included, then notifies observers (DBBC invalidation)
// of each removed region before returning, so no stale section can be
// served afterwards.
func (a *AddressSpace) MunmapExec(addr, length uint64) error {
	base := PageAlignDown(addr)
	end := base + PageAlignUp(length)
	removed := a.store.removeRange(base, end)
	for _, r := range removed {
		a.lookups.syncRegion(r, false)
		a.notifyDestroy(r)
	}
	a.store.merge()
	return nil
}

// Mprotect implements spec.md section 4.C: the affected range must be
// a contiguous union of currently-mapped regions.
func (a *AddressSpace) Mprotect(addr, length uint64, prot Prot) error {
	base := PageAlignDown(addr)
	end := base + PageAlignUp(length)
	cursor := base
	for _, r := range a.store.coveredByLoose(base, end) {
		if r.Base > cursor {
			return ErrHole
		}
		cursor = r.End()
	}
	if cursor < end {
		return ErrHole
	}
	a.store.splitAt(base)
	a.store.splitAt(end)
	run := a.store.coveredBy(base, end)
	for _, r := range run {
		before := r.Prot
		if before == prot {
			continue
		}
		r.Prot = prot
		if prot&(ProtRead|ProtWrite) != 0 && uint64(len(r.Bytes)) < r.Len {
			grown := make([]byte, r.Len)
			copy(grown, r.Bytes)
			r.Bytes = grown
		}
		a.lookups.syncRegion(r, true)
		a.notifyProt(r.Base, r.Len, before, prot)
	}
	a.store.merge()
	return nil
}

// Brk expands the region named "heap" up to addr if that does not
// overlap any other region; otherwise the heap is left unchanged
// (shrink-below-current-end is a no-op, matching the source per
// spec.md section 9). Returns the resulting heap end.
func (a *AddressSpace) Brk(addr uint64) uint64 {
	heap := a.store.findByName("heap")
	if heap == nil {
		return addr
	}
	if addr <= heap.End() {
		return heap.End()
	}
	newEnd := PageAlignUp(addr)
	growBy := newEnd - heap.End()
	if _, overlap := a.store.overlaps(heap.End(), growBy); overlap {
		return heap.End()
	}
	before := heap.Prot
	oldBytes := heap.Bytes
	heap.Len = newEnd - heap.Base
	if heap.hasStorage() {
		heap.Bytes = make([]byte, heap.Len)
		copy(heap.Bytes, oldBytes)
	}
	a.lookups.syncRegion(heap, true)
	a.notifyProt(heap.Base, heap.Len, before, heap.Prot)
	return heap.End()
}

// CreateHeap installs the distinguished "heap" region brk operates
// on. Intended to be called once by the loader after mapping a
// binary's segments.
func (a *AddressSpace) CreateHeap(base, length uint64) (uint64, error) {
	return a.Mmap(base, length, ProtRead|ProtWrite, FlagFixed, "heap")
}

// RegionAt returns a copy of the region metadata covering addr, or
// false if unmapped. The returned Region shares no backing storage
// and must not be used for reads/writes.
func (a *AddressSpace) RegionAt(addr uint64) (Region, bool) {
	r := a.store.find(addr)
	if r == nil {
		return Region{}, false
	}
	return Region{Base: r.Base, Len: r.Len, Prot: r.Prot, Name: r.Name}, true
}

// Regions returns a snapshot of every region, in address order.
func (a *AddressSpace) Regions() []Region {
	src := a.store.all()
	out := make([]Region, len(src))
	for i, r := range src {
		out[i] = Region{Base: r.Base, Len: r.Len, Prot: r.Prot, Name: r.Name}
	}
	return out
}
