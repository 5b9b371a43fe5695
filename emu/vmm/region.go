/*
 * lx64run - Region store.
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

// Package vmm implements the guest address space: a page-aligned,
// permission-checked region store (component A), flat page-lookup
// arrays (component B) and the VMM facade (component C) described in
// spec.md sections 3 and 4.
package vmm

import (
	"errors"
	"sort"
)

// Prot is a permission set drawn from {Read, Write, Exec}.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) Has(bit Prot) bool { return p&bit != 0 }

const (
	// PageShift / PageSize match the teacher's page-granular
	// bookkeeping, scaled to an AMD64 guest's 4K pages.
	PageShift = 12
	PageSize  = 1 << PageShift
)

// PageAlignDown rounds addr down to a page boundary.
func PageAlignDown(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// PageAlignUp rounds addr up to a page boundary.
func PageAlignUp(addr uint64) uint64 { return PageAlignDown(addr+PageSize-1) }

// Region is a page-aligned, contiguous, same-permission, same-name
// interval of the guest address space, per spec.md section 3.
type Region struct {
	Base  uint64
	Len   uint64
	Prot  Prot
	Name  string
	Bytes []byte // Len bytes whenever Prot has Read or Write; may be nil otherwise
}

// End returns Base+Len.
func (r *Region) End() uint64 { return r.Base + r.Len }

// hasStorage reports whether r must carry a byte buffer (invariant
// iv of spec.md section 3).
func (r *Region) hasStorage() bool { return r.Prot.Has(ProtRead) || r.Prot.Has(ProtWrite) }

var (
	// ErrOverlap is returned when add() would violate the
	// non-overlap invariant.
	ErrOverlap = errors.New("vmm: region overlap")
	// ErrNotFound is returned by takeByBase/takeByName when no
	// matching region exists.
	ErrNotFound = errors.New("vmm: region not found")
)

// regionStore maintains an ordered, non-overlapping list of owned
// regions (spec.md section 4.A).
type regionStore struct {
	regions []*Region // strictly ordered by Base
}

func newRegionStore() *regionStore {
	return &regionStore{}
}

// indexOf returns the position where base would be inserted to keep
// regions ordered, and whether that slot already starts at base.
func (s *regionStore) indexOf(base uint64) (int, bool) {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].Base >= base
	})
	return i, i < len(s.regions) && s.regions[i].Base == base
}

// overlaps reports whether [base, base+length) intersects any
// existing region.
func (s *regionStore) overlaps(base, length uint64) (*Region, bool) {
	end := base + length
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].End() > base
	})
	if i < len(s.regions) && s.regions[i].Base < end {
		return s.regions[i], true
	}
	return nil, false
}

// add inserts region in order, failing if it overlaps an existing
// one.
func (s *regionStore) add(r *Region) error {
	if _, ok := s.overlaps(r.Base, r.Len); ok {
		return ErrOverlap
	}
	i, _ := s.indexOf(r.Base)
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return nil
}

// addFixed splits overlapping neighbours at base and base+length,
// removes any region fully covered by the range, then adds r.
// Returns the removed regions, in address order. The removal is
// already committed when it returns, so callers reject the operation
// (e.g. an EXEC region in the way) before calling it.
func (s *regionStore) addFixed(r *Region) []*Region {
	base, end := r.Base, r.Base+r.Len
	s.splitAt(base)
	s.splitAt(end)

	var removed []*Region
	var kept []*Region
	for _, reg := range s.regions {
		if reg.Base >= base && reg.End() <= end {
			removed = append(removed, reg)
			continue
		}
		kept = append(kept, reg)
	}
	s.regions = kept
	_ = s.add(r)
	return removed
}

// splitAt divides the region containing addr into two regions of the
// same permissions and name, if addr lies strictly inside it.
func (s *regionStore) splitAt(addr uint64) {
	for i, r := range s.regions {
		if addr <= r.Base || addr >= r.End() {
			continue
		}
		lowLen := addr - r.Base
		low := &Region{Base: r.Base, Len: lowLen, Prot: r.Prot, Name: r.Name}
		high := &Region{Base: addr, Len: r.Len - lowLen, Prot: r.Prot, Name: r.Name}
		if r.hasStorage() {
			low.Bytes = r.Bytes[:lowLen:lowLen]
			high.Bytes = r.Bytes[lowLen:len(r.Bytes):len(r.Bytes)]
		}
		s.regions = append(s.regions, nil)
		copy(s.regions[i+2:], s.regions[i+1:])
		s.regions[i] = low
		s.regions[i+1] = high
		return
	}
}

// takeByBase removes and returns the region starting exactly at base
// with the given size.
func (s *regionStore) takeByBase(base, size uint64) (*Region, error) {
	for i, r := range s.regions {
		if r.Base == base && r.Len == size {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// takeByName removes and returns the (first) region with the given
// name.
func (s *regionStore) takeByName(name string) (*Region, error) {
	for i, r := range s.regions {
		if r.Name == name {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// find returns the region containing addr, if any.
func (s *regionStore) find(addr uint64) *Region {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].End() > addr
	})
	if i < len(s.regions) && s.regions[i].Base <= addr {
		return s.regions[i]
	}
	return nil
}

// findByName returns the region with the given name, if any.
func (s *regionStore) findByName(name string) *Region {
	for _, r := range s.regions {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// removeRange deletes every region fully contained in [base, end)
// after splitting at the boundaries, and returns the removed regions
// in address order.
func (s *regionStore) removeRange(base, end uint64) []*Region {
	s.splitAt(base)
	s.splitAt(end)
	var removed []*Region
	var kept []*Region
	for _, r := range s.regions {
		if r.Base >= base && r.End() <= end {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	s.regions = kept
	return removed
}

// coveredBy returns the contiguous run of regions exactly covering
// [base, end), in order, or nil if the range is not fully mapped or
// not contiguous.
func (s *regionStore) coveredBy(base, end uint64) []*Region {
	var run []*Region
	want := base
	for _, r := range s.regions {
		if r.Base != want {
			continue
		}
		run = append(run, r)
		want = r.End()
		if want >= end {
			break
		}
	}
	if want != end {
		return nil
	}
	return run
}

// merge sweeps adjacent region pairs and fuses ones that share
// end==base, permissions, and name.
func (s *regionStore) merge() {
	if len(s.regions) == 0 {
		return
	}
	out := s.regions[:1]
	for _, r := range s.regions[1:] {
		last := out[len(out)-1]
		if last.End() == r.Base && last.Prot == r.Prot && last.Name == r.Name {
			last.Len += r.Len
			if last.hasStorage() {
				last.Bytes = append(last.Bytes, r.Bytes...)
			}
			continue
		}
		out = append(out, r)
	}
	s.regions = out
}

// firstGap returns the base of the first gap of at least length bytes
// at or above minAddr, scanning adjacency between sorted regions.
func (s *regionStore) firstGap(minAddr, length uint64) uint64 {
	cursor := minAddr
	for _, r := range s.regions {
		if r.Base < cursor {
			if r.End() > cursor {
				cursor = r.End()
			}
			continue
		}
		if r.Base-cursor >= length {
			return cursor
		}
		cursor = r.End()
	}
	return cursor
}

// all returns the regions in address order. Callers must not mutate
// the slice.
func (s *regionStore) all() []*Region { return s.regions }
