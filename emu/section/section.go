/*
 * lx64run - Executable section store.
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

// Package section holds the disassembled-range index the DBBC Engine
// keeps coherent with VMM page-protection changes (spec.md section
// 4.D): an owning list sorted by begin address, which binary search
// also uses as the by-begin index, plus a slice sorted by end
// address, the two kept synchronous.
package section

import "sort"

// Instruction is the minimal shape the section store needs to know
// about a decoded instruction: its address and length. The full
// operand/opcode representation lives in package dbbc, whose
// Instruction implements this interface.
type Instruction interface {
	Address() uint64
	Length() int
}

// Section is an interval [Begin, End) of guest addresses, a filename
// (the origin region's name), and its decoded instructions in
// ascending address order.
type Section struct {
	Begin  uint64
	End    uint64
	File   string
	Instrs []Instruction
}

// Store is the three-view index of spec.md section 4.D.
type Store struct {
	list  []*Section // owning list, kept in address order
	byEnd []*Section // sorted by End, for O(log n) containment lookup
}

// NewStore returns an empty section store.
func NewStore() *Store {
	return &Store{}
}

// indexByBegin returns the position in list where a section starting
// at begin would be inserted, and whether one already starts there.
func (s *Store) indexByBegin(begin uint64) (int, bool) {
	i := sort.Search(len(s.list), func(i int) bool { return s.list[i].Begin >= begin })
	return i, i < len(s.list) && s.list[i].Begin == begin
}

func (s *Store) indexByEnd(end uint64) int {
	return sort.Search(len(s.byEnd), func(i int) bool { return s.byEnd[i].End >= end })
}

// ContainingSection returns the section covering addr, if any, in
// O(log n) via the by-end index: find the first section whose End is
// greater than addr, then test containment.
func (s *Store) ContainingSection(addr uint64) *Section {
	i := sort.Search(len(s.byEnd), func(i int) bool { return s.byEnd[i].End > addr })
	if i < len(s.byEnd) && s.byEnd[i].Begin <= addr {
		return s.byEnd[i]
	}
	return nil
}

// nextSectionBegin returns the Begin of the first section whose
// Begin is >= addr, and whether one exists. Used by the DBBC to bound
// a fresh fetch by "the next already-disassembled section's begin".
func (s *Store) nextSectionBegin(addr uint64) (uint64, bool) {
	i, _ := s.indexByBegin(addr)
	if i < len(s.list) {
		return s.list[i].Begin, true
	}
	return 0, false
}

// NextSectionBegin is the exported form of nextSectionBegin.
func (s *Store) NextSectionBegin(addr uint64) (uint64, bool) { return s.nextSectionBegin(addr) }

// Insert adds sec, first trimming any existing section that overlaps
// it at the overlap boundary so the global Begin order is preserved
// (spec.md section 4.E "edge cases").
func (s *Store) Insert(sec *Section) {
	s.trimOverlap(sec.Begin, sec.End)
	s.insertSorted(sec)
}

func (s *Store) insertSorted(sec *Section) {
	i, exact := s.indexByBegin(sec.Begin)
	if exact {
		s.removeAt(i)
		i, _ = s.indexByBegin(sec.Begin)
	}
	s.list = append(s.list, nil)
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = sec

	j := s.indexByEnd(sec.End)
	s.byEnd = append(s.byEnd, nil)
	copy(s.byEnd[j+1:], s.byEnd[j:])
	s.byEnd[j] = sec
}

// trimOverlap shortens (or removes) any section intersecting
// [begin, end) so a freshly decoded section never overlaps an older
// one: the older section is trimmed at the overlap boundary.
func (s *Store) trimOverlap(begin, end uint64) {
	for _, old := range append([]*Section(nil), s.list...) {
		if old.End <= begin || old.Begin >= end {
			continue
		}
		switch {
		case old.Begin < begin && old.End <= end:
			s.truncateEnd(old, begin)
		case old.Begin >= begin && old.End > end:
			s.truncateBegin(old, end)
		case old.Begin < begin && old.End > end:
			// New section sits entirely inside old: shrink old to
			// end at begin; the tail beyond end is dropped rather
			// than split into a third section, since the caller is
			// about to insert fresh, authoritative bytes for
			// [begin, end) and anything old claimed beyond end is
			// about to be superseded by the next fetch anyway.
			s.truncateEnd(old, begin)
		default:
			s.RemoveRange(old.Begin, old.End)
		}
	}
}

func (s *Store) truncateEnd(sec *Section, newEnd uint64) {
	if newEnd <= sec.Begin {
		s.RemoveRange(sec.Begin, sec.End)
		return
	}
	sec.Instrs = trimInstrsBefore(sec.Instrs, newEnd)
	sec.End = newEnd
	s.resortEnd(sec)
}

func (s *Store) truncateBegin(sec *Section, newBegin uint64) {
	if newBegin >= sec.End {
		s.RemoveRange(sec.Begin, sec.End)
		return
	}
	s.removeFromList(sec)
	sec.Instrs = trimInstrsFrom(sec.Instrs, newBegin)
	sec.Begin = newBegin
	s.insertSorted(sec)
}

func trimInstrsBefore(instrs []Instruction, limit uint64) []Instruction {
	out := instrs[:0:0]
	for _, ins := range instrs {
		if ins.Address() >= limit {
			break
		}
		out = append(out, ins)
	}
	return out
}

func trimInstrsFrom(instrs []Instruction, from uint64) []Instruction {
	out := instrs[:0:0]
	for _, ins := range instrs {
		if ins.Address() >= from {
			out = append(out, ins)
		}
	}
	return out
}

func (s *Store) resortEnd(sec *Section) {
	for i, e := range s.byEnd {
		if e == sec {
			s.byEnd = append(s.byEnd[:i], s.byEnd[i+1:]...)
			break
		}
	}
	j := s.indexByEnd(sec.End)
	s.byEnd = append(s.byEnd, nil)
	copy(s.byEnd[j+1:], s.byEnd[j:])
	s.byEnd[j] = sec
}

func (s *Store) removeFromList(sec *Section) {
	for i, e := range s.list {
		if e == sec {
			s.removeAt(i)
			return
		}
	}
}

func (s *Store) removeAt(i int) {
	sec := s.list[i]
	s.list = append(s.list[:i], s.list[i+1:]...)
	for j, e := range s.byEnd {
		if e == sec {
			s.byEnd = append(s.byEnd[:j], s.byEnd[j+1:]...)
			break
		}
	}
}

// RemoveRange erases every section fully within [base, end) from all
// three views, used by the DBBC's invalidation path (spec.md section
// 4.E).
func (s *Store) RemoveRange(base, end uint64) {
	kept := s.list[:0:0]
	for _, sec := range s.list {
		if sec.Begin >= base && sec.End <= end {
			continue
		}
		kept = append(kept, sec)
	}
	s.list = kept

	keptEnd := s.byEnd[:0:0]
	for _, sec := range s.byEnd {
		if sec.Begin >= base && sec.End <= end {
			continue
		}
		keptEnd = append(keptEnd, sec)
	}
	s.byEnd = keptEnd
}

// All returns every section in address order. Callers must not
// mutate the slice.
func (s *Store) All() []*Section { return s.list }
