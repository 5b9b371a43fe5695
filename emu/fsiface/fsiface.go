/*
 * lx64run - Filesystem readiness port.
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

// Package fsiface is the narrow filesystem-readiness port the
// Blocker Registry's Poll/Select/EpollWait/Read predicates consult,
// per spec.md section 6 "To the FS". It is a non-blocking, query-only
// surface; this package ships only the in-memory Fake used to drive
// the scheduler's tests, not a real VFS.
package fsiface

// Event is a readiness bitmask, matching the poll(2) event bits the
// guest cares about.
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
	EventHup
	EventErr
)

// Has reports whether e includes every bit in want.
func (e Event) Has(want Event) bool { return e&want == want }

// Poller is the non-blocking FS readiness query surface spec.md
// section 6 names.
type Poller interface {
	// PollAll reports the readiness bitmask currently observed for
	// each requested fd, in the same order as fds.
	PollAll(fds []int) []Event
	// EpollWait reports the readiness bitmask for every fd registered
	// under epfd.
	EpollWait(epfd int) map[int]Event
	// CanRead reports whether fd currently has data available.
	CanRead(fd int) bool
	// CanWrite reports whether fd currently accepts a write without
	// blocking.
	CanWrite(fd int) bool
}

// Fake is a scriptable, in-memory Poller a test flips by hand,
// grounded on the teacher's pattern of a scriptable fake device
// driving unit tests without real I/O.
type Fake struct {
	state map[int]Event
	epoll map[int][]int // epfd -> watched fds
}

// NewFake returns an empty Fake with every fd reporting no readiness.
func NewFake() *Fake {
	return &Fake{state: make(map[int]Event), epoll: make(map[int][]int)}
}

// SetReady overwrites fd's readiness bitmask.
func (f *Fake) SetReady(fd int, ev Event) {
	f.state[fd] = ev
}

// Watch registers fds under epfd for EpollWait.
func (f *Fake) Watch(epfd int, fds ...int) {
	f.epoll[epfd] = append(f.epoll[epfd], fds...)
}

func (f *Fake) PollAll(fds []int) []Event {
	out := make([]Event, len(fds))
	for i, fd := range fds {
		out[i] = f.state[fd]
	}
	return out
}

func (f *Fake) EpollWait(epfd int) map[int]Event {
	out := make(map[int]Event)
	for _, fd := range f.epoll[epfd] {
		if ev := f.state[fd]; ev != 0 {
			out[fd] = ev
		}
	}
	return out
}

func (f *Fake) CanRead(fd int) bool  { return f.state[fd].Has(EventRead) }
func (f *Fake) CanWrite(fd int) bool { return f.state[fd].Has(EventWrite) }

var _ Poller = (*Fake)(nil)
