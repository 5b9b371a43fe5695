/*
 * lx64run - Blocker Registry: typed wait predicates.
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

// Package blocker implements the Blocker Registry of spec.md section
// 4.G: a collection of typed blockers keyed by their embedded thread,
// tested on every tryWakeAll pass against the VMM, FS and Timer ports.
// Seven variants are implemented as a tagged sum (spec.md section 9
// "Blocker polymorphism"), stored in one slice kept in registration
// order so wakeup ordering matches the insertion order the spec
// requires.
package blocker

import (
	"github.com/rcornwell/lx64run/emu/fsiface"
	"github.com/rcornwell/lx64run/emu/ptime"
	"github.com/rcornwell/lx64run/emu/thread"
)

// Kind tags which predicate a Blocker evaluates.
type Kind int

const (
	Futex Kind = iota
	Poll
	Select
	EpollWait
	Sleep
	Wait4
	Read
)

// Result is the outcome tryWakeAll records on a blocker that woke.
type Result int

const (
	Success Result = iota
	Timeout
)

// etimedout is Linux's ETIMEDOUT errno, the negated syscall-return
// value a Timeout wakeup reports in RAX.
const etimedout = 110

// Errno returns the raw value the scheduler writes into a woken
// thread's RAX: 0 on Success, -ETIMEDOUT on Timeout, per spec.md
// section 8 scenarios SC4/SC5.
func (r Result) Errno() int64 {
	if r == Timeout {
		return -etimedout
	}
	return 0
}

// MemReader is the narrow VMM slice the Futex predicate needs: a
// re-read of the guest word on every evaluation.
type MemReader interface {
	Read32(addr uint64) (uint32, error)
}

// ProcessTable is the narrow process-table slice the Wait4 predicate
// needs.
type ProcessTable interface {
	// ChildState reports the lifecycle state of the child pid, or
	// false if no such child is known.
	ChildState(pid uint64) (thread.State, bool)
}

// Blocker is one waiting thread plus the operands its predicate
// needs. The embedded Thread pointer is what spec.md section 4.G
// means by "keyed implicitly by their embedded thread reference";
// spec.md section 9's cyclic-ownership note is resolved the same way
// here as the scheduler's runnable queue: callers own Thread storage
// in an arena and Blockers merely reference it.
type Blocker struct {
	Kind   Kind
	Thread *thread.Thread

	// Futex operands.
	FutexAddr     uint64
	FutexExpected uint32
	FutexBitset   uint32
	woken         bool // set by an explicit futex-wake matching the bitset

	// Poll/Select/EpollWait operands.
	FDs      []int
	EpollFD  int
	WantKind Kind // Poll, Select, or EpollWait
	Want     fsiface.Event

	// Sleep/deadline operands, also used as the optional timeout for
	// Futex/Poll/Select/EpollWait/Read.
	HasDeadline bool
	Deadline    ptime.PreciseTime

	// Wait4 operand.
	ChildPid uint64

	// Read operand.
	ReadFD int

	// Result is populated once Satisfied reports true.
	Result Result
}

// Registry holds every currently blocked thread, in insertion order.
type Registry struct {
	blockers []*Blocker
	mem      MemReader
	fs       fsiface.Poller
	clock    ptime.Timer
	procs    ProcessTable
}

// NewRegistry returns an empty registry evaluating predicates against
// the given collaborators.
func NewRegistry(mem MemReader, fs fsiface.Poller, clock ptime.Timer, procs ProcessTable) *Registry {
	return &Registry{mem: mem, fs: fs, clock: clock, procs: procs}
}

// Register moves b.Thread from RUNNABLE to BLOCKED and records the
// wait, per spec.md section 4.G.
func (r *Registry) Register(b *Blocker) {
	b.Thread.State = thread.Blocked
	r.blockers = append(r.blockers, b)
}

// WakeFutex marks every registered Futex blocker on addr whose
// bitset intersects mask as explicitly woken, for the bitset form of
// futex-wake; the relative-timeout form instead relies on a changed
// guest word, re-read on the next tryWakeAll pass.
func (r *Registry) WakeFutex(addr uint64, mask uint32) {
	for _, b := range r.blockers {
		if b.Kind == Futex && b.FutexAddr == addr && b.FutexBitset&mask != 0 {
			b.woken = true
		}
	}
}

// Wakeup pairs a thread TryWakeAll promoted to RUNNABLE with the
// Result its predicate resolved to, so the scheduler can set the
// thread's syscall return value (RAX) before it runs again, per
// spec.md section 8 scenarios SC4/SC5.
type Wakeup struct {
	Thread *thread.Thread
	Result Result
}

// TryWakeAll iterates every blocker, evaluating its predicate against
// the current VMM/FS/Timer state; satisfied blockers transition their
// thread to RUNNABLE and are dropped from the registry. Returns the
// threads that woke, in registry order, per spec.md section 4.G's
// ordering guarantee and testable property 9 (every satisfied
// blocker promoted before the pass returns).
func (r *Registry) TryWakeAll() []Wakeup {
	var woken []Wakeup
	kept := r.blockers[:0:0]
	now := r.clock.Now()
	for _, b := range r.blockers {
		if result, ok := r.evaluate(b, now); ok {
			b.Result = result
			b.Thread.State = thread.Runnable
			woken = append(woken, Wakeup{Thread: b.Thread, Result: result})
			continue
		}
		kept = append(kept, b)
	}
	r.blockers = kept
	return woken
}

// evaluate tests one blocker's predicate, per the six rules of
// spec.md section 4.G.
func (r *Registry) evaluate(b *Blocker, now ptime.PreciseTime) (Result, bool) {
	switch b.Kind {
	case Futex:
		return r.evaluateFutex(b, now)
	case Poll, Select, EpollWait:
		return r.evaluatePollFamily(b, now)
	case Sleep:
		if b.HasDeadline && now.AtOrAfter(b.Deadline) {
			return Success, true
		}
		return 0, false
	case Wait4:
		if r.procs == nil {
			return 0, false
		}
		if state, ok := r.procs.ChildState(b.ChildPid); ok && state == thread.Dead {
			return Success, true
		}
		return 0, false
	case Read:
		if r.fs != nil && r.fs.CanRead(b.ReadFD) {
			return Success, true
		}
		return r.timeoutOnly(b, now)
	default:
		return 0, false
	}
}

func (r *Registry) evaluateFutex(b *Blocker, now ptime.PreciseTime) (Result, bool) {
	if b.woken {
		return Success, true
	}
	if r.mem != nil {
		if v, err := r.mem.Read32(b.FutexAddr); err == nil && v != b.FutexExpected {
			return Success, true
		}
	}
	return r.timeoutOnly(b, now)
}

func (r *Registry) evaluatePollFamily(b *Blocker, now ptime.PreciseTime) (Result, bool) {
	if r.fs != nil {
		switch b.WantKind {
		case EpollWait:
			for _, ev := range r.fs.EpollWait(b.EpollFD) {
				if ev.Has(b.Want) {
					return Success, true
				}
			}
		default:
			for _, ev := range r.fs.PollAll(b.FDs) {
				if ev.Has(b.Want) {
					return Success, true
				}
			}
		}
	}
	return r.timeoutOnly(b, now)
}

func (r *Registry) timeoutOnly(b *Blocker, now ptime.PreciseTime) (Result, bool) {
	if b.HasDeadline && now.AtOrAfter(b.Deadline) {
		return Timeout, true
	}
	return 0, false
}

// Len returns the number of currently blocked threads.
func (r *Registry) Len() int { return len(r.blockers) }

// NextDeadline returns the earliest HasDeadline among the currently
// registered blockers, for the scheduler's bounded-wait decision: with
// every thread BLOCKED, nothing broadcasts the scheduler condition
// variable when a Sleep or timed-Futex/Poll/Select/EpollWait/Read
// deadline elapses, so the caller must poll no later than this time.
func (r *Registry) NextDeadline() (ptime.PreciseTime, bool) {
	var earliest ptime.PreciseTime
	found := false
	for _, b := range r.blockers {
		if !b.HasDeadline {
			continue
		}
		if !found || b.Deadline.Before(earliest) {
			earliest = b.Deadline
			found = true
		}
	}
	return earliest, found
}
