/*
 * lx64run - Blocker Registry tests.
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

package blocker

import (
	"testing"

	"github.com/rcornwell/lx64run/emu/fsiface"
	"github.com/rcornwell/lx64run/emu/ptime"
	"github.com/rcornwell/lx64run/emu/thread"
	"github.com/rcornwell/lx64run/emu/vmm"
)

// TestSC4FutexWake covers scenario SC4: T1 futex-waits on A expecting
// 1; T2 writes 2 to A and wakes the bitset. The next TryWakeAll
// reports T1 RUNNABLE.
func TestSC4FutexWake(t *testing.T) {
	space := vmm.NewAddressSpace()
	if _, err := space.Mmap(0x10000, 4096, vmm.ProtRead|vmm.ProtWrite, vmm.FlagFixed|vmm.FlagAnonymous, "futex"); err != nil {
		t.Fatalf("mmap: %v", err)
	}
	addr := uint64(0x10000)
	if err := space.Write32(addr, 1); err != nil {
		t.Fatalf("seed write32: %v", err)
	}

	t1 := thread.New(1, 1, 0x401000, 0x7fff0000)
	reg := NewRegistry(space, nil, ptime.NewManualClock(), nil)
	reg.Register(&Blocker{Kind: Futex, Thread: t1, FutexAddr: addr, FutexExpected: 1, FutexBitset: 1})

	if woken := reg.TryWakeAll(); len(woken) != 0 {
		t.Fatalf("TryWakeAll before wake = %v, want none woken", woken)
	}

	if err := space.Write32(addr, 2); err != nil {
		t.Fatalf("write32: %v", err)
	}
	reg.WakeFutex(addr, 1)

	woken := reg.TryWakeAll()
	if len(woken) != 1 || woken[0].Thread != t1 {
		t.Fatalf("TryWakeAll after wake = %v, want [t1]", woken)
	}
	if woken[0].Result != Success {
		t.Fatalf("Result = %v, want Success", woken[0].Result)
	}
	if woken[0].Result.Errno() != 0 {
		t.Fatalf("Errno() = %d, want 0 (RAX=0 per spec.md SC4)", woken[0].Result.Errno())
	}
	if t1.State != thread.Runnable {
		t.Fatalf("t1.State = %v, want Runnable", t1.State)
	}
}

// TestSC5SleepTimeout covers scenario SC5: T1 sleeps until t=1000.
// tryWakeAll at t=500 leaves it BLOCKED; at t=1500 it wakes with a
// Success result (RAX 0).
func TestSC5SleepTimeout(t *testing.T) {
	clock := ptime.NewManualClock()
	t1 := thread.New(1, 1, 0, 0)
	reg := NewRegistry(nil, nil, clock, nil)
	reg.Register(&Blocker{
		Kind:        Sleep,
		Thread:      t1,
		HasDeadline: true,
		Deadline:    ptime.PreciseTime{Sec: 1000},
	})

	clock.Set(ptime.PreciseTime{Sec: 500})
	if woken := reg.TryWakeAll(); len(woken) != 0 {
		t.Fatalf("TryWakeAll at t=500 woke %v, want none", woken)
	}
	if t1.State != thread.Blocked {
		t.Fatalf("t1.State at t=500 = %v, want Blocked", t1.State)
	}

	clock.Set(ptime.PreciseTime{Sec: 1500})
	woken := reg.TryWakeAll()
	if len(woken) != 1 || woken[0].Thread != t1 {
		t.Fatalf("TryWakeAll at t=1500 = %v, want [t1]", woken)
	}
	// Sleep's predicate always resolves Success (it has no separate
	// readiness condition to time out on), so RAX=0 per spec.md SC5.
	if woken[0].Result != Success {
		t.Fatalf("Result = %v, want Success", woken[0].Result)
	}
	if woken[0].Result.Errno() != 0 {
		t.Fatalf("Errno() = %d, want 0 (RAX=0 per spec.md SC5)", woken[0].Result.Errno())
	}
	if t1.State != thread.Runnable {
		t.Fatalf("t1.State at t=1500 = %v, want Runnable", t1.State)
	}
}

// TestWait4WakesOnChildDeath exercises the Wait4 predicate.
func TestWait4WakesOnChildDeath(t *testing.T) {
	states := map[uint64]thread.State{42: thread.Running}
	procs := fakeProcs{states: states}
	t1 := thread.New(1, 1, 0, 0)
	reg := NewRegistry(nil, nil, ptime.NewManualClock(), &procs)
	reg.Register(&Blocker{Kind: Wait4, Thread: t1, ChildPid: 42})

	if woken := reg.TryWakeAll(); len(woken) != 0 {
		t.Fatalf("TryWakeAll before child death = %v, want none", woken)
	}
	states[42] = thread.Dead
	if woken := reg.TryWakeAll(); len(woken) != 1 {
		t.Fatalf("TryWakeAll after child death = %v, want [t1]", woken)
	}
}

type fakeProcs struct{ states map[uint64]thread.State }

func (f *fakeProcs) ChildState(pid uint64) (thread.State, bool) {
	s, ok := f.states[pid]
	return s, ok
}

// TestReadWakesOnReadiness exercises the Read predicate against an
// fsiface.Fake.
func TestReadWakesOnReadiness(t *testing.T) {
	fs := fsiface.NewFake()
	t1 := thread.New(1, 1, 0, 0)
	reg := NewRegistry(nil, fs, ptime.NewManualClock(), nil)
	reg.Register(&Blocker{Kind: Read, Thread: t1, ReadFD: 3})

	if woken := reg.TryWakeAll(); len(woken) != 0 {
		t.Fatalf("TryWakeAll before data = %v, want none", woken)
	}
	fs.SetReady(3, fsiface.EventRead)
	if woken := reg.TryWakeAll(); len(woken) != 1 {
		t.Fatalf("TryWakeAll after data = %v, want [t1]", woken)
	}
}

// TestPassWakesEverySatisfiedBlockerBeforeReturning exercises testable
// property 9: within one pass, every blocker whose predicate is true
// at pass-entry is promoted before the pass returns, regardless of
// registration order relative to each other.
func TestPassWakesEverySatisfiedBlockerBeforeReturning(t *testing.T) {
	clock := ptime.NewManualClock()
	clock.Set(ptime.PreciseTime{Sec: 2000})
	reg := NewRegistry(nil, nil, clock, nil)

	var threads []*thread.Thread
	for i := uint64(0); i < 5; i++ {
		tt := thread.New(1, i, 0, 0)
		threads = append(threads, tt)
		reg.Register(&Blocker{Kind: Sleep, Thread: tt, HasDeadline: true, Deadline: ptime.PreciseTime{Sec: 1000}})
	}

	woken := reg.TryWakeAll()
	if len(woken) != 5 {
		t.Fatalf("len(woken) = %d, want 5", len(woken))
	}
	for _, tt := range threads {
		if tt.State != thread.Runnable {
			t.Fatalf("thread %d State = %v, want Runnable", tt.Tid, tt.State)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("registry still holds %d blockers after full wake", reg.Len())
	}
}

// TestWakeOrderMatchesRegistration covers the "insertion order"
// ordering guarantee of spec.md section 4.G.
func TestWakeOrderMatchesRegistration(t *testing.T) {
	clock := ptime.NewManualClock()
	clock.Set(ptime.PreciseTime{Sec: 2000})
	reg := NewRegistry(nil, nil, clock, nil)

	t3 := thread.New(1, 3, 0, 0)
	t1 := thread.New(1, 1, 0, 0)
	t2 := thread.New(1, 2, 0, 0)
	reg.Register(&Blocker{Kind: Sleep, Thread: t3, HasDeadline: true, Deadline: ptime.PreciseTime{Sec: 1000}})
	reg.Register(&Blocker{Kind: Sleep, Thread: t1, HasDeadline: true, Deadline: ptime.PreciseTime{Sec: 1000}})
	reg.Register(&Blocker{Kind: Sleep, Thread: t2, HasDeadline: true, Deadline: ptime.PreciseTime{Sec: 1000}})

	woken := reg.TryWakeAll()
	want := []*thread.Thread{t3, t1, t2}
	if len(woken) != len(want) {
		t.Fatalf("len(woken) = %d, want %d", len(woken), len(want))
	}
	for i := range want {
		if woken[i].Thread != want[i] {
			t.Fatalf("woken[%d] = tid %d, want tid %d", i, woken[i].Thread.Tid, want[i].Tid)
		}
	}
}
