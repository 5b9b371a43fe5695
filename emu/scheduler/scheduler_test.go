/*
 * lx64run - Scheduler Core tests.
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

package scheduler

import (
	"testing"
	"time"

	"github.com/rcornwell/lx64run/emu/blocker"
	"github.com/rcornwell/lx64run/emu/ptime"
	"github.com/rcornwell/lx64run/emu/thread"
)

type recordingInterp struct {
	order     []uint64
	counts    map[uint64]int
	dieAfter  int
	sawRun    bool
	stateGood bool
}

func newRecordingInterp(dieAfter int) *recordingInterp {
	return &recordingInterp{counts: make(map[uint64]int), dieAfter: dieAfter}
}

func (r *recordingInterp) RunSlice(t *thread.Thread, budget uint64) (uint64, SliceOutcome) {
	r.order = append(r.order, t.Tid)
	r.counts[t.Tid]++
	r.sawRun = true
	if t.State == thread.Running {
		r.stateGood = true
	}
	if r.counts[t.Tid] >= r.dieAfter {
		return 10, SliceDied
	}
	return 10, SliceExpired
}

func newCore() *Core {
	return NewCore(blocker.NewRegistry(nil, nil, ptime.NewManualClock(), nil), ptime.NewManualClock())
}

// TestSC6CloneRoundRobin covers scenario SC6: a single worker
// interleaves two runnable threads round-robin.
func TestSC6CloneRoundRobin(t *testing.T) {
	c := newCore()
	parent := thread.New(1, 1, 0x401000, 0x7fff0000)
	child := thread.New(1, 2, 0x401000, 0x7ffe0000)
	c.AddThread(parent)
	c.AddThread(child)

	interp := newRecordingInterp(2)
	outcome := c.RunWorker(0, interp)
	if outcome != OutcomeExit {
		t.Fatalf("RunWorker outcome = %v, want OutcomeExit", outcome)
	}

	want := []uint64{1, 2, 1, 2}
	if len(interp.order) != len(want) {
		t.Fatalf("order = %v, want %v", interp.order, want)
	}
	for i := range want {
		if interp.order[i] != want[i] {
			t.Fatalf("order = %v, want %v", interp.order, want)
		}
	}
	if !interp.stateGood {
		t.Fatalf("thread state was not RUNNING during RunSlice")
	}
	if parent.State != thread.Dead || child.State != thread.Dead {
		t.Fatalf("parent/child states = %v/%v, want both Dead", parent.State, child.State)
	}
}

// TestSchedulerProgress covers testable property 7: a runnable thread
// on an idle worker becomes RUNNING within a bounded number of
// iterations (here, the very first).
func TestSchedulerProgress(t *testing.T) {
	c := newCore()
	th := thread.New(1, 1, 0, 0)
	c.AddThread(th)

	interp := newRecordingInterp(1)
	if outcome := c.RunWorker(0, interp); outcome != OutcomeExit {
		t.Fatalf("RunWorker outcome = %v, want OutcomeExit", outcome)
	}
	if !interp.sawRun {
		t.Fatalf("interpreter never ran the runnable thread")
	}
}

// TestAtomicCapableRoutesToWorkerZero exercises spec.md section 4.H's
// privilege gating: a worker other than 0 must not pick an
// atomic-capable thread.
func TestAtomicCapableRoutesToWorkerZero(t *testing.T) {
	c := newCore()
	th := thread.New(1, 1, 0, 0)
	th.AtomicCapable = true
	c.AddThread(th)

	c.mu.Lock()
	decision := c.pickNext(1)
	c.mu.Unlock()
	if decision.Outcome != OutcomeAgain {
		t.Fatalf("pickNext(1) on atomic-only queue = %v, want OutcomeAgain", decision.Outcome)
	}

	c.mu.Lock()
	decision = c.pickNext(0)
	c.mu.Unlock()
	if decision.Outcome != OutcomeRun || decision.Thread != th {
		t.Fatalf("pickNext(0) = %+v, want Run on th", decision)
	}
	if decision.Slice != AtomicSlice {
		t.Fatalf("Slice = %d, want AtomicSlice(%d)", decision.Slice, AtomicSlice)
	}
}

// TestCancellationAborts covers the cooperative SIGINT path: once
// RequestCancel is called, the next pickNext reports ABORT even with
// runnable work pending.
func TestCancellationAborts(t *testing.T) {
	c := newCore()
	th := thread.New(1, 1, 0, 0)
	c.AddThread(th)
	c.RequestCancel()

	interp := newRecordingInterp(1)
	if outcome := c.RunWorker(0, interp); outcome != OutcomeAbort {
		t.Fatalf("RunWorker outcome = %v, want OutcomeAbort", outcome)
	}
	if interp.sawRun {
		t.Fatalf("interpreter ran after cancellation was requested")
	}
	if !c.Aborted() {
		t.Fatalf("Aborted() = false, want true")
	}
}

// TestExitWhenAllDeadWithNoRunnable covers the EXIT branch of
// pick-next when no thread is runnable or blocked.
func TestExitWhenAllDeadWithNoRunnable(t *testing.T) {
	c := newCore()
	th := thread.New(1, 1, 0, 0)
	c.AddThread(th)

	interp := newRecordingInterp(1)
	if outcome := c.RunWorker(0, interp); outcome != OutcomeExit {
		t.Fatalf("RunWorker outcome = %v, want OutcomeExit", outcome)
	}
	if c.RunnableCount() != 0 {
		t.Fatalf("RunnableCount() = %d, want 0", c.RunnableCount())
	}
}

// TestWaitWakesAtBlockerDeadline covers a worker with nothing
// runnable but one thread BLOCKED on a Sleep deadline: the worker
// must not sleep forever in cond.Wait, since nothing else would ever
// broadcast it awake.
func TestWaitWakesAtBlockerDeadline(t *testing.T) {
	clock := ptime.NewWallClock()
	registry := blocker.NewRegistry(nil, nil, clock, nil)
	c := NewCore(registry, clock)

	sleeper := thread.New(1, 1, 0, 0)
	sleeper.State = thread.Blocked
	registry.Register(&blocker.Blocker{
		Kind:        blocker.Sleep,
		Thread:      sleeper,
		HasDeadline: true,
		Deadline:    clock.Now().Add(ptime.FromDuration(20 * time.Millisecond)),
	})
	c.mu.Lock()
	c.all = append(c.all, sleeper)
	c.mu.Unlock()

	interp := newRecordingInterp(1)
	done := make(chan Outcome, 1)
	go func() { done <- c.RunWorker(0, interp) }()

	select {
	case outcome := <-done:
		if outcome != OutcomeExit {
			t.Fatalf("RunWorker outcome = %v, want OutcomeExit", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunWorker never woke the sleeping thread")
	}
	if !interp.sawRun {
		t.Fatalf("interpreter never ran the woken thread")
	}
}
