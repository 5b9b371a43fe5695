/*
 * lx64run - Scheduler Core: worker pool, pick-next, cancellation.
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

// Package scheduler implements the Scheduler Core of spec.md section
// 4.H: a fixed worker pool cooperating through one scheduler mutex,
// worker 0 privileged for syscalls and atomic-ring instructions,
// round-robin pick-next, and cooperative SIGINT cancellation.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rcornwell/lx64run/emu/blocker"
	"github.com/rcornwell/lx64run/emu/ptime"
	"github.com/rcornwell/lx64run/emu/thread"
)

// Default and atomic time slices, in ticks, per spec.md section 4.H.
const (
	DefaultSlice = 1_000_000
	AtomicSlice  = 100
)

// Outcome is the result of one pickNext call or one worker's loop
// exit.
type Outcome int

const (
	OutcomeRun Outcome = iota
	OutcomeAgain
	OutcomeWait
	OutcomeExit
	OutcomeAbort
)

// SliceOutcome is why a running slice returned to the scheduler.
type SliceOutcome int

const (
	SliceExpired SliceOutcome = iota
	SliceSyscall
	SliceBlocked
	SliceDied
)

// Interpreter is the CPU-interpreter collaborator the scheduler
// hands a thread to for one slice; spec.md section 6 names this as
// an external consumer of the DBBC, so this package only depends on
// the narrow callback shape it needs, not on the interpreter itself.
type Interpreter interface {
	RunSlice(t *thread.Thread, budget uint64) (ticksUsed uint64, outcome SliceOutcome)
}

// Decision is pickNext's outcome: which thread to run and its slice
// budget, or a control signal.
type Decision struct {
	Outcome Outcome
	Thread  *thread.Thread
	Slice   uint64
}

// Core is the scheduler: the mutex, the runnable queue, the blocker
// registry, and cancellation state. Following the teacher's core.go
// shape (a small struct guarding shared state, advanced from one
// loop to a worker pool).
type Core struct {
	mu        sync.Mutex
	cond      *sync.Cond
	blockers  *blocker.Registry
	clock     ptime.Timer
	runnable  []*thread.Thread
	all       []*thread.Thread
	cancelled bool
	aborted   bool
}

// NewCore returns a Core driving the given Blocker Registry. clock is
// consulted only to bound how long a worker may sleep when every
// thread is BLOCKED on a Sleep or timed wait (spec.md section 4.G);
// pass the same Timer given to blocker.NewRegistry.
func NewCore(blockers *blocker.Registry, clock ptime.Timer) *Core {
	c := &Core{blockers: blockers, clock: clock}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AddThread registers a new thread, assumed RUNNABLE, into the
// runnable queue and the live-thread set.
func (c *Core) AddThread(t *thread.Thread) {
	c.mu.Lock()
	c.all = append(c.all, t)
	if t.State == thread.Runnable {
		c.runnable = append(c.runnable, t)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// RequestCancel sets the process-wide SIGINT cancellation flag,
// waking every worker so it ABORTs on its next scheduler-mutex entry,
// per spec.md section 4.H "Cancellation".
func (c *Core) RequestCancel() {
	c.mu.Lock()
	c.cancelled = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Core) allDead() bool {
	for _, t := range c.all {
		if t.State != thread.Dead {
			return false
		}
	}
	return len(c.all) > 0
}

// pickNext implements spec.md section 4.H's pick-next policy:
// round-robin over the runnable queue, gated by workerID's
// privileges. Must be called with c.mu held.
func (c *Core) pickNext(workerID int) Decision {
	if c.cancelled {
		return Decision{Outcome: OutcomeAbort}
	}

	for i, t := range c.runnable {
		if workerID != 0 && t.AtomicCapable {
			continue
		}
		c.runnable = append(c.runnable[:i:i], c.runnable[i+1:]...)
		slice := uint64(DefaultSlice)
		if t.AtomicCapable {
			slice = AtomicSlice
		}
		return Decision{Outcome: OutcomeRun, Thread: t, Slice: slice}
	}

	if len(c.runnable) > 0 {
		// Runnable work exists but all of it needs worker 0;
		// this worker has nothing to do this round.
		return Decision{Outcome: OutcomeAgain}
	}
	if c.allDead() {
		return Decision{Outcome: OutcomeExit}
	}
	return Decision{Outcome: OutcomeWait}
}

// RunWorker executes the main loop of spec.md section 4.H for one
// worker, driving threads through interp until EXIT or ABORT.
func (c *Core) RunWorker(workerID int, interp Interpreter) Outcome {
	for {
		c.mu.Lock()

		if woken := c.blockers.TryWakeAll(); len(woken) > 0 {
			for _, w := range woken {
				w.Thread.Regs.GP[thread.RAX] = uint64(w.Result.Errno())
				c.runnable = append(c.runnable, w.Thread)
			}
			c.cond.Broadcast()
		}

		decision := c.pickNext(workerID)
		switch decision.Outcome {
		case OutcomeExit:
			c.mu.Unlock()
			return OutcomeExit
		case OutcomeAbort:
			c.aborted = true
			c.mu.Unlock()
			slog.Warn("scheduler worker aborting on cancellation", "worker", workerID)
			return OutcomeAbort
		case OutcomeWait:
			timer := c.armDeadlineWake()
			c.cond.Wait()
			if timer != nil {
				timer.Stop()
			}
			c.mu.Unlock()
			continue
		case OutcomeAgain:
			c.mu.Unlock()
			continue
		}

		t := decision.Thread
		t.State = thread.Running
		budget := decision.Slice
		t.TimeSliceRemaining = budget
		c.mu.Unlock()

		ticks, sliceOutcome := interp.RunSlice(t, budget)

		c.mu.Lock()
		t.AddTicks(ticks)
		switch sliceOutcome {
		case SliceDied:
			t.State = thread.Dead
		case SliceBlocked:
			// The interpreter already called Registry.Register,
			// which set the BLOCKED state; nothing further to do.
		default:
			t.State = thread.Runnable
			c.runnable = append(c.runnable, t)
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// Aborted reports whether any worker ABORTed, for the caller's exit
// code decision.
func (c *Core) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// RunnableCount returns the number of threads currently queued to
// run, for tests and diagnostics.
func (c *Core) RunnableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runnable)
}

// armDeadlineWake schedules a one-shot wake of c.cond at the earliest
// blocker deadline, if any, so a worker about to Wait does not sleep
// past a Sleep/timeout that nothing else would signal. Must be called
// with c.mu held; the returned timer should be Stopped once Wait
// returns. Returns nil when no blocker carries a deadline or no clock
// was supplied.
func (c *Core) armDeadlineWake() *time.Timer {
	if c.clock == nil {
		return nil
	}
	deadline, ok := c.blockers.NextDeadline()
	if !ok {
		return nil
	}
	wait := deadline.Sub(c.clock.Now()).Duration()
	if wait <= 0 {
		wait = time.Millisecond
	}
	return time.AfterFunc(wait, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
}
