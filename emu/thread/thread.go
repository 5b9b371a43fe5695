/*
 * lx64run - Thread state: saved registers, call stack, lifecycle.
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

// Package thread implements the Thread State component of spec.md
// section 4.F: a saved-register image updated only at context-switch
// boundaries, a call/return stack updated on every CALL/RET, and the
// lifecycle counters the scheduler drives. Access is protected
// externally by the scheduler mutex, per spec.md section 5; nothing
// in this package locks on its own.
package thread

// Reg names the general-purpose register slots of Regs, in the
// conventional AMD64 encoding order.
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numGPRegs
)

// Regs is the saved CPU register image a worker borrows during a
// slice and the scheduler installs at a context switch.
type Regs struct {
	GP     [numGPRegs]uint64
	RIP    uint64
	RFlags uint64
	FSBase uint64
	GSBase uint64

	// XMM holds the 16 128-bit SSE registers, each in the raw byte
	// encoding vmm.Read128/Write128 move; XMM semantics belong to the
	// (out-of-scope) CPU interpreter.
	XMM [16][16]byte

	// X87 holds the eight 80-bit x87 stack registers in the raw
	// extended-precision encoding vmm.Read80/Write80 move.
	X87 [8][10]byte

	// MXCSR is the SSE control/status register.
	MXCSR uint32
}

// State is a thread's scheduling lifecycle state.
type State int

const (
	Runnable State = iota
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// CallFrame records one outstanding CALL: the return address and the
// guest stack pointer at the moment of call, enough for the profiling
// writer to render a callstack on a fault.
type CallFrame struct {
	ReturnAddr uint64
	StackAddr  uint64
}

// Thread is one schedulable guest thread of execution.
type Thread struct {
	Pid   uint64
	Tid   uint64
	Regs  Regs
	State State

	// CallStack grows on CALL and shrinks on RET; component F's
	// "call/return stack updated on every CALL/RET instruction".
	CallStack []CallFrame

	// Ticks is the count of guest instructions retired, the spec's
	// "Tick" unit.
	Ticks uint64

	// TimeSliceRemaining is the portion of the worker's last-granted
	// slice this thread has not yet spent; the scheduler sets it on
	// dispatch and decrements it as ticks are retired.
	TimeSliceRemaining uint64

	// ExitStatus is valid once State == Dead.
	ExitStatus int

	// ClearChildTID is the guest address the (out-of-scope) syscall
	// dispatcher zeroes and futex-wakes on thread exit, per
	// set_tid_address/CLONE_CHILD_CLEARTID. Zero means unset.
	ClearChildTID uint64

	// AtomicCapable threads may only ever run on worker 0, per
	// spec.md section 4.H "only it may run system calls and
	// atomic-ring instructions" — this flag marks a thread that is
	// mid-LOCK-prefixed-instruction and must not be scheduled
	// elsewhere until it clears.
	AtomicCapable bool
}

// New returns a freshly RUNNABLE thread with RIP set to entry.
func New(pid, tid, entry, stackTop uint64) *Thread {
	t := &Thread{
		Pid:   pid,
		Tid:   tid,
		State: Runnable,
	}
	t.Regs.RIP = entry
	t.Regs.GP[RSP] = stackTop
	return t
}

// PushCall records a CALL: return address and stack pointer at the
// time of call.
func (t *Thread) PushCall(returnAddr, stackAddr uint64) {
	t.CallStack = append(t.CallStack, CallFrame{ReturnAddr: returnAddr, StackAddr: stackAddr})
}

// PopReturn pops the most recent CallFrame on a RET, reporting
// whether the stack was non-empty. An empty pop (return past the
// entry frame) is not itself an error at this layer; callers decide
// whether it means the thread is exiting.
func (t *Thread) PopReturn() (CallFrame, bool) {
	if len(t.CallStack) == 0 {
		return CallFrame{}, false
	}
	frame := t.CallStack[len(t.CallStack)-1]
	t.CallStack = t.CallStack[:len(t.CallStack)-1]
	return frame, true
}

// AddTicks accrues n retired instructions against the thread's total
// and debits them from the current slice, floored at zero.
func (t *Thread) AddTicks(n uint64) {
	t.Ticks += n
	if n >= t.TimeSliceRemaining {
		t.TimeSliceRemaining = 0
	} else {
		t.TimeSliceRemaining -= n
	}
}

// SetClearChildTID records the clear-child-tid address set by
// set_tid_address, per spec.md section 3.
func (t *Thread) SetClearChildTID(addr uint64) { t.ClearChildTID = addr }
