/*
 * lx64run - Thread state tests.
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

package thread

import "testing"

func TestNewIsRunnableWithSeededRegs(t *testing.T) {
	th := New(1, 100, 0x401000, 0x7fff0000)
	if th.State != Runnable {
		t.Fatalf("State = %v, want Runnable", th.State)
	}
	if th.Regs.RIP != 0x401000 {
		t.Fatalf("RIP = %#x, want 0x401000", th.Regs.RIP)
	}
	if th.Regs.GP[RSP] != 0x7fff0000 {
		t.Fatalf("RSP = %#x, want 0x7fff0000", th.Regs.GP[RSP])
	}
}

func TestCallStackLifo(t *testing.T) {
	th := New(1, 100, 0x401000, 0x7fff0000)
	th.PushCall(0x401010, 0x7ffefff8)
	th.PushCall(0x401020, 0x7ffeffe8)

	frame, ok := th.PopReturn()
	if !ok || frame.ReturnAddr != 0x401020 {
		t.Fatalf("first pop = %+v, %v, want 0x401020 frame", frame, ok)
	}
	frame, ok = th.PopReturn()
	if !ok || frame.ReturnAddr != 0x401010 {
		t.Fatalf("second pop = %+v, %v, want 0x401010 frame", frame, ok)
	}
	if _, ok := th.PopReturn(); ok {
		t.Fatalf("pop on empty call stack reported ok")
	}
}

func TestAddTicksAccrues(t *testing.T) {
	th := New(1, 100, 0, 0)
	th.AddTicks(500)
	th.AddTicks(250)
	if th.Ticks != 750 {
		t.Fatalf("Ticks = %d, want 750", th.Ticks)
	}
}

func TestAddTicksDebitsTimeSliceRemainingFlooredAtZero(t *testing.T) {
	th := New(1, 100, 0, 0)
	th.TimeSliceRemaining = 300
	th.AddTicks(120)
	if th.TimeSliceRemaining != 180 {
		t.Fatalf("TimeSliceRemaining = %d, want 180", th.TimeSliceRemaining)
	}
	th.AddTicks(1000)
	if th.TimeSliceRemaining != 0 {
		t.Fatalf("TimeSliceRemaining = %d, want 0", th.TimeSliceRemaining)
	}
}

func TestSetClearChildTID(t *testing.T) {
	th := New(1, 100, 0, 0)
	th.SetClearChildTID(0x7fff1000)
	if th.ClearChildTID != 0x7fff1000 {
		t.Fatalf("ClearChildTID = %#x, want 0x7fff1000", th.ClearChildTID)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{Runnable: "RUNNABLE", Running: "RUNNING", Blocked: "BLOCKED", Dead: "DEAD"}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
