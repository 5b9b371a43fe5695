/*
 * lx64run - Crash diagnostics tests.
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

package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rcornwell/lx64run/emu/thread"
)

func TestFormatRegistersListsAllGPRsAndRIP(t *testing.T) {
	regs := thread.Regs{RIP: 0x401000, RFlags: 0x246}
	regs.GP[0] = 0xdeadbeef
	out := FormatRegisters(regs)
	if !strings.Contains(out, "rax") || !strings.Contains(out, "deadbeef") {
		t.Fatalf("missing rax value: %q", out)
	}
	if !strings.Contains(out, "rip") || !strings.Contains(out, "401000") {
		t.Fatalf("missing rip value: %q", out)
	}
}

func TestFormatMemoryRendersAddressHexAndAscii(t *testing.T) {
	data := []byte("Hello, world!!!\x00extra")
	out := FormatMemory(0x7000, data)
	if !strings.Contains(out, "0x0000000000007000") {
		t.Fatalf("missing base address: %q", out)
	}
	if !strings.Contains(out, "|Hello, world!!!.|") {
		t.Fatalf("missing ascii gutter for first row: %q", out)
	}
}

func TestReportWriteToIncludesReasonAndRegisters(t *testing.T) {
	r := Report{
		Pid: 1, Tid: 100, Reason: "illegal instruction",
		Regs:       thread.Regs{RIP: 0x1000},
		MemoryBase: 0x1000,
		Memory:     []byte{0x0f, 0x0b},
	}
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "illegal instruction") || !strings.Contains(out, "registers:") || !strings.Contains(out, "memory:") {
		t.Fatalf("report missing sections: %q", out)
	}
}
