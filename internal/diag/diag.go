/*
 * lx64run - Crash diagnostics.
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

// Package diag renders a thread's register image and surrounding guest
// memory as text when a run aborts unexpectedly, so a developer staring
// at a terminal can see what the guest was doing. The digit-at-a-time
// hex formatting follows the teacher's util/hex shift-and-mask style
// rather than fmt's %x, since that is how this codebase's dumps are
// built elsewhere (see DESIGN.md).
package diag

import (
	"fmt"
	"io"
	"strings"

	"github.com/rcornwell/lx64run/emu/thread"
)

var hexDigits = "0123456789abcdef"

// formatHex64 appends the 16 hex digits of v to b.
func formatHex64(b *strings.Builder, v uint64) {
	for shift := 60; shift >= 0; shift -= 4 {
		b.WriteByte(hexDigits[(v>>uint(shift))&0xf])
	}
}

var regNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// FormatRegisters renders a register image as one name: value pair per
// line, in thread.Reg enumeration order.
func FormatRegisters(regs thread.Regs) string {
	var b strings.Builder
	for i, name := range regNames {
		b.WriteString(fmt.Sprintf("%-5s", name))
		b.WriteString("0x")
		formatHex64(&b, regs.GP[i])
		b.WriteByte('\n')
	}
	b.WriteString(fmt.Sprintf("%-5s", "rip"))
	b.WriteString("0x")
	formatHex64(&b, regs.RIP)
	b.WriteByte('\n')
	b.WriteString(fmt.Sprintf("%-5s", "rflags"))
	b.WriteString("0x")
	formatHex64(&b, regs.RFlags)
	b.WriteByte('\n')
	return b.String()
}

// FormatMemory renders data as a classic 16-bytes-per-line hex dump
// with an address column and an ASCII gutter, starting at base.
func FormatMemory(base uint64, data []byte) string {
	var b strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		b.WriteString("0x")
		formatHex64(&b, base+uint64(offset))
		b.WriteString("  ")

		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[offset:end]
		for i := 0; i < 16; i++ {
			if i < len(row) {
				b.WriteByte(hexDigits[(row[i]>>4)&0xf])
				b.WriteByte(hexDigits[row[i]&0xf])
			} else {
				b.WriteString("  ")
			}
			b.WriteByte(' ')
		}
		b.WriteString(" |")
		for _, by := range row {
			if by >= 0x20 && by < 0x7f {
				b.WriteByte(by)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	return b.String()
}

// Report is one thread's crash diagnostics: registers plus a window of
// memory captured around the faulting address.
type Report struct {
	Pid, Tid   uint64
	Reason     string
	Regs       thread.Regs
	MemoryBase uint64
	Memory     []byte
}

// WriteTo renders the report as text, matching the section headers a
// developer reading a crash log would expect.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "thread %d/%d aborted: %s\n\n", r.Pid, r.Tid, r.Reason)
	b.WriteString("registers:\n")
	b.WriteString(FormatRegisters(r.Regs))
	if len(r.Memory) > 0 {
		b.WriteString("\nmemory:\n")
		b.WriteString(FormatMemory(r.MemoryBase, r.Memory))
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
