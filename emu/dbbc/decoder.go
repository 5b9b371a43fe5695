/*
 * lx64run - Architectural disassembler port.
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

package dbbc

import "golang.org/x/arch/x86/x86asm"

// Decoder is the "architectural disassembler" external collaborator
// of spec.md section 4.E: decode exactly one instruction starting at
// the front of code, which is assumed to begin at guest address addr.
type Decoder interface {
	Decode(code []byte, addr uint64) (inst *Instruction, consumed int, err error)
}

// X86Decoder decodes 64-bit-mode AMD64 instructions with
// golang.org/x/arch/x86/x86asm, the real ecosystem x86 disassembler.
type X86Decoder struct{}

func (X86Decoder) Decode(code []byte, addr uint64) (*Instruction, int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, 0, err
	}
	return fromDecoded(addr, inst), inst.Len, nil
}
