/*
 * lx64run - Decoded instruction and operand model.
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

// Package dbbc implements the Disassembly & Basic-Block Cache
// (spec.md section 4.E): it fetches guest bytes through the vmm
// package, decodes them with golang.org/x/arch/x86/x86asm, trims the
// result to a basic block, and keeps the section package's index
// coherent with VMM protection changes.
package dbbc

import "golang.org/x/arch/x86/x86asm"

// OperandKind classifies a decoded operand, per spec.md section 3.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandImmediate
	OperandRegister
	OperandMemory
	OperandRegisterOrMemory
)

// Operand is one decoded operand (at most 3 are kept per
// Instruction, per spec.md section 3).
type Operand struct {
	Kind OperandKind
	Raw  x86asm.Arg
}

// Instruction is a decoded operation: opcode tag, guest address, byte
// length, and an operand tuple, per spec.md section 3.
type Instruction struct {
	addr     uint64
	length   int
	op       x86asm.Op
	operands [3]Operand
	numOps   int
	decoded  x86asm.Inst
}

// Address implements section.Instruction.
func (in *Instruction) Address() uint64 { return in.addr }

// Length implements section.Instruction.
func (in *Instruction) Length() int { return in.length }

// Op returns the decoded opcode tag.
func (in *Instruction) Op() x86asm.Op { return in.op }

// Operands returns up to the first 3 decoded operands.
func (in *Instruction) Operands() []Operand { return in.operands[:in.numOps] }

// Decoded exposes the full golang.org/x/arch/x86/x86asm decode,
// which the (out-of-scope) CPU semantic layer needs to execute the
// instruction; the DBBC itself only consults the summarized fields
// below.
func (in *Instruction) Decoded() x86asm.Inst { return in.decoded }

// IsBranch reports whether this instruction ends a basic block:
// call, ret, jmp, jcc, syscall or ud2, per the GLOSSARY definition.
func (in *Instruction) IsBranch() bool { return branchOps[in.op] }

// IsCall reports whether this instruction is a call.
func (in *Instruction) IsCall() bool { return in.op == x86asm.CALL }

// IsFixedDestinationJump reports whether this is an unconditional or
// conditional jump whose destination is encoded as a direct
// relative/absolute displacement rather than through a register or
// memory operand.
func (in *Instruction) IsFixedDestinationJump() bool {
	if in.op != x86asm.JMP && !jccOps[in.op] {
		return false
	}
	if in.numOps == 0 {
		return false
	}
	_, isRel := in.operands[0].Raw.(x86asm.Rel)
	return isRel
}

var jccOps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
}

var branchOps = func() map[x86asm.Op]bool {
	m := map[x86asm.Op]bool{
		x86asm.CALL:    true,
		x86asm.RET:     true,
		x86asm.JMP:     true,
		x86asm.SYSCALL: true,
		x86asm.UD2:     true,
	}
	for op := range jccOps {
		m[op] = true
	}
	return m
}()

// classifyOperand maps a decoded x86asm.Arg to the spec.md operand
// kind taxonomy. Rel (relative branch displacement) is immediate-
// class; Reg is register-class; Mem is memory-class. Because
// x86asm.Decode already resolves a ModRM r/m field to a concrete Reg
// or Mem, no post-decode operand is genuinely ambiguous: the
// register-or-memory kind is kept in the model for callers that want
// to special-case "anything ModRM-encoded" but is never produced by
// this decoder.
func classifyOperand(arg x86asm.Arg) Operand {
	switch arg.(type) {
	case x86asm.Imm, x86asm.Rel:
		return Operand{Kind: OperandImmediate, Raw: arg}
	case x86asm.Reg:
		return Operand{Kind: OperandRegister, Raw: arg}
	case x86asm.Mem:
		return Operand{Kind: OperandMemory, Raw: arg}
	default:
		if arg == nil {
			return Operand{Kind: OperandNone}
		}
		return Operand{Kind: OperandRegisterOrMemory, Raw: arg}
	}
}

// fromDecoded builds an Instruction from a successful x86asm decode
// at guest address addr.
func fromDecoded(addr uint64, inst x86asm.Inst) *Instruction {
	out := &Instruction{
		addr:    addr,
		length:  inst.Len,
		op:      inst.Op,
		decoded: inst,
	}
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if out.numOps == len(out.operands) {
			break
		}
		out.operands[out.numOps] = classifyOperand(a)
		out.numOps++
	}
	return out
}
