/*
 * lx64run - DBBC engine: fetch, decode, trim, cache.
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

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcornwell/lx64run/emu/section"
	"github.com/rcornwell/lx64run/emu/vmm"
)

const maxFetch = 256

// MemReader is the slice of the VMM facade the DBBC needs: region
// metadata to find the fetch bound and the EXEC check, and a bulk
// read to pull guest bytes. *vmm.AddressSpace satisfies this.
type MemReader interface {
	RegionAt(addr uint64) (vmm.Region, bool)
	CopyFromMmu(addr uint64, length int) ([]byte, error)
}

// SymbolObserver hears about freshly decoded sections, per spec.md
// section 4.E "notify symbol-retrieval callbacks".
type SymbolObserver interface {
	OnSectionDecoded(begin, end uint64, file string)
}

// DecodeError reports a disassembly failure at a guest address
// (spec.md section 7).
type DecodeError struct {
	Addr uint64
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dbbc: %s at %#x", e.Msg, e.Addr)
}

var errEmptyPrefix = errors.New("empty prefix before first branch")

// Engine is the DBBC Engine of spec.md section 4.E.
type Engine struct {
	mu       sync.Mutex
	mem      MemReader
	decoder  Decoder
	sections *section.Store
	symbols  []SymbolObserver
	hints    [4]uint64
}

// NewEngine returns a DBBC Engine fetching through mem and decoding
// with decoder. Pass X86Decoder{} for real AMD64 decoding.
func NewEngine(mem MemReader, decoder Decoder) *Engine {
	return &Engine{
		mem:      mem,
		decoder:  decoder,
		sections: section.NewStore(),
	}
}

// AddSymbolObserver registers o to hear about every freshly inserted
// section.
func (e *Engine) AddSymbolObserver(o SymbolObserver) {
	e.symbols = append(e.symbols, o)
}

// GetBasicBlock returns the instruction sequence from addr up to and
// including the first branch at or after addr, per spec.md section
// 4.E. When one fetch holds no branch, the branch-less run it decoded
// is returned and cached, and the next call at addr extends it.
func (e *Engine) GetBasicBlock(addr uint64) ([]*Instruction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sec := e.sections.ContainingSection(addr); sec != nil {
		if idx, ok := instructionBoundary(sec, addr); ok {
			tail := toInstructions(sec.Instrs[idx:])
			if len(tail) > 0 && tail[len(tail)-1].IsBranch() {
				return tail, nil
			}
			// The cached section ran out before hitting a branch;
			// extend it from where it left off.
			cont, err := e.decodeRun(sec.End)
			if err != nil {
				return nil, err
			}
			merged := append(append([]*Instruction{}, tail...), cont...)
			e.store(addr, merged, sec.File)
			return merged, nil
		}
	}

	instrs, err := e.decodeRun(addr)
	if err != nil {
		return nil, err
	}
	name := "?"
	if r, ok := e.mem.RegionAt(addr); ok {
		name = r.Name
	}
	e.store(addr, instrs, name)
	return instrs, nil
}

// instructionBoundary returns the index within sec.Instrs of the
// instruction starting exactly at addr, if any.
func instructionBoundary(sec *section.Section, addr uint64) (int, bool) {
	for i, ins := range sec.Instrs {
		if ins.Address() == addr {
			return i, true
		}
		if ins.Address() > addr {
			break
		}
	}
	return 0, false
}

// decodeRun implements spec.md section 4.E steps 3-5: fetch bytes
// bounded by the region end or the next section's begin, decode them,
// and trim to the first branch.
func (e *Engine) decodeRun(addr uint64) ([]*Instruction, error) {
	region, ok := e.mem.RegionAt(addr)
	if !ok {
		return nil, &DecodeError{Addr: addr, Msg: "unmapped fetch address"}
	}
	if !region.Prot.Has(vmm.ProtExec) {
		return nil, &DecodeError{Addr: addr, Msg: "non-executable region"}
	}

	bound := region.End()
	if next, ok := e.sections.NextSectionBegin(addr + 1); ok && next > addr && next < bound {
		bound = next
	}
	if bound <= addr {
		bound = region.End()
	}
	length := int(bound - addr)
	if length > maxFetch {
		length = maxFetch
	}

	raw, err := e.mem.CopyFromMmu(addr, length)
	if err != nil || len(raw) == 0 {
		return nil, &DecodeError{Addr: addr, Msg: "retriever returned no bytes"}
	}

	var all []*Instruction
	offset := 0
	for offset < len(raw) {
		inst, consumed, derr := e.decoder.Decode(raw[offset:], addr+uint64(offset))
		if derr != nil || consumed == 0 {
			break
		}
		all = append(all, inst)
		offset += consumed
		if inst.IsBranch() {
			break
		}
	}

	trimmed := trimToFirstBranch(all)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Addr: addr, Msg: errEmptyPrefix.Error()}
	}
	return trimmed, nil
}

// trimToFirstBranch retains only the prefix ending at the first
// branch; if none is found, the full decoded list is kept (the next
// call from the fallthrough extends it).
func trimToFirstBranch(all []*Instruction) []*Instruction {
	for i, ins := range all {
		if ins.IsBranch() {
			return all[:i+1]
		}
	}
	return all
}

func toInstructions(raw []section.Instruction) []*Instruction {
	out := make([]*Instruction, len(raw))
	for i, r := range raw {
		out[i] = r.(*Instruction)
	}
	return out
}

// store records a freshly (re)decoded run as a section and notifies
// symbol observers.
func (e *Engine) store(begin uint64, instrs []*Instruction, file string) {
	if len(instrs) == 0 {
		return
	}
	end := instrs[len(instrs)-1].Address() + uint64(instrs[len(instrs)-1].Length())
	sectionInstrs := make([]section.Instruction, len(instrs))
	for i, ins := range instrs {
		sectionInstrs[i] = ins
	}
	e.sections.Insert(&section.Section{Begin: begin, End: end, File: file, Instrs: sectionInstrs})
	for _, obs := range e.symbols {
		obs.OnSectionDecoded(begin, end, file)
	}
}

// OnRegionCreation implements vmm.Observer; new regions need no
// invalidation.
func (e *Engine) OnRegionCreation(base, length uint64, prot vmm.Prot) {}

// OnRegionProtectionChange implements vmm.Observer: sections are
// invalidated only when EXEC is lost over the affected range.
func (e *Engine) OnRegionProtectionChange(base, length uint64, before, after vmm.Prot) {
	if before.Has(vmm.ProtExec) && !after.Has(vmm.ProtExec) {
		e.mu.Lock()
		e.sections.RemoveRange(base, base+length)
		e.mu.Unlock()
	}
}

// OnRegionDestruction implements vmm.Observer: destroying an EXEC
// region invalidates its sections.
func (e *Engine) OnRegionDestruction(base, length uint64, prot vmm.Prot) {
	if prot.Has(vmm.ProtExec) {
		e.mu.Lock()
		e.sections.RemoveRange(base, base+length)
		e.mu.Unlock()
	}
}

// NotifyCall steers the interpreter's cached fetch cursor toward a
// call target (spec.md section 6).
func (e *Engine) NotifyCall(addr uint64) { e.pushHint(addr) }

// NotifyRet steers the cursor toward a return target.
func (e *Engine) NotifyRet(addr uint64) { e.pushHint(addr) }

// NotifyJmp steers the cursor toward a jump target.
func (e *Engine) NotifyJmp(addr uint64) { e.pushHint(addr) }

// ContextSwitch flushes the instruction cursor for a new thread.
func (e *Engine) ContextSwitch(threadID uint64) {
	e.mu.Lock()
	e.hints = [4]uint64{}
	e.mu.Unlock()
}

// pushHint remembers the last few branch destinations (spec.md
// section 9, "cache the last few destinations to avoid repeated
// searches").
func (e *Engine) pushHint(addr uint64) {
	e.mu.Lock()
	copy(e.hints[1:], e.hints[:len(e.hints)-1])
	e.hints[0] = addr
	e.mu.Unlock()
}

// RecentHints returns the last few branch destinations recorded by
// NotifyCall/NotifyRet/NotifyJmp, most recent first.
func (e *Engine) RecentHints() [4]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hints
}

// CPUPort is the external interface spec.md section 6 names: "To the
// CPU interpreter".
type CPUPort interface {
	GetBasicBlock(addr uint64) ([]*Instruction, error)
	NotifyCall(addr uint64)
	NotifyRet(addr uint64)
	NotifyJmp(addr uint64)
	ContextSwitch(threadID uint64)
}

var (
	_ CPUPort      = (*Engine)(nil)
	_ vmm.Observer = (*Engine)(nil)
)
