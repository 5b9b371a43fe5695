/*
 * lx64run - ELF64 loader.
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

// Package loader maps a guest ELF64 executable into a vmm.AddressSpace,
// per spec.md section 6 "Bit-exact guest formats consumed": the
// header, program headers and section headers are parsed bit-
// compatibly with the System V ABI by stdlib debug/elf (see DESIGN.md
// for why no pack example ships a fetchable full ELF-loader
// dependency); PT_LOAD segment placement, permission translation and
// region naming are this repo's code. Relocation (REL/RELA) and PE
// loading are out of scope, per spec.md section 1's Non-goals.
package loader

import (
	"debug/elf"
	"fmt"

	"github.com/rcornwell/lx64run/emu/vmm"
)

// Image is the result of a successful load: the entry point and the
// symbols recovered from .symtab, for emu/profiling's symbol table.
type Image struct {
	Entry   uint64
	Symbols []Symbol
}

// Symbol is one resolved (address, name) pair.
type Symbol struct {
	Addr uint64
	Name string
}

// Load parses the ELF64 file at path and maps every PT_LOAD segment
// into space, returning the entry point and symbol table.
func Load(path string, space *vmm.AddressSpace) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("loader: %s is not a 64-bit ELF image", path)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("loader: %s is not an x86-64 image", path)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(f, prog, space); err != nil {
			return nil, err
		}
	}

	symbols, err := loadSymbols(f)
	if err != nil {
		return nil, err
	}

	return &Image{Entry: f.Entry, Symbols: symbols}, nil
}

// loadSegment maps one PT_LOAD program header's memory range and
// copies in its file-backed bytes, per spec.md section 6: "The VMM
// loads PT_LOAD segments with permissions derived from PF_R/W/X and
// labels regions with their section names."
func loadSegment(f *elf.File, prog *elf.Prog, space *vmm.AddressSpace) error {
	base := vmm.PageAlignDown(prog.Vaddr)
	end := vmm.PageAlignUp(prog.Vaddr + prog.Memsz)
	length := end - base
	if length == 0 {
		return nil
	}

	prot := segmentProt(prog.Flags)
	name := segmentName(f, prog)

	if _, err := space.Mmap(base, length, prot|vmm.ProtWrite, vmm.FlagFixed, name); err != nil {
		return fmt.Errorf("loader: mmap segment %s at %#x: %w", name, base, err)
	}

	buf := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("loader: read segment %s: %w", name, err)
	}
	if err := space.CopyToMmu(prog.Vaddr, buf); err != nil {
		return fmt.Errorf("loader: copy segment %s: %w", name, err)
	}

	if prot&vmm.ProtWrite == 0 {
		if err := space.Mprotect(base, length, prot); err != nil {
			return fmt.Errorf("loader: mprotect segment %s: %w", name, err)
		}
	}
	return nil
}

func segmentProt(flags elf.ProgFlag) vmm.Prot {
	var p vmm.Prot
	if flags&elf.PF_R != 0 {
		p |= vmm.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= vmm.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= vmm.ProtExec
	}
	return p
}

// segmentName labels a segment with the name of the first section it
// covers, falling back to "load" when none matches (spec.md section
// 6's "labels regions with their section names").
func segmentName(f *elf.File, prog *elf.Prog) string {
	for _, sec := range f.Sections {
		if sec.Addr == 0 {
			continue
		}
		if sec.Addr >= prog.Vaddr && sec.Addr < prog.Vaddr+prog.Memsz {
			return sec.Name
		}
	}
	return "load"
}

// loadSymbols reads .symtab (if present) for the profiling writer's
// symbol table.
func loadSymbols(f *elf.File) ([]Symbol, error) {
	syms, err := f.Symbols()
	if err != nil {
		if err == elf.ErrNoSymbols {
			return nil, nil
		}
		return nil, fmt.Errorf("loader: read symbols: %w", err)
	}
	out := make([]Symbol, 0, len(syms))
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		out = append(out, Symbol{Addr: s.Value, Name: s.Name})
	}
	return out, nil
}
