/*
 * lx64run - ELF64 loader tests.
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

package loader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcornwell/lx64run/emu/vmm"
)

const testVaddrBase = 0x400000

// buildMinimalELF64 assembles a single-PT_LOAD, section-header-free
// ET_EXEC image: an ELF64 header, one program header, and code
// placed immediately after, matching the System V ABI byte layout
// debug/elf parses.
func buildMinimalELF64(t *testing.T, code []byte) string {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56
	codeOffset := ehdrSize + phdrSize
	fileSize := codeOffset + len(code)
	entry := uint64(testVaddrBase + codeOffset)

	buf := make([]byte, fileSize)

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EI_VERSION

	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)  // e_type = ET_EXEC
	le.PutUint16(buf[18:20], 62) // e_machine = EM_X86_64
	le.PutUint32(buf[20:24], 1)  // e_version
	le.PutUint64(buf[24:32], entry)
	le.PutUint64(buf[32:40], ehdrSize) // e_phoff
	le.PutUint64(buf[40:48], 0)        // e_shoff
	le.PutUint32(buf[48:52], 0)        // e_flags
	le.PutUint16(buf[52:54], ehdrSize)
	le.PutUint16(buf[54:56], phdrSize)
	le.PutUint16(buf[56:58], 1) // e_phnum
	le.PutUint16(buf[58:60], 0) // e_shentsize
	le.PutUint16(buf[60:62], 0) // e_shnum
	le.PutUint16(buf[62:64], 0) // e_shstrndx

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	le.PutUint32(ph[0:4], 1)  // p_type = PT_LOAD
	le.PutUint32(ph[4:8], 5)  // p_flags = PF_X|PF_R
	le.PutUint64(ph[8:16], 0) // p_offset
	le.PutUint64(ph[16:24], testVaddrBase)
	le.PutUint64(ph[24:32], testVaddrBase)
	le.PutUint64(ph[32:40], uint64(fileSize)) // p_filesz
	le.PutUint64(ph[40:48], uint64(fileSize)) // p_memsz
	le.PutUint64(ph[48:56], 0x1000)           // p_align

	copy(buf[codeOffset:], code)

	path := filepath.Join(t.TempDir(), "guest")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("write test ELF: %v", err)
	}
	return path
}

func TestLoadSinglePTLoadSegment(t *testing.T) {
	code := []byte{0x90, 0xc3} // nop; ret
	path := buildMinimalELF64(t, code)

	space := vmm.NewAddressSpace()
	img, err := Load(path, space)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantEntry := uint64(testVaddrBase + 64 + 56)
	if img.Entry != wantEntry {
		t.Fatalf("Entry = %#x, want %#x", img.Entry, wantEntry)
	}

	region, ok := space.RegionAt(img.Entry)
	if !ok {
		t.Fatalf("RegionAt(entry) not mapped")
	}
	if !region.Prot.Has(vmm.ProtExec) || !region.Prot.Has(vmm.ProtRead) {
		t.Fatalf("region.Prot = %v, want R|X", region.Prot)
	}
	if region.Prot.Has(vmm.ProtWrite) {
		t.Fatalf("region.Prot = %v, want write stripped after load", region.Prot)
	}
	if region.Name != "load" {
		t.Fatalf("region.Name = %q, want \"load\" (no section headers present)", region.Name)
	}

	raw, err := space.CopyFromMmu(img.Entry, len(code))
	if err != nil {
		t.Fatalf("CopyFromMmu: %v", err)
	}
	if raw[0] != code[0] || raw[1] != code[1] {
		t.Fatalf("loaded bytes = %v, want %v", raw, code)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	code := []byte{0xc3}
	path := buildMinimalELF64(t, code)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	binary.LittleEndian.PutUint16(raw[18:20], 3) // EM_386, not EM_X86_64
	if err := os.WriteFile(path, raw, 0o755); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if _, err := Load(path, vmm.NewAddressSpace()); err == nil {
		t.Fatalf("Load of non-x86-64 image succeeded, want error")
	}
}
