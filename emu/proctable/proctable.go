/*
 * lx64run - Process table: pid ownership and clone-as-new-process.
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

// Package proctable holds one address space and thread group per pid
// and implements clone-as-new-process by deep-copying the source
// address space, per spec.md section 4.H "Fork/clone semantics":
// clone-as-new-thread stays inside the Scheduler Core; clone-as-new-
// process is delegated here.
package proctable

import (
	"fmt"
	"sync"

	"github.com/rcornwell/lx64run/emu/thread"
	"github.com/rcornwell/lx64run/emu/vmm"
)

// Process groups one address space with its live thread ids.
type Process struct {
	Pid     uint64
	Space   *vmm.AddressSpace
	Threads []uint64
	State   thread.State
}

// Table owns every process, guarded by a single mutex, following the
// teacher's core.go shape of one small struct plus a mutex guarding
// shared state.
type Table struct {
	mu      sync.Mutex
	procs   map[uint64]*Process
	nextPid uint64
}

// NewTable returns an empty process table; pids are allocated
// starting at 1.
func NewTable() *Table {
	return &Table{procs: make(map[uint64]*Process), nextPid: 1}
}

// Create installs a brand-new process owning space, returning its
// freshly allocated pid.
func (t *Table) Create(space *vmm.AddressSpace) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := t.nextPid
	t.nextPid++
	t.procs[pid] = &Process{Pid: pid, Space: space, State: thread.Runnable}
	return pid
}

// AddThread records tid as belonging to pid.
func (t *Table) AddThread(pid, tid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("proctable: unknown pid %d", pid)
	}
	p.Threads = append(p.Threads, tid)
	return nil
}

// MarkExited records that pid has exited, for the Wait4 blocker
// predicate (spec.md section 4.G).
func (t *Table) MarkExited(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[pid]; ok {
		p.State = thread.Dead
	}
}

// ChildState implements blocker.ProcessTable.
func (t *Table) ChildState(pid uint64) (thread.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return 0, false
	}
	return p.State, true
}

// Fork clone-as-new-process: deep-copies parentPid's address space
// into a fresh one and installs it under a new pid, per spec.md
// section 4.H "creates an independent address space via a deep copy
// driven by the VMM's copyToMmu loop".
func (t *Table) Fork(parentPid uint64) (uint64, error) {
	t.mu.Lock()
	parent, ok := t.procs[parentPid]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("proctable: unknown pid %d", parentPid)
	}

	child := vmm.NewAddressSpace()
	if err := copyAddressSpace(parent.Space, child); err != nil {
		return 0, err
	}
	return t.Create(child), nil
}

// copyAddressSpace replays every region of src into dst, copying
// backing bytes through CopyFromMmu/CopyToMmu rather than aliasing
// the parent's storage.
func copyAddressSpace(src, dst *vmm.AddressSpace) error {
	for _, r := range src.Regions() {
		if _, err := dst.Mmap(r.Base, r.Len, r.Prot, vmm.FlagFixed, r.Name); err != nil {
			return fmt.Errorf("proctable: fork mmap %s at %#x: %w", r.Name, r.Base, err)
		}
		if !r.Prot.Has(vmm.ProtRead) {
			continue
		}
		raw, err := src.CopyFromMmu(r.Base, int(r.Len))
		if err != nil {
			continue // unreadable region (e.g. guard page); nothing to copy
		}
		if err := dst.CopyToMmu(r.Base, raw); err != nil {
			return fmt.Errorf("proctable: fork copy %s at %#x: %w", r.Name, r.Base, err)
		}
	}
	return nil
}
