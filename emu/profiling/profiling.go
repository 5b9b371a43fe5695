/*
 * lx64run - Profiling event recorder and JSON writer.
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

// Package profiling records call/ret/syscall events per thread during
// a run and renders them as the JSON document spec.md section 6
// "Persisted state" describes, matching the tick/address array shape
// the original profiling writer used (see DESIGN.md). encoding/json
// is stdlib here because nothing in the retrieved example set wires
// an alternative JSON library to a shape this specific; see DESIGN.md
// for the justification.
package profiling

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
)

// CallEvent is one CALL retirement: the tick it retired at and its
// target address. Encodes as the two-element array [tick, address].
type CallEvent struct {
	Tick    uint64
	Address uint64
}

func (e CallEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{e.Tick, e.Address})
}

// SyscallEvent is one syscall retirement: tick and syscall number.
// Encodes as [tick, number].
type SyscallEvent struct {
	Tick   uint64
	Number uint64
}

func (e SyscallEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{e.Tick, e.Number})
}

// Symbol is one resolved (address, name) pair. Encodes as the
// two-element array [address, name].
type Symbol struct {
	Address uint64
	Name    string
}

func (s Symbol) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Address, s.Name})
}

// ThreadDocument is one thread's recorded events, in the shape
// spec.md section 6 names.
type ThreadDocument struct {
	Pid           uint64         `json:"pid"`
	Tid           uint64         `json:"tid"`
	CallEvents    []CallEvent    `json:"callEvents"`
	RetEvents     []uint64       `json:"retEvents"`
	SyscallEvents []SyscallEvent `json:"syscallEvents"`
}

// Document is the full persisted-state JSON shape of spec.md section
// 6: "threads" and "symbols".
type Document struct {
	Threads []ThreadDocument `json:"threads"`
	Symbols []Symbol         `json:"symbols"`
}

// threadBuffer is the mutable accumulator backing one ThreadDocument.
type threadBuffer struct {
	pid, tid      uint64
	callEvents    []CallEvent
	retEvents     []uint64
	syscallEvents []SyscallEvent
}

// Recorder accumulates events for every thread in a run. Safe for
// concurrent use from multiple scheduler workers.
type Recorder struct {
	mu      sync.Mutex
	threads map[uint64]*threadBuffer // keyed by tid
	order   []uint64                 // tid insertion order, for stable output
	symbols map[uint64]string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		threads: make(map[uint64]*threadBuffer),
		symbols: make(map[uint64]string),
	}
}

func (r *Recorder) bufferFor(pid, tid uint64) *threadBuffer {
	b, ok := r.threads[tid]
	if !ok {
		b = &threadBuffer{pid: pid, tid: tid}
		r.threads[tid] = b
		r.order = append(r.order, tid)
	}
	return b
}

// RecordCall appends a call event for (pid, tid).
func (r *Recorder) RecordCall(pid, tid, tick, address uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bufferFor(pid, tid)
	b.callEvents = append(b.callEvents, CallEvent{Tick: tick, Address: address})
}

// RecordRet appends a return event for (pid, tid).
func (r *Recorder) RecordRet(pid, tid, tick uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bufferFor(pid, tid)
	b.retEvents = append(b.retEvents, tick)
}

// RecordSyscall appends a syscall event for (pid, tid).
func (r *Recorder) RecordSyscall(pid, tid, tick, number uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bufferFor(pid, tid)
	b.syscallEvents = append(b.syscallEvents, SyscallEvent{Tick: tick, Number: number})
}

// AddSymbol records (or overwrites) one resolved symbol name for
// address. The CLI feeds it the ELF loader's symbol table.
func (r *Recorder) AddSymbol(address uint64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols[address] = name
}

// Document renders the accumulated events as the persisted-state
// shape of spec.md section 6, in thread-registration order.
func (r *Recorder) Document() Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := Document{}
	for _, tid := range r.order {
		b := r.threads[tid]
		doc.Threads = append(doc.Threads, ThreadDocument{
			Pid:           b.pid,
			Tid:           b.tid,
			CallEvents:    append([]CallEvent(nil), b.callEvents...),
			RetEvents:     append([]uint64(nil), b.retEvents...),
			SyscallEvents: append([]SyscallEvent(nil), b.syscallEvents...),
		})
	}

	addresses := make([]uint64, 0, len(r.symbols))
	for addr := range r.symbols {
		addresses = append(addresses, addr)
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i] < addresses[j] })
	for _, addr := range addresses {
		doc.Symbols = append(doc.Symbols, Symbol{Address: addr, Name: r.symbols[addr]})
	}
	return doc
}

// WriteJSON renders the current document to w.
func (r *Recorder) WriteJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(r.Document())
}

