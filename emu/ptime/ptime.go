/*
 * lx64run - Precise guest time and deadline ordering.
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

// Package ptime holds the guest-visible (seconds, nanoseconds) clock
// value and the Timer port blockers use to read it.
package ptime

import (
	"sync"
	"time"
)

const nanosPerSec = 1_000_000_000

// PreciseTime is a (seconds, nanoseconds) pair with saturating
// addition and a total order.
type PreciseTime struct {
	Sec  uint64
	Nsec uint64
}

// Add returns t+d, saturating at the uint64 range instead of
// wrapping.
func (t PreciseTime) Add(d PreciseTime) PreciseTime {
	sec := t.Sec + d.Sec
	if sec < t.Sec {
		sec = ^uint64(0)
	}
	nsec := t.Nsec + d.Nsec
	if nsec >= nanosPerSec {
		nsec -= nanosPerSec
		if sec++; sec == 0 {
			sec = ^uint64(0)
		}
	}
	return PreciseTime{Sec: sec, Nsec: nsec}
}

// Before reports whether t is strictly earlier than u.
func (t PreciseTime) Before(u PreciseTime) bool {
	if t.Sec != u.Sec {
		return t.Sec < u.Sec
	}
	return t.Nsec < u.Nsec
}

// AtOrAfter reports whether t is later than or equal to u.
func (t PreciseTime) AtOrAfter(u PreciseTime) bool {
	return !t.Before(u)
}

// Sub returns t-u, floored at zero when u is at or after t.
func (t PreciseTime) Sub(u PreciseTime) PreciseTime {
	if t.Before(u) || t == u {
		return PreciseTime{}
	}
	sec := t.Sec - u.Sec
	nsec := t.Nsec
	if u.Nsec > nsec {
		sec--
		nsec += nanosPerSec
	}
	nsec -= u.Nsec
	return PreciseTime{Sec: sec, Nsec: nsec}
}

// Duration converts a PreciseTime delta into a time.Duration.
func (t PreciseTime) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Nsec)
}

// FromDuration converts a time.Duration into a PreciseTime delta.
func FromDuration(d time.Duration) PreciseTime {
	if d < 0 {
		d = 0
	}
	return PreciseTime{
		Sec:  uint64(d / time.Second),
		Nsec: uint64(d % time.Second),
	}
}

// Timer is the port the Blocker Registry uses to read the current
// time and to resolve a guest-memory-encoded deadline. Consumers
// supply the same Timer instance at blocker-creation and at every
// later wakeup-pass evaluation, per spec.md section 5.
type Timer interface {
	// Now returns the current time.
	Now() PreciseTime
	// Read decodes a deadline from raw guest-memory bytes (an
	// 16-byte struct timespec-like encoding: 8 bytes seconds, 8
	// bytes nanoseconds, little endian). ok is false when raw does
	// not hold a well-formed timespec.
	Read(raw []byte) (t PreciseTime, ok bool)
}

// WallClock is a Timer backed by the host's monotonic clock.
type WallClock struct {
	origin time.Time
}

// NewWallClock returns a WallClock whose origin is the current host
// time, so PreciseTime values start near zero.
func NewWallClock() *WallClock {
	return &WallClock{origin: time.Now()}
}

func (w *WallClock) Now() PreciseTime {
	return FromDuration(time.Since(w.origin))
}

func (w *WallClock) Read(raw []byte) (PreciseTime, bool) {
	return decodeTimespec(raw)
}

// ManualClock is a Timer a test drives by hand, mirroring the
// teacher's event-list tests which advance a step counter instead of
// sleeping. Safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now PreciseTime
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (m *ManualClock) Now() PreciseTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set pins the clock to t.
func (m *ManualClock) Set(t PreciseTime) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *ManualClock) Advance(d PreciseTime) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *ManualClock) Read(raw []byte) (PreciseTime, bool) {
	return decodeTimespec(raw)
}

func decodeTimespec(raw []byte) (PreciseTime, bool) {
	if len(raw) < 16 {
		return PreciseTime{}, false
	}
	sec := leUint64(raw[0:8])
	nsec := leUint64(raw[8:16])
	if nsec >= nanosPerSec {
		return PreciseTime{}, false
	}
	return PreciseTime{Sec: sec, Nsec: nsec}, true
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
