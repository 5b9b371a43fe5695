/*
 * lx64run - Structured logging tests.
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

package xlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleWritesFormattedLineToFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo, false))
	logger.Info("thread started", "tid", 7)

	out := buf.String()
	if !strings.Contains(out, "INFO:") || !strings.Contains(out, "thread started") || !strings.Contains(out, "tid=7") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestDebugFalseStillWritesDebugToFile(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, slog.LevelDebug, false)
	logger := slog.New(h)
	logger.Debug("scheduling decision")
	if !strings.Contains(buf.String(), "DEBUG:") {
		t.Fatalf("file output missing debug line: %q", buf.String())
	}
}

func TestSetDebugIsToggleable(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, slog.LevelDebug, false)
	h.SetDebug(true)
	logger := slog.New(h)
	logger.Debug("blocker registered")
	if !strings.Contains(buf.String(), "blocker registered") {
		t.Fatalf("expected message in file output, got %q", buf.String())
	}
}
