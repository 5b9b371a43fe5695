/*
 * lx64run - Run configuration file parser.
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

/*
 * Configuration file format:
 *
 * '#' indicates a comment, rest of line is ignored.
 * <line> := <directive> <whitespace> <value> *(<whitespace> <option>)
 * <directive> ::= <string>
 * <value> ::= <string> | '"' *(<letter>|<whitespace>) '"'
 * <option> ::= <string> *(',' <string>)
 *
 * Recognized directives: logfile, loglevel, debug, slice, atomicslice,
 * profile, env, worker. Unknown directives are an error unless a
 * caller has Register'd a handler for them first.
 */

// Package config loads a run's configuration file: logging destination
// and level, scheduler time slices, the profiling output path, guest
// environment variables and worker count. The directive grammar and
// line scanner follow the teacher's one-directive-per-line, optional
// quoted-value, comma-list-options shape (see DESIGN.md); this runner
// has a small fixed set of directives rather than a pluggable device
// registry, so built-ins are pre-registered instead of coming from
// package init functions.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// Settings is the result of loading a configuration file: every value
// a run needs that isn't already supplied on the command line.
type Settings struct {
	LogFile          string
	LogLevel         slog.Level
	Debug            bool
	ProfileOutput    string
	SliceTicks       uint64
	AtomicSliceTicks uint64
	WorkerCount      int
	Env              []string
}

// DirectiveHandler applies one parsed directive's value and trailing
// options to settings.
type DirectiveHandler func(settings *Settings, value string, opts []Option) error

// Option is one comma-separated token following a directive's value.
type Option struct {
	Name     string
	EqualOpt string
}

// Loader parses configuration files against a registry of directive
// handlers. The zero value is not usable; use NewLoader.
type Loader struct {
	directives map[string]DirectiveHandler
}

// NewLoader returns a Loader with every built-in directive registered.
func NewLoader() *Loader {
	l := &Loader{directives: make(map[string]DirectiveHandler)}
	l.registerBuiltins()
	return l
}

// Register adds or replaces the handler for a directive name. Names
// are matched case-insensitively.
func (l *Loader) Register(name string, fn DirectiveHandler) {
	l.directives[strings.ToUpper(name)] = fn
}

func (l *Loader) registerBuiltins() {
	l.Register("logfile", func(s *Settings, value string, _ []Option) error {
		s.LogFile = value
		return nil
	})
	l.Register("loglevel", func(s *Settings, value string, _ []Option) error {
		level, err := parseLevel(value)
		if err != nil {
			return err
		}
		s.LogLevel = level
		return nil
	})
	l.Register("debug", func(s *Settings, value string, _ []Option) error {
		s.Debug = !strings.EqualFold(value, "false") && value != "0"
		return nil
	})
	l.Register("profile", func(s *Settings, value string, _ []Option) error {
		s.ProfileOutput = value
		return nil
	})
	l.Register("slice", func(s *Settings, value string, _ []Option) error {
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("config: slice: %w", err)
		}
		s.SliceTicks = n
		return nil
	})
	l.Register("atomicslice", func(s *Settings, value string, _ []Option) error {
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("config: atomicslice: %w", err)
		}
		s.AtomicSliceTicks = n
		return nil
	})
	l.Register("worker", func(s *Settings, value string, _ []Option) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config: worker: %w", err)
		}
		s.WorkerCount = n
		return nil
	})
	l.Register("env", func(s *Settings, value string, opts []Option) error {
		s.Env = append(s.Env, value)
		for _, o := range opts {
			s.Env = append(s.Env, o.Name)
		}
		return nil
	})
}

func parseLevel(value string) (slog.Level, error) {
	switch strings.ToUpper(value) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", value)
}

// Default returns the Settings a run uses absent any configuration
// file at all.
func Default() Settings {
	return Settings{
		LogLevel:         slog.LevelInfo,
		SliceTicks:       1_000_000,
		AtomicSliceTicks: 100,
		WorkerCount:      1,
	}
}

var lineNumber int

// Load reads path and applies every directive it contains on top of
// Default().
func (l *Loader) Load(path string) (Settings, error) {
	settings := Default()

	file, err := os.Open(path)
	if err != nil {
		return settings, err
	}
	defer file.Close()

	lineNumber = 0
	reader := bufio.NewReader(file)
	for {
		raw, err := reader.ReadString('\n')
		lineNumber++
		if len(raw) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return settings, err
		}
		if parseErr := l.parseLine(&settings, raw); parseErr != nil {
			return settings, parseErr
		}
		if err != nil && errors.Is(err, io.EOF) {
			break
		}
	}
	return settings, nil
}

type scanner struct {
	line string
	pos  int
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.line) && unicode.IsSpace(rune(s.line[s.pos])) {
		s.pos++
	}
}

func (s *scanner) isEOL() bool {
	return s.pos >= len(s.line) || s.line[s.pos] == '#'
}

func (s *scanner) token() string {
	s.skipSpace()
	start := s.pos
	for !s.isEOL() && !unicode.IsSpace(rune(s.line[s.pos])) {
		s.pos++
	}
	return s.line[start:s.pos]
}

func (s *scanner) quotedOrToken() string {
	s.skipSpace()
	if s.isEOL() {
		return ""
	}
	if s.line[s.pos] == '"' {
		s.pos++
		start := s.pos
		for s.pos < len(s.line) && s.line[s.pos] != '"' {
			s.pos++
		}
		value := s.line[start:s.pos]
		if s.pos < len(s.line) {
			s.pos++ // consume closing quote
		}
		return value
	}
	return s.token()
}

func (s *scanner) options() []Option {
	var opts []Option
	for {
		s.skipSpace()
		if s.isEOL() {
			return opts
		}
		name := s.token()
		if name == "" {
			return opts
		}
		name = strings.TrimSuffix(name, ",")
		opt := Option{Name: name}
		if idx := strings.IndexByte(name, '='); idx >= 0 {
			opt.Name = name[:idx]
			opt.EqualOpt = name[idx+1:]
		}
		opts = append(opts, opt)
	}
}

func (l *Loader) parseLine(settings *Settings, raw string) error {
	s := &scanner{line: raw}
	s.skipSpace()
	if s.isEOL() {
		return nil
	}

	directive := s.token()
	handler, ok := l.directives[strings.ToUpper(directive)]
	if !ok {
		return fmt.Errorf("config: unknown directive %q, line %d", directive, lineNumber)
	}

	value := s.quotedOrToken()
	opts := s.options()
	if err := handler(settings, value, opts); err != nil {
		return fmt.Errorf("config: line %d: %w", lineNumber, err)
	}
	return nil
}
