/*
 * lx64run - Main process.
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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	getopt "github.com/pborman/getopt/v2"
	"golang.org/x/arch/x86/x86asm"

	"github.com/rcornwell/lx64run/emu/blocker"
	"github.com/rcornwell/lx64run/emu/dbbc"
	"github.com/rcornwell/lx64run/emu/fsiface"
	"github.com/rcornwell/lx64run/emu/loader"
	"github.com/rcornwell/lx64run/emu/proctable"
	"github.com/rcornwell/lx64run/emu/profiling"
	"github.com/rcornwell/lx64run/emu/ptime"
	"github.com/rcornwell/lx64run/emu/scheduler"
	"github.com/rcornwell/lx64run/emu/thread"
	"github.com/rcornwell/lx64run/emu/vmm"
	"github.com/rcornwell/lx64run/internal/config"
	"github.com/rcornwell/lx64run/internal/diag"
	"github.com/rcornwell/lx64run/internal/xlog"
)

const (
	defaultStackSize = 8 << 20
	defaultStackTop  = 0x7ffffffde000
)

var Logger *slog.Logger

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optDebug := getopt.BoolLong("debug", 'd', "Mirror every log record to stderr")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	args := getopt.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: lx64run [options] <guest-elf> [guest-args...]")
		os.Exit(1)
	}

	settings := config.Default()
	if *optConfig != "" {
		loaded, err := config.NewLoader().Load(*optConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		settings = loaded
	}
	if *optLogFile != "" {
		settings.LogFile = *optLogFile
	}
	if *optDebug {
		settings.Debug = true
	}

	var logFile *os.File
	if settings.LogFile != "" {
		var err error
		logFile, err = os.Create(settings.LogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer logFile.Close()
	}
	Logger = xlog.New(logFile, settings.LogLevel, settings.Debug)
	Logger.Info("lx64run started", "guest", args[0])

	space := vmm.NewAddressSpace()
	image, err := loader.Load(args[0], space)
	if err != nil {
		Logger.Error("load failed", "err", err)
		os.Exit(1)
	}

	recorder := profiling.NewRecorder()
	for _, sym := range image.Symbols {
		recorder.AddSymbol(sym.Addr, sym.Name)
	}

	stackTop, err := space.Mmap(defaultStackTop-defaultStackSize, defaultStackSize,
		vmm.ProtRead|vmm.ProtWrite, vmm.FlagAnonymous|vmm.FlagFixed, "stack")
	if err != nil {
		Logger.Error("stack mmap failed", "err", err)
		os.Exit(1)
	}
	stackTop += defaultStackSize

	procs := proctable.NewTable()
	pid := procs.Create(space)

	engine := dbbc.NewEngine(space, dbbc.X86Decoder{})
	space.AddObserver(engine)

	clock := ptime.NewWallClock()
	fds := fsiface.NewFake()
	registry := blocker.NewRegistry(space, fds, clock, procs)
	core := scheduler.NewCore(registry, clock)

	t := thread.New(pid, 1, image.Entry, stackTop)
	if err := procs.AddThread(pid, t.Tid); err != nil {
		Logger.Error("register thread failed", "err", err)
		os.Exit(1)
	}
	core.AddThread(t)

	interp := &blockInterpreter{
		mem:      space,
		engine:   engine,
		recorder: recorder,
		registry: registry,
		procs:    procs,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		Logger.Info("received interrupt, requesting cancellation")
		core.RequestCancel()
	}()

	outcome := core.RunWorker(0, interp)
	switch outcome {
	case scheduler.OutcomeAbort:
		Logger.Warn("run aborted by cancellation")
	default:
		Logger.Info("run finished, all threads exited")
	}

	if settings.ProfileOutput != "" {
		out, err := os.Create(settings.ProfileOutput)
		if err != nil {
			Logger.Error("profile output failed", "err", err)
			os.Exit(1)
		}
		defer out.Close()
		if err := recorder.WriteJSON(out); err != nil {
			Logger.Error("profile write failed", "err", err)
			os.Exit(1)
		}
	}

	if core.Aborted() {
		os.Exit(130)
	}
	if interp.crashed {
		os.Exit(1)
	}
}

// blockInterpreter drives one thread for a slice by walking DBBC
// basic blocks and retiring their instruction counts; it stands in
// for the full AMD64 semantic-execution engine, which is out of
// scope here (see DESIGN.md) — the Scheduler Core and DBBC only need
// something satisfying scheduler.Interpreter to exercise their
// control flow.
type blockInterpreter struct {
	mem      *vmm.AddressSpace
	engine   *dbbc.Engine
	recorder *profiling.Recorder
	registry *blocker.Registry
	procs    *proctable.Table
	crashed  bool // a slice died on a decode fault
}

func (bi *blockInterpreter) RunSlice(t *thread.Thread, budget uint64) (uint64, scheduler.SliceOutcome) {
	var used uint64
	for used < budget {
		block, err := bi.engine.GetBasicBlock(t.Regs.RIP)
		if err != nil {
			var fault *dbbc.DecodeError
			if e, ok := err.(*dbbc.DecodeError); ok {
				fault = e
			}
			reportCrash(t, bi.mem, fault)
			bi.crashed = true
			return used, scheduler.SliceDied
		}

		for _, ins := range block {
			used++
			t.Regs.RIP = ins.Address() + uint64(ins.Length())
			if used >= budget {
				return used, scheduler.SliceExpired
			}
		}

		last := block[len(block)-1]
		switch {
		case last.IsCall():
			t.PushCall(t.Regs.RIP, t.Regs.GP[thread.RSP])
			bi.recorder.RecordCall(t.Pid, t.Tid, t.Ticks+used, last.Address())
			bi.engine.NotifyCall(t.Regs.RIP)
		case last.Op() == x86asm.RET:
			bi.recorder.RecordRet(t.Pid, t.Tid, t.Ticks+used)
			if _, ok := t.PopReturn(); !ok {
				bi.procs.MarkExited(t.Pid)
				return used, scheduler.SliceDied
			}
			bi.engine.NotifyRet(t.Regs.RIP)
		case last.Op() == x86asm.SYSCALL:
			bi.recorder.RecordSyscall(t.Pid, t.Tid, t.Ticks+used, t.Regs.GP[thread.RAX])
			return used, scheduler.SliceSyscall
		case last.IsFixedDestinationJump():
			bi.engine.NotifyJmp(t.Regs.RIP)
		}
	}
	return used, scheduler.SliceExpired
}

func reportCrash(t *thread.Thread, mem *vmm.AddressSpace, fault *dbbc.DecodeError) {
	reason := "decode failure"
	if fault != nil {
		reason = fault.Error()
	}
	var mem64 []byte
	if raw, err := mem.CopyFromMmu(t.Regs.RIP&^0xf, 64); err == nil {
		mem64 = raw
	}
	report := diag.Report{
		Pid: t.Pid, Tid: t.Tid, Reason: reason,
		Regs:       t.Regs,
		MemoryBase: t.Regs.RIP &^ 0xf,
		Memory:     mem64,
	}
	report.WriteTo(os.Stderr)
}
