// This file is part of uscope.
//
// uscope is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// uscope is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with uscope.  If not, see <https://www.gnu.org/licenses/>.

package engine

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wrenfield/uscope/assert"
	"github.com/wrenfield/uscope/breakpoint"
	"github.com/wrenfield/uscope/dbgerr"
	"github.com/wrenfield/uscope/eval"
	"github.com/wrenfield/uscope/frame"
	"github.com/wrenfield/uscope/logger"
	"github.com/wrenfield/uscope/step"
	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

// defaultHexWindowSize is the byte count eval.HexWindow reads by default,
// before any `set_hex_window_address` request arrives.
const defaultHexWindowSize = 128

// pollInterval bounds the control thread's request-queue wait, so shutdown
// stays responsive even with no request pending.
const pollInterval = 200 * time.Millisecond

// killWaitTimeout bounds how long a force-kill waits for the child to
// actually die before the engine gives up and tears down its state anyway.
const killWaitTimeout = 2 * time.Second

// Options configures launch timing.
type Options struct {
	LaunchTimeout time.Duration
}

// DefaultOptions returns the standard launch-wait timeout, or a longer one
// for CI environments where process spawn can be slower, when ci is true.
func DefaultOptions(ci bool) Options {
	if ci {
		return Options{LaunchTimeout: 20 * time.Second}
	}
	return Options{LaunchTimeout: 2 * time.Second}
}

// Engine is the debugger's control-plane. One goroutine calls Run; every
// other goroutine (background load/capture/wait threads, and the UI) only
// ever reaches engine state by posting a Request.
type Engine struct {
	adapter *subordinate.Adapter
	opts    Options

	ct assert.ControlThread

	// Everything below is touched only by the control thread while handling
	// a request, under a single coarse lock; no separate mutex is needed
	// because Run never overlaps handle calls with each other.
	t          *target.Target
	bps        *breakpoint.Manager
	stepEngine *step.Engine
	sub        *subordinate.Subordinate
	pause      *PauseData

	hexAddr uint64
	hexSize int
	watches []string

	stdoutFile *os.File
	stderrFile *os.File

	requests  chan Request
	responses chan Response

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New constructs an Engine. Call Run on the goroutine that should become
// the control thread, then Post requests and drain Responses from any other
// goroutine.
func New(adapter *subordinate.Adapter, opts Options) *Engine {
	return &Engine{
		adapter:   adapter,
		opts:      opts,
		hexSize:   defaultHexWindowSize,
		requests:  make(chan Request, 64),
		responses: make(chan Response, 256),
	}
}

// Responses returns the channel the UI drains for engine output.
func (e *Engine) Responses() <-chan Response { return e.responses }

// Post enqueues a UI-originated request, blocking if the queue is
// momentarily full. User-issued requests are never silently dropped.
func (e *Engine) Post(req Request) { e.requests <- req }

// postInternal enqueues a request from a background thread without
// blocking: the wait thread and the capture threads must never stall
// inside a kernel call waiting on the control thread to catch up, so an
// internal request that can't be enqueued right away is dropped and
// logged instead.
func (e *Engine) postInternal(req Request) {
	select {
	case e.requests <- req:
	default:
		logger.Logf("engine", "dropped internal request kind=%d: queue full", req.Kind)
	}
}

func (e *Engine) respond(r Response) {
	select {
	case e.responses <- r:
	default:
		logger.Logf("engine", "dropped response kind=%d: queue full", r.Kind)
	}
}

func (e *Engine) warn(errno dbgerr.Errno, args ...interface{}) {
	e.respond(Response{Kind: RespMessage, Level: LevelWarning, Text: dbgerr.E(errno, args...).Error()})
}

func (e *Engine) errorf(err error) {
	e.respond(Response{Kind: RespMessage, Level: LevelError, Text: err.Error()})
}

// Run is the control thread's dispatch loop. It pins itself to its OS
// thread (ptrace requires every call against a tracee to come from the
// thread that attached to it), then services requests until a quit request
// is handled or the engine's shutdown flag is observed at a poll boundary.
func (e *Engine) Run() {
	subordinate.LockControlThread()

	for {
		var req Request
		select {
		case req = <-e.requests:
		case <-time.After(pollInterval):
			if e.shuttingDown.Load() {
				return
			}
			continue
		}

		e.ct.Check()
		if e.handle(req) {
			return
		}
	}
}

// handle dispatches one request and reports whether the control loop
// should stop (true only for ReqQuit).
func (e *Engine) handle(req Request) bool {
	switch req.Kind {
	case ReqLoadSymbols:
		e.handleLoadSymbols(req)
	case reqLoadSymbolsResult:
		e.handleLoadSymbolsResult(req)
	case ReqLaunch:
		e.handleLaunch(req)
	case ReqKill:
		e.killSubordinate()
		e.respond(Response{Kind: RespReset})
	case ReqContinue:
		e.handleContinue()
	case ReqStep:
		e.handleStep(req)
	case ReqUpdateBreakpoint:
		e.handleUpdateBreakpoint(req)
	case ReqToggleBreakpoint:
		e.handleToggleBreakpoint(req)
	case ReqSetHexWindowAddress:
		e.hexAddr = req.Addr
		e.respond(Response{Kind: RespStateUpdated})
	case ReqSetWatchExpressions:
		e.watches = req.Watches
		e.respond(Response{Kind: RespStateUpdated})
	case reqStopped:
		e.handleStopped(req)
	case ReqGetState:
		req.Reply <- e.snapshot()
	case ReqQuit:
		e.shuttingDown.Store(true)
		e.killSubordinate()
		e.wg.Wait()
		return true
	}
	return false
}

func (e *Engine) handleLoadSymbols(req Request) {
	e.wg.Add(1)
	path := req.Path
	go func() {
		defer e.wg.Done()
		if e.shuttingDown.Load() {
			return
		}
		t, err := target.Load(path)
		e.postInternal(Request{Kind: reqLoadSymbolsResult, LoadedTarget: t, LoadErr: err})
	}()
}

func (e *Engine) handleLoadSymbolsResult(req Request) {
	if req.LoadErr != nil {
		// parse error: fail the load, previous Target retained
		e.respond(Response{Kind: RespLoadSymbols, Err: req.LoadErr})
		e.errorf(req.LoadErr)
		return
	}

	e.t = req.LoadedTarget
	if e.bps == nil {
		e.bps = breakpoint.NewManager(e.adapter, 1)
	} else {
		e.bps = breakpoint.NewManager(e.adapter, e.bps.NextBid())
	}
	e.stepEngine = nil // rebuilt on next launch, once a subordinate exists

	e.respond(Response{Kind: RespLoadSymbols})
	e.respond(Response{Kind: RespStateUpdated})
}

func (e *Engine) handleLaunch(req Request) {
	if e.t == nil {
		e.respond(Response{Kind: RespMessage, Level: LevelWarning, Text: "launch requested before symbols were loaded"})
		return
	}
	if e.sub != nil {
		e.warn(dbgerr.AlreadyRunning, "launch")
		return
	}

	pid, stdoutR, stderrR, err := e.adapter.SpawnCaptured(req.Path, req.Args)
	if err != nil {
		e.errorf(err)
		return
	}

	wr, err := e.adapter.WaitForSignalSync(pid, e.opts.LaunchTimeout)
	if err != nil || !wr.Stopped {
		stdoutR.Close()
		stderrR.Close()
		if err == nil {
			err = dbgerr.E(dbgerr.SpawnFailed, pid)
		}
		e.errorf(err)
		return
	}

	loadAddr, err := e.adapter.ParseLoadAddress(pid, e.t.Flags.PIE)
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		e.errorf(err)
		return
	}

	e.sub = &subordinate.Subordinate{ChildPid: pid, LoadAddr: loadAddr, Threads: []int{pid}, Paused: true}
	e.stepEngine = step.NewEngine(e.adapter, e.bps, e.t)
	e.stdoutFile, e.stderrFile = stdoutR, stderrR
	e.startCapture(stdoutR)
	e.startCapture(stderrR)

	if err := e.bps.InstallAll(e.sub, pid); err != nil {
		e.errorf(err)
	}

	if req.StopOnEntry {
		e.buildAndSurfacePause(pid)
	} else {
		e.sub.Paused = false
		if err := e.adapter.ContinueExecution(pid, 0); err != nil {
			e.errorf(err)
			return
		}
		e.armWait(pid)
	}
	e.respond(Response{Kind: RespStateUpdated})
}

// startCapture forwards f's bytes as they arrive as received_text_output
// responses, for the lifetime of the subordinate.
func (e *Engine) startCapture(f *os.File) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				out := make([]byte, n)
				copy(out, buf[:n])
				e.respond(Response{Kind: RespReceivedTextOutput, Bytes: out})
			}
			if err != nil || e.shuttingDown.Load() {
				return
			}
		}
	}()
}

// armWait starts the detached wait-for-stop thread: it blocks in wait4 and
// posts a `stopped` request once pid next changes state.
func (e *Engine) armWait(pid int) {
	e.wg.Add(1)
	e.adapter.WaitForSignalAsync(pid, func(wr subordinate.WaitResult, err error) {
		defer e.wg.Done()
		e.postInternal(Request{Kind: reqStopped, StoppedPid: pid, WaitResult: wr, WaitErr: err})
	})
}

func (e *Engine) handleStopped(req Request) {
	if e.sub == nil {
		return // race with a kill that already tore the subordinate down
	}
	if req.WaitErr != nil {
		e.errorf(req.WaitErr)
		return
	}

	wr := req.WaitResult
	if wr.Exited || wr.Signaled {
		e.teardownSubordinate()
		e.respond(Response{Kind: RespReset})
		return
	}

	if !wr.SignalOfInterest() {
		// not of interest: pass the signal through and keep waiting
		if err := e.adapter.ContinueExecution(wr.Pid, int(wr.StopSignal)); err != nil {
			e.errorf(err)
			return
		}
		e.armWait(wr.Pid)
		return
	}

	surface, _, err := e.stepEngine.HandleStop(e.sub, wr.Pid)
	if err != nil {
		e.errorf(err)
		e.armWait(wr.Pid)
		return
	}
	if !surface {
		// the recursion guard rejected this stop: resume and keep waiting
		if err := e.stepEngine.Continue(e.sub, wr.Pid); err != nil {
			e.errorf(err)
			return
		}
		e.armWait(wr.Pid)
		return
	}

	e.sub.Paused = true
	e.buildAndSurfacePause(wr.Pid)
	e.respond(Response{Kind: RespStateUpdated})
}

func (e *Engine) handleContinue() {
	if e.sub == nil {
		e.warn(dbgerr.NoSubordinate, "continue")
		return
	}
	if !e.sub.Paused {
		e.warn(dbgerr.NotPaused, "continue")
		return
	}

	pid := e.sub.ChildPid
	e.pause = nil // freed immediately: stale PauseData must never outlive a resume
	if err := e.stepEngine.Continue(e.sub, pid); err != nil {
		e.errorf(err)
		return
	}
	e.sub.Paused = false
	e.armWait(pid)
	e.respond(Response{Kind: RespStateUpdated})
}

func (e *Engine) handleStep(req Request) {
	if e.sub == nil {
		e.warn(dbgerr.NoSubordinate, "step")
		return
	}
	if !e.sub.Paused {
		e.warn(dbgerr.NotPaused, "step")
		return
	}

	pid := e.sub.ChildPid
	e.pause = nil

	switch req.StepKind {
	case StepSingle:
		if err := e.stepEngine.SingleStep(pid); err != nil {
			e.errorf(err)
			return
		}
		wr, err := e.adapter.WaitForSignalSync(pid, killWaitTimeout)
		if err != nil {
			e.errorf(err)
			return
		}
		if wr.Exited || wr.Signaled {
			e.teardownSubordinate()
			e.respond(Response{Kind: RespReset})
			return
		}
		if _, _, err := e.stepEngine.HandleStop(e.sub, pid); err != nil {
			e.errorf(err)
			return
		}
		e.sub.Paused = true
		e.buildAndSurfacePause(pid)

	case StepInto:
		if err := e.stepEngine.StepInto(e.sub, pid); err != nil {
			e.errorf(err)
			return
		}
		if e.stepEngine.Stepping() {
			// retry budget exceeded and fell back to StepOver: the
			// subordinate is running again, wait for the eventual hit
			e.sub.Paused = false
			e.armWait(pid)
			e.respond(Response{Kind: RespStateUpdated})
			return
		}
		e.sub.Paused = true
		e.buildAndSurfacePause(pid)

	case StepOver:
		if err := e.stepEngine.StepOver(e.sub, pid); err != nil {
			e.errorf(err)
			return
		}
		e.sub.Paused = false
		e.armWait(pid)

	case StepOut:
		if err := e.stepEngine.StepOut(e.sub, pid); err != nil {
			e.errorf(err)
			return
		}
		e.sub.Paused = false
		e.armWait(pid)
	}

	e.respond(Response{Kind: RespStateUpdated})
}

func (e *Engine) handleUpdateBreakpoint(req Request) {
	if e.t == nil {
		e.respond(Response{Kind: RespMessage, Level: LevelWarning, Text: "update_breakpoint requested before symbols were loaded"})
		return
	}
	if _, err := e.bps.Add(e.t, req.Loc, e.sub, e.subordinateRunning()); err != nil {
		e.errorf(err)
		return
	}
	e.respond(Response{Kind: RespStateUpdated})
}

func (e *Engine) handleToggleBreakpoint(req Request) {
	if err := e.bps.Toggle(req.Bid, e.sub, e.subordinateRunning()); err != nil {
		e.errorf(err)
		return
	}
	e.respond(Response{Kind: RespStateUpdated})
}

// subordinateRunning reports whether a subordinate currently exists and is
// not paused, the running state the breakpoint manager needs to decide
// whether to pause/resume around an install or uninstall.
func (e *Engine) subordinateRunning() bool {
	return e.sub != nil && !e.sub.Paused
}

func (e *Engine) killSubordinate() {
	if e.sub == nil {
		return
	}
	pid := e.sub.ChildPid
	_ = syscall.Kill(pid, syscall.SIGKILL)
	_, _ = e.adapter.WaitForSignalSync(pid, killWaitTimeout)
	e.teardownSubordinate()
}

func (e *Engine) teardownSubordinate() {
	if e.stdoutFile != nil {
		e.stdoutFile.Close()
		e.stdoutFile = nil
	}
	if e.stderrFile != nil {
		e.stderrFile.Close()
		e.stderrFile = nil
	}
	e.sub = nil
	e.pause = nil
}

// buildAndSurfacePause reads pid's registers and installs a fresh PauseData,
// replacing whatever the engine held before (which was already cleared by
// the caller).
func (e *Engine) buildAndSurfacePause(pid int) {
	regs, err := e.adapter.GetRegisters(pid)
	if err != nil {
		e.errorf(err)
		return
	}
	e.pause = e.buildPauseData(pid, regs)
}

func (e *Engine) buildPauseData(pid int, regs subordinate.Registers) *PauseData {
	frames, err := frame.Compute(e.adapter, e.sub, e.t, pid, regs)
	if err != nil {
		logger.Logf("engine", "stack unwind failed for pid %d: %s", pid, err)
	}

	var frameBase uint64
	stackFrames := make([]StackFrame, 0, len(frames))
	for i, f := range frames {
		if i == 0 {
			frameBase = f.Base
		}
		stackFrames = append(stackFrames, StackFrame{Address: f.Base, PC: f.PC})
	}

	pd := &PauseData{
		Pid:           pid,
		Registers:     regs,
		FrameBaseAddr: frameBase,
		StackFrames:   stackFrames,
		Strings:       e.t.StringCache.Fresh(),
	}

	relAddr := regs.PC() - e.sub.LoadAddr
	if bp, ok := e.bps.ByAddr(relAddr); ok {
		pd.Breakpoint = bp
	}

	cu, fi := e.t.FunctionByAddr(relAddr)
	if cu == nil {
		return pd
	}
	fn := cu.Functions[fi]
	if st, ok := cu.StatementForAddr(relAddr); ok && fn.SourceLoc != nil {
		pd.HasSourceLocation = true
		pd.SourceLocation = target.SourceLoc{FileHash: fn.SourceLoc.FileHash, Line: st.SourceLine}
	}

	ev, err := eval.New(e.adapter, pid, e.sub.LoadAddr, e.t, regs.PC(), frameBase)
	if err != nil {
		return pd // language unsupported or no debug info for this frame
	}
	for _, name := range ev.LocalNames() {
		pd.Locals = append(pd.Locals, ev.Evaluate(name))
	}
	for _, w := range e.watches {
		pd.Watches = append(pd.Watches, ev.Evaluate(w))
	}

	if e.hexSize > 0 {
		if bytes := eval.HexWindow(e.adapter, pid, e.hexAddr, e.hexSize); bytes != nil {
			pd.HexDisplays = append(pd.HexDisplays, HexDisplay{Addr: e.hexAddr, Bytes: bytes})
		}
	}

	return pd
}

// snapshot produces the deep, independent copy a `get_state` request
// returns: no pointer into live engine state escapes.
func (e *Engine) snapshot() StateSnapshot {
	var snap StateSnapshot
	if e.bps != nil {
		for _, bp := range e.bps.All() {
			snap.Breakpoints = append(snap.Breakpoints, *bp)
		}
	}
	if e.pause != nil {
		cp := *e.pause
		if e.pause.Breakpoint != nil {
			bp := *e.pause.Breakpoint
			cp.Breakpoint = &bp
		}
		cp.StackFrames = append([]StackFrame(nil), e.pause.StackFrames...)
		cp.Locals = append([]eval.ExpressionResult(nil), e.pause.Locals...)
		cp.Watches = append([]eval.ExpressionResult(nil), e.pause.Watches...)
		cp.HexDisplays = append([]HexDisplay(nil), e.pause.HexDisplays...)
		snap.Paused = &cp
	}
	return snap
}
