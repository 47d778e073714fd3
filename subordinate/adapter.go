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

package subordinate

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wrenfield/uscope/dbgerr"
	"github.com/wrenfield/uscope/logger"
)

// Adapter wraps every ptrace and process-control call the debugger needs.
// It holds no state of its own; every method takes the pid it operates on,
// so a single Adapter value is shared for the lifetime of the engine. All
// of its methods must be called from the same OS thread for a given traced
// process (a ptrace requirement); LockControlThread documents and enforces
// the engine side of that contract.
type Adapter struct{}

// LockControlThread pins the calling goroutine to its current OS thread for
// the rest of its life. ptrace requires every call against a given tracee to
// come from the thread that attached to it; the engine's control thread
// calls this once, at startup, before issuing any Adapter call.
func LockControlThread() {
	runtime.LockOSThread()
}

// Spawn starts argv[0] as a traced child: it calls PTRACE_TRACEME before
// exec via SysProcAttr, so the first signal the parent observes after exec
// is a SIGTRAP the caller must collect with WaitForSignalSync before doing
// anything else.
func (a *Adapter) Spawn(path string, args []string) (pid int, err error) {
	argv := append([]string{path}, args...)
	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.SpawnFailed, err))
	}
	return proc.Pid, nil
}

// SpawnCaptured is Spawn, except the child's stdout and stderr are piped
// back to the caller instead of inherited from the parent's terminal, for
// the engine's stdout/stderr capture threads. The caller owns the returned
// read ends and must close them once the subordinate exits.
func (a *Adapter) SpawnCaptured(path string, args []string) (pid int, stdout, stderr *os.File, err error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.SpawnFailed, err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return 0, nil, nil, fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.SpawnFailed, err))
	}

	argv := append([]string{path}, args...)
	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{os.Stdin, outW, errW},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return 0, nil, nil, fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.SpawnFailed, err))
	}
	return proc.Pid, outR, errR, nil
}

// ParseLoadAddress reads /proc/<pid>/maps to find the base address a PIE
// executable was mapped at. Non-PIE executables load at their link-time
// address, which already matches the DWARF data, so pie=false always
// returns 0 without touching /proc.
func (a *Adapter) ParseLoadAddress(pid int, pie bool) (uint64, error) {
	if !pie {
		return 0, nil
	}

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.ProcessNotFound, pid))
	}

	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, fmt.Errorf("subordinate: empty /proc/%d/maps", pid)
	}
	lo, _, _ := strings.Cut(fields[0], "-")
	addr, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("subordinate: parsing /proc/%d/maps: %w", pid, err)
	}
	return addr, nil
}

// WaitForSignalSync blocks until pid stops or exits, or timeout elapses.
func (a *Adapter) WaitForSignalSync(pid int, timeout time.Duration) (WaitResult, error) {
	type result struct {
		wr  WaitResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		wr, err := a.wait(pid)
		done <- result{wr, err}
	}()

	select {
	case r := <-done:
		return r.wr, r.err
	case <-time.After(timeout):
		return WaitResult{}, fmt.Errorf("subordinate: timed out waiting for pid %d", pid)
	}
}

// WaitForSignalAsync blocks in wait4 on its own goroutine and invokes onStop
// once pid next stops or exits; callers post the result back onto the
// engine's request queue as a `stopped` request.
func (a *Adapter) WaitForSignalAsync(pid int, onStop func(WaitResult, error)) {
	go func() {
		wr, err := a.wait(pid)
		onStop(wr, err)
	}()
}

func (a *Adapter) wait(pid int) (WaitResult, error) {
	var status syscall.WaitStatus
	wpid, err := syscall.Wait4(pid, &status, 0, nil)
	if err != nil {
		return WaitResult{}, fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.ProcessNotFound, pid))
	}

	wr := WaitResult{Pid: wpid}
	switch {
	case status.Exited():
		wr.Exited = true
		wr.ExitCode = status.ExitStatus()
	case status.Signaled():
		wr.Signaled = true
		wr.Signal = status.Signal()
	case status.Stopped():
		wr.Stopped = true
		wr.StopSignal = status.StopSignal()
	}
	return wr, nil
}

// GetRegisters reads pid's general-purpose register set.
func (a *Adapter) GetRegisters(pid int) (Registers, error) {
	var regs Registers
	if err := unix.PtraceGetRegs(pid, &regs.Raw); err != nil {
		return Registers{}, fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.RegisterReadFailed, pid, err))
	}
	return regs, nil
}

// SetRegisters writes pid's general-purpose register set.
func (a *Adapter) SetRegisters(pid int, regs Registers) error {
	if err := unix.PtraceSetRegs(pid, &regs.Raw); err != nil {
		return fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.RegisterWriteFailed, pid, err))
	}
	return nil
}

// PeekData reads len(buf) bytes of pid's memory at addr (already relocated
// by the caller: addr = load_addr + dwarf_addr).
func (a *Adapter) PeekData(pid int, addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(pid, uintptr(addr), buf)
	if err != nil || n != len(buf) {
		return fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.MemoryReadFailed, addr, err))
	}
	return nil
}

// PokeData writes buf into pid's memory at addr.
func (a *Adapter) PokeData(pid int, addr uint64, buf []byte) error {
	n, err := unix.PtracePokeData(pid, uintptr(addr), buf)
	if err != nil || n != len(buf) {
		return fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.MemoryWriteFailed, addr, err))
	}
	return nil
}

// SingleStep executes exactly one instruction in pid.
func (a *Adapter) SingleStep(pid int) error {
	if err := unix.PtraceSingleStep(pid); err != nil {
		return fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.RegisterWriteFailed, pid, err))
	}
	return nil
}

// SingleStepAndWait combines SingleStep with a synchronous wait for the
// resulting trap.
func (a *Adapter) SingleStepAndWait(pid int, timeout time.Duration) (WaitResult, error) {
	if err := a.SingleStep(pid); err != nil {
		return WaitResult{}, err
	}
	return a.WaitForSignalSync(pid, timeout)
}

// ContinueExecution resumes pid, optionally redelivering a pending signal.
func (a *Adapter) ContinueExecution(pid int, signal int) error {
	if err := unix.PtraceCont(pid, signal); err != nil {
		return fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.RegisterWriteFailed, pid, err))
	}
	return nil
}

// TemporarilyPauseSubordinate sends SIGSTOP and waits for it to take effect;
// used by the breakpoint manager when installing/removing breakpoints while
// the subordinate is running.
func (a *Adapter) TemporarilyPauseSubordinate(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("subordinate: %w", dbgerr.E(dbgerr.ProcessNotFound, pid))
	}
	if _, err := a.wait(pid); err != nil {
		return err
	}
	return nil
}

// SetBreakpoint installs bp at loadAddr+bp.Addr on pid: reads and stores the
// original instruction byte (once), then writes the interrupt byte.
func (a *Adapter) SetBreakpoint(loadAddr uint64, bp *Breakpoint, pid int) (ThreadBreakpoint, error) {
	addr := loadAddr + bp.Addr

	if !bp.HasOriginal {
		var orig [1]byte
		if err := a.PeekData(pid, addr, orig[:]); err != nil {
			return ThreadBreakpoint{}, err
		}
		bp.OriginalByte = orig[0]
		bp.HasOriginal = true
	}

	if err := a.PokeData(pid, addr, []byte{InterruptByte}); err != nil {
		return ThreadBreakpoint{}, err
	}

	logger.Logf("subordinate", "installed breakpoint %d at %#x (pid %d)", bp.Bid, addr, pid)
	return ThreadBreakpoint{Bid: bp.Bid, Pid: pid, IsApplied: true}, nil
}

// UnsetBreakpoint restores the original instruction byte at bp's address.
func (a *Adapter) UnsetBreakpoint(loadAddr uint64, bp *Breakpoint, pid int) error {
	if !bp.HasOriginal {
		return nil
	}
	addr := loadAddr + bp.Addr
	return a.PokeData(pid, addr, []byte{bp.OriginalByte})
}
