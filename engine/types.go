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

// Package engine implements the debugger's concurrency and control-plane
// model: one control thread serializing every state transition under a
// coarse lock, driven by a request queue, with detached threads for
// symbol loading, subordinate output capture, and wait-for-stop posting
// back through that same queue.
package engine

import (
	"github.com/wrenfield/uscope/breakpoint"
	"github.com/wrenfield/uscope/eval"
	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

// RequestKind tags a Request's variant: the kinds a UI posts, plus two
// engine-internal kinds (stopped, load-symbols-result) background threads
// use to hand results back to the control thread.
type RequestKind int

const (
	ReqLoadSymbols RequestKind = iota
	ReqLaunch
	ReqKill
	ReqContinue
	ReqStep
	ReqUpdateBreakpoint
	ReqToggleBreakpoint
	ReqSetHexWindowAddress
	ReqSetWatchExpressions
	ReqGetState
	ReqQuit

	// internal: posted by background threads, never sent by a UI
	reqStopped
	reqLoadSymbolsResult
)

// StepKind selects among the four stepping operations.
type StepKind int

const (
	StepSingle StepKind = iota
	StepInto
	StepOver
	StepOut
)

// Request is the tagged-variant message the UI (or a background thread)
// posts to the engine. Only the fields relevant to Kind are meaningful.
type Request struct {
	Kind RequestKind

	// ReqLoadSymbols, ReqLaunch
	Path string
	Args []string

	// ReqLaunch
	StopOnEntry bool

	// ReqStep
	StepKind StepKind

	// ReqUpdateBreakpoint
	Loc breakpoint.Location

	// ReqToggleBreakpoint
	Bid int

	// ReqSetHexWindowAddress
	Addr uint64

	// ReqSetWatchExpressions
	Watches []string

	// ReqGetState: the control thread replies on this channel instead of
	// going through the response queue, since get_state is synchronous.
	Reply chan StateSnapshot

	// reqStopped: posted by the wait thread
	StoppedPid int
	WaitResult subordinate.WaitResult
	WaitErr    error

	// reqLoadSymbolsResult: posted by the load-symbols thread
	LoadedTarget *target.Target
	LoadErr      error
}

// ResponseKind tags a Response's variant.
type ResponseKind int

const (
	RespStateUpdated ResponseKind = iota
	RespReset
	RespReceivedTextOutput
	RespLoadSymbols
	RespMessage
)

// MessageLevel is the severity of a RespMessage.
type MessageLevel int

const (
	LevelDebug MessageLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

// Response is the tagged-variant message the engine posts to the UI.
type Response struct {
	Kind ResponseKind

	// RespMessage
	Level MessageLevel
	Text  string

	// RespReceivedTextOutput
	Bytes []byte

	// RespLoadSymbols
	Err error
}

// StackFrame is one unwound call-stack entry of a PauseData.
type StackFrame struct {
	Address uint64
	PC      uint64
}

// HexDisplay is one rendered memory window of a PauseData.
type HexDisplay struct {
	Addr  uint64
	Bytes []byte
}

// PauseData is produced fresh on every stop and freed at the next
// continue/step/kill. Strings is a private copy of the target's string
// cache so a snapshot the UI is holding never shares memory with the
// live engine.
type PauseData struct {
	Pid               int
	Registers         subordinate.Registers
	HasSourceLocation bool
	SourceLocation    target.SourceLoc
	Breakpoint        *subordinate.Breakpoint
	FrameBaseAddr     uint64
	StackFrames       []StackFrame
	HexDisplays       []HexDisplay
	Locals            []eval.ExpressionResult
	Watches           []eval.ExpressionResult
	Strings           *target.StringCache
}

// StateSnapshot is the deep, independent copy a `get_state` request
// returns: the UI never borrows engine-owned memory.
type StateSnapshot struct {
	Breakpoints []subordinate.Breakpoint
	Paused      *PauseData
}
