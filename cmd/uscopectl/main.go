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

// Command uscopectl is a thin, line-oriented front-end over the engine's
// request queue: a demo harness, not a UI. It loads an executable's
// symbols, launches it, and drops into a single-keystroke command loop
// (continue, step into/over/out, single instruction, set a breakpoint,
// set a watch expression, print a backtrace) until the user quits or
// standard input can no longer be read. The loop keeps running after the
// subordinate exits; the exit is reported as a "subordinate gone" line.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wrenfield/uscope/breakpoint"
	"github.com/wrenfield/uscope/engine"
	"github.com/wrenfield/uscope/rawterm"
	"github.com/wrenfield/uscope/subordinate"
	"github.com/wrenfield/uscope/target"
)

var (
	flagBreakpoints []string
	flagWatches     []string
	flagStopOnEntry bool
	flagCI          bool
)

func main() {
	root := &cobra.Command{
		Use:   "uscopectl <executable> [-- args...]",
		Short: "interactive source-level debugger front-end",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDebug,
	}
	root.Flags().StringArrayVarP(&flagBreakpoints, "break", "b", nil, "set a breakpoint at file:line before launch (repeatable)")
	root.Flags().StringArrayVarP(&flagWatches, "watch", "w", nil, "watch an expression on every stop (repeatable)")
	root.Flags().BoolVar(&flagStopOnEntry, "stop-on-entry", false, "stop at the subordinate's entry point instead of running immediately")
	root.Flags().BoolVar(&flagCI, "ci", false, "use the longer CI launch timeout")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDebug(cmd *cobra.Command, args []string) error {
	path := args[0]
	progArgs := args[1:]

	e := engine.New(&subordinate.Adapter{}, engine.DefaultOptions(flagCI))

	go e.Run()
	defer e.Post(engine.Request{Kind: engine.ReqQuit})

	done := make(chan struct{})
	go printResponses(e, done)

	e.Post(engine.Request{Kind: engine.ReqLoadSymbols, Path: path})
	time.Sleep(50 * time.Millisecond) // let load_symbols land before launch

	for _, raw := range flagBreakpoints {
		loc, err := parseLocation(raw)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		e.Post(engine.Request{Kind: engine.ReqUpdateBreakpoint, Loc: loc})
	}
	if len(flagWatches) > 0 {
		e.Post(engine.Request{Kind: engine.ReqSetWatchExpressions, Watches: flagWatches})
	}

	e.Post(engine.Request{Kind: engine.ReqLaunch, Path: path, Args: progArgs, StopOnEntry: flagStopOnEntry})

	term, err := rawterm.Open(os.Stdin, os.Stdout)
	if err != nil {
		return fmt.Errorf("uscopectl: %w", err)
	}
	defer term.Close()

	runCommandLoop(e, term)

	close(done)
	return nil
}

func runCommandLoop(e *engine.Engine, term *rawterm.Term) {
	color.Cyan("uscopectl: c=continue i=step-into o=step-over u=step-out n=instruction b=breakpoint w=watch t=backtrace q=quit")

	term.CBreakMode()
	for {
		b, err := term.ReadByte()
		if err != nil {
			return
		}

		switch b {
		case 'c':
			e.Post(engine.Request{Kind: engine.ReqContinue})
		case 'i':
			e.Post(engine.Request{Kind: engine.ReqStep, StepKind: engine.StepInto})
		case 'o':
			e.Post(engine.Request{Kind: engine.ReqStep, StepKind: engine.StepOver})
		case 'u':
			e.Post(engine.Request{Kind: engine.ReqStep, StepKind: engine.StepOut})
		case 'n':
			e.Post(engine.Request{Kind: engine.ReqStep, StepKind: engine.StepSingle})
		case 'b':
			term.CanonicalMode()
			loc, ok := promptLocation()
			term.CBreakMode()
			if ok {
				e.Post(engine.Request{Kind: engine.ReqUpdateBreakpoint, Loc: loc})
			}
		case 'w':
			term.CanonicalMode()
			expr, ok := promptLine("watch expression: ")
			term.CBreakMode()
			if ok && expr != "" {
				e.Post(engine.Request{Kind: engine.ReqSetWatchExpressions, Watches: []string{expr}})
			}
		case 't':
			printBacktrace(e)
		case 'q':
			return
		}
	}
}

func promptLocation() (breakpoint.Location, bool) {
	line, ok := promptLine("breakpoint (file:line): ")
	if !ok {
		return breakpoint.Location{}, false
	}
	loc, err := parseLocation(line)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return breakpoint.Location{}, false
	}
	return loc, true
}

func promptLine(prompt string) (string, bool) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(line), true
}

func parseLocation(raw string) (breakpoint.Location, error) {
	file, lineStr, ok := strings.Cut(raw, ":")
	if !ok {
		return breakpoint.Location{}, fmt.Errorf("uscopectl: expected file:line, got %q", raw)
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil {
		return breakpoint.Location{}, fmt.Errorf("uscopectl: invalid line in %q: %w", raw, err)
	}
	return breakpoint.Location{FileHash: target.Hash(file), Line: line}, nil
}

func printBacktrace(e *engine.Engine) {
	reply := make(chan engine.StateSnapshot, 1)
	e.Post(engine.Request{Kind: engine.ReqGetState, Reply: reply})
	snap := <-reply

	if snap.Paused == nil {
		color.Yellow("not stopped")
		return
	}
	for i, f := range snap.Paused.StackFrames {
		fmt.Printf("  #%d pc=%#x base=%#x\n", i, f.PC, f.Address)
	}
	for _, w := range snap.Paused.Watches {
		fmt.Printf("  watch: %d fields\n", len(w.Fields))
	}
}

func printResponses(e *engine.Engine, done <-chan struct{}) {
	for {
		select {
		case r, ok := <-e.Responses():
			if !ok {
				return
			}
			printResponse(r)
		case <-done:
			return
		}
	}
}

func printResponse(r engine.Response) {
	switch r.Kind {
	case engine.RespStateUpdated:
		color.Green("state updated")
	case engine.RespReset:
		color.Red("subordinate gone")
	case engine.RespReceivedTextOutput:
		os.Stdout.Write(r.Bytes)
	case engine.RespLoadSymbols:
		if r.Err != nil {
			color.Red("load_symbols: %s", r.Err)
		} else {
			color.Cyan("symbols loaded")
		}
	case engine.RespMessage:
		switch r.Level {
		case engine.LevelError:
			color.Red("%s", r.Text)
		case engine.LevelWarning:
			color.Yellow("%s", r.Text)
		default:
			fmt.Println(r.Text)
		}
	}
}
