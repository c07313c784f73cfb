// Copyright 2024 The Kokia Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cliapp

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/maetin0324/kokia/internal/asynctrack"
	"github.com/maetin0324/kokia/internal/orchestrator"
	"github.com/maetin0324/kokia/internal/procctrl"
	"github.com/sirupsen/logrus"
)

const helpText = `available commands:
  help                        show this text
  break <symbol>              set a breakpoint at a function symbol
  continue, c                 resume execution until the next stop
  step, s                     single-step one machine instruction
  next, n                     step over calls
  finish, f                   run until the current function returns
  backtrace, bt               print the native call stack
  locals, l                   print variables visible at the current stop
  find <pattern>              list symbols whose name contains pattern
  async enable                start tracking async task polls
  async list, async tasks     list tracked tasks
  async edges                 list observed parent/child poll edges
  async bt                    print the reconstructed await-stack
  async locals [<task_id>]    print a task's captured generator fields
  quit, exit, q                detach and exit
`

// runREPL drives the interactive command loop against sess until the user
// quits or the target exits. The current thread id starts at 0, before any
// stop has reported one, and is then taken from every stop that is not an
// exit.
func runREPL(sess *orchestrator.Session, log *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	curTid := 0

	fmt.Println("kokia: attached. type 'help' for commands.")
	for {
		fmt.Print("(kokia) ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			fmt.Print(helpText)

		case "quit", "exit", "q":
			return

		case "break", "b":
			if len(args) != 1 {
				fmt.Println("usage: break <symbol>")
				continue
			}
			id, err := sess.SetBreakpointAtSymbol(args[0])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("breakpoint %d set at %s\n", id, args[0])

		case "continue", "c":
			sr, err := sess.Continue()
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			curTid = reportStop(sr, curTid)

		case "step", "s":
			sr, err := sess.StepInstruction(curTid)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			curTid = reportStop(sr, curTid)

		case "next", "n":
			sr, err := sess.Next(curTid)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			curTid = reportStop(sr, curTid)

		case "finish", "f":
			sr, err := sess.Finish(curTid)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			curTid = reportStop(sr, curTid)

		case "backtrace", "bt":
			printBacktrace(sess, curTid)

		case "locals", "l":
			printLocals(sess, curTid)

		case "find":
			if len(args) != 1 {
				fmt.Println("usage: find <pattern>")
				continue
			}
			for _, sym := range sess.FindSymbols(args[0]) {
				fmt.Printf("  %#x %s\n", sym.FileOffset, sym.Demangled)
			}

		case "async":
			runAsyncCommand(sess, curTid, args)

		default:
			fmt.Printf("unknown command %q (type 'help')\n", cmd)
		}
	}
}

// reportStop prints a stop's reason and returns the thread id the REPL
// should now treat as current.
func reportStop(sr procctrl.StopReason, prevTid int) int {
	fmt.Printf("stopped: %s\n", sr)
	if sr.Kind == procctrl.Exited {
		return prevTid
	}
	return sr.Tid
}

func printBacktrace(sess *orchestrator.Session, tid int) {
	frames, err := sess.Backtrace(tid, 64)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	for i, f := range frames {
		loc := ""
		if f.File != "" {
			loc = fmt.Sprintf(" at %s:%d", f.File, f.Line)
		}
		name := f.Function
		if name == "" {
			name = "??"
		}
		fmt.Printf("#%d %#x %s%s\n", i, f.PC, name, loc)
	}
}

func printLocals(sess *orchestrator.Session, tid int) {
	locals, err := sess.Locals(tid)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	for _, l := range locals {
		fmt.Printf("  %s: %s (size %d) @ %#x\n", l.Name, l.TypeName, l.Size, l.Address)
	}
}

func runAsyncCommand(sess *orchestrator.Session, tid int, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: async <enable|list|tasks|edges|bt|locals> [args]")
		return
	}
	switch args[0] {
	case "enable":
		n, err := sess.EnableAsyncTracking()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("tracking enabled: %d poll functions instrumented\n", n)

	case "list", "tasks":
		for _, t := range sess.Tracker().Tasks() {
			fmt.Printf("  task %#x %s completed=%v discriminant=%d\n",
				uint64(t.ID), t.TypeName, t.Completed, t.CurrentDiscriminant)
		}

	case "edges":
		for _, e := range sess.Tracker().Edges() {
			fmt.Printf("  %#x -> %#x at %s:%d completed=%v\n",
				uint64(e.Parent), uint64(e.Child), e.Callsite.File, e.Callsite.Line, e.Completed)
		}

	case "bt":
		for i, f := range sess.AsyncBacktrace(tid) {
			line := fmt.Sprintf("#%d task %#x %s", i, uint64(f.Task.ID), f.Task.TypeName)
			if f.Callsite != nil {
				line += fmt.Sprintf(" awaiting at %s:%d", f.Callsite.File, f.Callsite.Line)
			}
			fmt.Println(line)
		}

	case "locals":
		var id uint64
		if len(args) < 2 {
			frames := sess.AsyncBacktrace(tid)
			if len(frames) == 0 {
				fmt.Println("no task on the current thread's await-stack; usage: async locals [<task_id>]")
				return
			}
			id = uint64(frames[len(frames)-1].Task.ID)
		} else {
			raw := strings.TrimPrefix(args[1], "0x")
			parsed, err := strconv.ParseUint(raw, 16, 64)
			if err != nil {
				fmt.Printf("invalid task id %q\n", args[1])
				return
			}
			id = parsed
		}
		locals, err := sess.TaskLocals(asynctrack.TaskID(id))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		for _, l := range locals {
			fmt.Printf("  %s: %s (size %d) @ %#x\n", l.Name, l.TypeName, l.Size, l.Address)
		}

	default:
		fmt.Printf("unknown async command %q\n", args[0])
	}
}
