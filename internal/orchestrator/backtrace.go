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

package orchestrator

import (
	"strings"

	"github.com/maetin0324/kokia/internal/asynctrack"
	"github.com/maetin0324/kokia/internal/dwarfidx"
	"github.com/maetin0324/kokia/internal/procctrl"
)

// NativeFrame is one OS-stack frame resolved to a symbol and source
// location, as shown by the "backtrace" command.
type NativeFrame struct {
	PC       uint64
	Function string
	File     string
	Line     int
}

// Backtrace walks tid's frame-pointer chain and resolves each return
// address to the symbol and source line it falls in.
func (s *Session) Backtrace(tid int, maxDepth int) ([]NativeFrame, error) {
	pc, err := s.regs(tid).PC()
	if err != nil {
		return nil, err
	}
	fp, err := s.regs(tid).FramePointer()
	if err != nil {
		return nil, err
	}

	frames := []NativeFrame{s.resolveFrame(pc)}
	for _, f := range walkFramePointerChain(s.mem, fp, maxDepth-1) {
		frames = append(frames, s.resolveFrame(f.ReturnAddr))
	}
	return frames, nil
}

func (s *Session) resolveFrame(pc uint64) NativeFrame {
	frame := NativeFrame{PC: pc}
	if sym, err := s.dw.ReverseResolve(s.Unslide(pc)); err == nil {
		frame.Function = sym.Demangled
	}
	if file, line, _, err := s.dw.LineAt(s.Unslide(pc)); err == nil {
		frame.File, frame.Line = file, line
	}
	return frame
}

// AsyncFrame is one entry of the logical await-stack, as shown by the
// "async bt" command: the task suspended at this point, and the callsite
// that suspended it waiting on the next frame down.
type AsyncFrame struct {
	Task     asynctrack.Task
	Callsite *asynctrack.Callsite
}

// AsyncBacktrace returns tid's reconstructed await-stack, outermost first,
// pairing each task with the callsite that led into the next one.
func (s *Session) AsyncBacktrace(tid int) []AsyncFrame {
	stack := s.tracker.CurrentStack(tid)
	out := make([]AsyncFrame, 0, len(stack))
	for i, id := range stack {
		task, _ := s.tracker.Task(id)
		frame := AsyncFrame{Task: task}
		if i+1 < len(stack) {
			for _, e := range s.tracker.EdgesFrom(id) {
				if e.Child == stack[i+1] {
					cs := e.Callsite
					frame.Callsite = &cs
					break
				}
			}
		}
		out = append(out, frame)
	}
	return out
}

// FindSymbols returns every symbol whose demangled name contains pattern.
func (s *Session) FindSymbols(pattern string) []dwarfidx.Symbol {
	var out []dwarfidx.Symbol
	for _, sym := range s.dw.Symbols() {
		if strings.Contains(sym.Demangled, pattern) {
			out = append(out, sym)
		}
	}
	return out
}

// StepInstruction steps tid by exactly one machine instruction, handling
// any internal async bookkeeping breakpoint transparently. A step that
// lands on a breakpoint the caller should see is reported as a Breakpoint
// stop instead of a Step.
func (s *Session) StepInstruction(tid int) (procctrl.StopReason, error) {
	sr, err := s.ctrl.SingleStep(tid)
	if err != nil {
		return sr, err
	}
	s.invalidateRegs(tid)
	if sr.Kind != procctrl.Step {
		return sr, nil
	}
	pc, err := s.regs(tid).PC()
	if err != nil {
		return sr, err
	}
	if _, ok := s.bps.FindByAddress(pc - 1); ok {
		visible, err := s.handleBreakpointStop(tid)
		if err != nil {
			return sr, err
		}
		if visible {
			sr.Kind = procctrl.Breakpoint
		}
	}
	return sr, nil
}
