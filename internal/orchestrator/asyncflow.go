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
	"debug/dwarf"

	"github.com/maetin0324/kokia/internal/asynctrack"
	"github.com/maetin0324/kokia/internal/breakpoint"
	"github.com/maetin0324/kokia/internal/disasm"
)

// defaultExitScanWindow bounds how many bytes are disassembled looking for
// a function's return instructions when the symbol table didn't record a
// size (common for functions the linker didn't emit .size directives for).
const defaultExitScanWindow = 512

// EnableAsyncTracking installs an AsyncEntry breakpoint at every function
// symbol the async detector recognizes as an application closure, and
// switches the orchestrator's stop handler into tracking mode. Exit
// breakpoints for each such function are installed lazily, the first time
// that function is actually entered, since disassembling every candidate
// up front would scan code that may never run.
func (s *Session) EnableAsyncTracking() (int, error) {
	installed := 0
	for _, sym := range s.dw.Symbols() {
		if !s.detect.IsAsyncClosure(sym.Demangled) {
			continue
		}
		id, err := s.bps.Install(s.Slide(sym.FileOffset), breakpoint.AsyncEntry)
		if err != nil {
			return installed, err
		}
		s.asyncFuncs[id] = asyncFuncInfo{
			typeName:       sym.Demangled,
			genTypeName:    sym.Demangled,
			funcFileOffset: sym.FileOffset,
			funcSize:       sym.Size,
		}
		installed++
	}
	s.asyncEnabled = true
	return installed, nil
}

// AsyncEnabled reports whether EnableAsyncTracking has run.
func (s *Session) AsyncEnabled() bool { return s.asyncEnabled }

// handleAsyncEntry runs when a thread hits the entry of a tracked poll
// function: it reads the generator's self pointer (the ABI's first integer
// argument), records the poll in the tracker, and ensures the function's
// exit points have breakpoints installed.
func (s *Session) handleAsyncEntry(tid int, bp *breakpoint.Breakpoint) error {
	info, ok := s.asyncFuncs[bp.ID]
	if !ok {
		return nil
	}

	selfPtr, err := s.regs(tid).Arg0()
	if err != nil {
		return err
	}
	taskID := asynctrack.TaskID(selfPtr)

	rip, err := s.regs(tid).PC()
	if err != nil {
		return err
	}

	file, line := s.callerLocation(tid)

	parent, hasParent := s.scanParentGenfuture(tid)
	s.tracker.OnPollEntry(tid, hasParent, parent, taskID, info.typeName, file, line, rip)

	if discr, ok := s.readDiscriminant(selfPtr, info.typeName); ok {
		s.tracker.UpdateDiscriminant(taskID, discr)
	}

	return s.installExitBreakpointsFor(bp.ID, info)
}

// readDiscriminant reads the suspension-point tag out of the generator at
// selfPtr, sized and positioned per the layout analyzer. A width the memory
// view can't read directly (anything outside 1/2/4/8 bytes) falls back to a
// 4-byte read at the analyzer's own offset rather than offset 0: an unusual
// discriminant width says nothing about where the field actually lives.
func (s *Session) readDiscriminant(selfPtr uint64, typeName string) (int64, bool) {
	layout := s.gen.GetDiscriminantLayout(typeName)
	size := layout.Size
	switch size {
	case 1, 2, 4, 8:
	default:
		size = 4
	}
	val, err := s.mem.ReadUint(selfPtr+uint64(layout.Offset), int(size))
	if err != nil {
		return 0, false
	}
	return int64(val), true
}

// callerLocation reads the return address sitting at [rsp] (valid at
// function entry, before the prologue's push rbp shifts it) and resolves
// it to a source location in the caller: the await point that suspended
// waiting on this poll.
func (s *Session) callerLocation(tid int) (file string, line int) {
	sp, err := s.regs(tid).StackPointer()
	if err != nil {
		return "", 0
	}
	retAddr, err := s.mem.ReadUint(sp, 8)
	if err != nil {
		return "", 0
	}
	file, line, err = s.dw.LineAt(s.Unslide(retAddr))
	if err != nil {
		return "", 0
	}
	return file, line
}

// scanParentGenfuture is the entry-side hook for identifying the generator
// instance that is itself being polled; it walks no frames and always
// reports no parent, so the entry handler never passes an explicit parent
// to the tracker. Finding a reliable self pointer for an arbitrary caller frame requires a
// DWARF location lookup for that frame's own generator argument, which is
// exactly what resyncFromOSStack does on the exit-side fallback path; on
// entry, the scope-top heuristic in asynctrack.Tracker already covers the
// overwhelmingly common case (a generator directly awaiting a child it
// just constructed), so this returns false here and defers to that
// heuristic rather than duplicating the unwind on every single entry.
func (s *Session) scanParentGenfuture(tid int) (asynctrack.TaskID, bool) {
	return asynctrack.RootTask, false
}

// installExitBreakpointsFor disassembles info's function body once and
// installs an AsyncExit breakpoint at every return instruction found,
// recording ownerID so handleAsyncExit can look the function back up.
func (s *Session) installExitBreakpointsFor(ownerID int, info asyncFuncInfo) error {
	if s.installedExits[info.funcFileOffset] {
		return nil
	}
	size := info.funcSize
	if size == 0 {
		size = defaultExitScanWindow
	}
	runtimeAddr := s.Slide(info.funcFileOffset)
	code := make([]byte, size)
	if err := s.mem.ReadAt(runtimeAddr, code); err != nil {
		return err
	}
	for _, addr := range disasm.FindReturnInstructions(code, runtimeAddr) {
		id, err := s.bps.Install(addr, breakpoint.AsyncExit)
		if err != nil {
			return err
		}
		s.exitOwner[id] = ownerID
	}
	s.installedExits[info.funcFileOffset] = true
	return nil
}

// handleAsyncExit runs when a thread hits a tracked function's return
// instruction: RAX already holds the function's return value per the
// System V ABI, so the Poll tag can be read before the ret actually
// executes. The low byte is 0 for Pending, 1 for Ready.
func (s *Session) handleAsyncExit(tid int, bp *breakpoint.Breakpoint) error {
	rax, err := s.regs(tid).RetVal()
	if err != nil {
		return err
	}
	result := asynctrack.Pending
	if rax&0xff == 1 {
		result = asynctrack.Ready
	}

	if _, ok := s.tracker.OnPollExit(tid, result); !ok {
		s.resyncFromOSStack(tid, bp)
	}
	return nil
}

// resyncFromOSStack rebuilds thread tid's await-stack from scratch by
// walking its frame-pointer chain and, for each frame that sits inside a
// known async poll function, recovering that frame's generator self
// pointer from the function's first formal parameter's DWARF location
// expression. Frames that can't be attributed to a tracked function (inline
// frames, frame-pointer-omitted code, or an unwind that ran off the real
// stack) are simply absent from the rebuilt chain rather than failing the
// whole resync.
func (s *Session) resyncFromOSStack(tid int, exitBP *breakpoint.Breakpoint) {
	ownerID, ok := s.exitOwner[exitBP.ID]
	if !ok {
		return
	}
	innermost, ok := s.asyncFuncs[ownerID]
	if !ok {
		return
	}

	fp, err := s.regs(tid).FramePointer()
	if err != nil {
		return
	}
	frames := walkFramePointerChain(s.mem, fp, 64)

	// chain[0] is the innermost frame (already known: the function whose
	// exit breakpoint just fired). chain[i+1]'s pc is frames[i]'s return
	// address; its own fp is the next frame's recorded FP, since that is
	// the frame the return address actually executes in.
	type pcAt struct {
		fp uint64
		pc uint64
	}
	chain := make([]pcAt, 0, len(frames)+1)
	chain = append(chain, pcAt{fp: fp, pc: s.Slide(innermost.funcFileOffset)})
	for i, f := range frames {
		pc := f.ReturnAddr
		var frameFP uint64
		if i+1 < len(frames) {
			frameFP = frames[i+1].FP
		} else {
			frameFP = 0
		}
		chain = append(chain, pcAt{fp: frameFP, pc: pc})
	}

	var observed []asynctrack.TaskID
	for _, c := range chain {
		if c.fp == 0 {
			continue
		}
		funcInfo, ok := s.findAsyncFuncContaining(s.Unslide(c.pc))
		if !ok {
			continue
		}
		taskID, ok := s.selfPointerAtFrame(funcInfo, c.fp)
		if !ok {
			continue
		}
		observed = append(observed, taskID)
	}

	// observed is innermost-first; the tracker stores root-first.
	for i, j := 0, len(observed)-1; i < j; i, j = i+1, j-1 {
		observed[i], observed[j] = observed[j], observed[i]
	}
	s.tracker.ResyncFromStack(tid, observed)
}

func (s *Session) findAsyncFuncContaining(fileOffset uint64) (asyncFuncInfo, bool) {
	for _, info := range s.asyncFuncs {
		size := info.funcSize
		if size == 0 {
			size = defaultExitScanWindow
		}
		if fileOffset >= info.funcFileOffset && fileOffset < info.funcFileOffset+size {
			return info, true
		}
	}
	return asyncFuncInfo{}, false
}

// selfPointerAtFrame reads the value of funcInfo's first formal parameter
// as seen from a frame whose own base pointer is fp: the generator self
// pointer this poll invocation was called with.
func (s *Session) selfPointerAtFrame(funcInfo asyncFuncInfo, fp uint64) (asynctrack.TaskID, bool) {
	dieOff, err := s.dw.FindFunctionDIE(funcInfo.funcFileOffset)
	if err != nil {
		return 0, false
	}
	subprog, err := s.dw.EntryAt(dieOff)
	if err != nil || subprog == nil {
		return 0, false
	}
	children, err := s.dw.DirectChildren(subprog)
	if err != nil {
		return 0, false
	}
	for _, child := range children {
		if child.Tag != dwarf.TagFormalParameter {
			continue
		}
		expr, ok := child.Val(dwarf.AttrLocation).([]byte)
		if !ok {
			continue
		}
		addr, ok := evalLocationExpr(expr, frameBase(fp), s.pieBase)
		if !ok {
			continue
		}
		val, err := s.mem.ReadUint(addr, 8)
		if err != nil {
			continue
		}
		return asynctrack.TaskID(val), true
	}
	return 0, false
}
