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
	"github.com/maetin0324/kokia/internal/breakpoint"
	"github.com/maetin0324/kokia/internal/kokiaerr"
	"github.com/maetin0324/kokia/internal/procctrl"
	"golang.org/x/arch/x86/x86asm"
)

// Next steps tid by one source-level step, treating a call instruction as
// a single step over rather than into: a temporary breakpoint is set at
// the instruction following the call and execution resumes until it's hit.
// Anything else just single-steps.
func (s *Session) Next(tid int) (procctrl.StopReason, error) {
	inst, err := s.decodeAt(tid)
	if err != nil {
		return s.StepInstruction(tid)
	}
	if inst.Op != x86asm.CALL {
		return s.StepInstruction(tid)
	}

	pc, err := s.regs(tid).PC()
	if err != nil {
		return procctrl.StopReason{}, err
	}
	return s.runToTemporary(tid, pc+uint64(inst.Len))
}

// Finish runs tid until the current function returns, by placing a
// temporary breakpoint at the return address found 8 bytes above the
// current frame pointer. This assumes the function's prologue (push rbp;
// mov rbp, rsp) has already executed; calling Finish at the very first
// instruction of a function finds the caller's own return address instead,
// one frame too shallow.
func (s *Session) Finish(tid int) (procctrl.StopReason, error) {
	fp, err := s.regs(tid).FramePointer()
	if err != nil {
		return procctrl.StopReason{}, err
	}
	retAddr, err := s.mem.ReadUint(fp+8, 8)
	if err != nil {
		return procctrl.StopReason{}, err
	}
	return s.runToTemporary(tid, retAddr)
}

// runToTemporary installs a Temporary breakpoint at addr, continues until
// some thread hits it (or any other visible stop occurs first), and
// removes it again regardless of which happened.
func (s *Session) runToTemporary(tid int, addr uint64) (procctrl.StopReason, error) {
	id, err := s.bps.Install(addr, breakpoint.Temporary)
	if err != nil {
		return procctrl.StopReason{}, err
	}
	defer s.bps.Remove(id)

	return s.Continue()
}

// decodeAt disassembles the single instruction at tid's current PC.
func (s *Session) decodeAt(tid int) (x86asm.Inst, error) {
	pc, err := s.regs(tid).PC()
	if err != nil {
		return x86asm.Inst{}, err
	}
	buf := make([]byte, 16)
	if err := s.mem.ReadAt(pc, buf); err != nil {
		return x86asm.Inst{}, err
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return x86asm.Inst{}, kokiaerr.Wrap(kokiaerr.Decode, err, "decoding instruction at %#x", pc)
	}
	return inst, nil
}
