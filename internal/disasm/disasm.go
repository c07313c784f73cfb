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

// Package disasm is the x86-64 Disassembly collaborator (spec 4.G): it
// finds every return instruction in a function's byte range, so the
// orchestrator can plant an exit breakpoint at each of a generator poll
// function's exit points instead of guessing at a single return address.
package disasm

import (
	"golang.org/x/arch/x86/x86asm"
)

// FindReturnInstructions decodes code as x86-64 machine code starting at
// baseAddr and returns the address of every ret/retq instruction found.
// Decode errors at a given offset are treated as "skip one byte and
// resync," the same tolerance a disassembler needs for inline data or
// padding it doesn't expect to decode.
func FindReturnInstructions(code []byte, baseAddr uint64) []uint64 {
	var rets []uint64
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			off++
			continue
		}
		if isReturn(inst.Op) {
			rets = append(rets, baseAddr+uint64(off))
		}
		off += inst.Len
	}
	return rets
}

func isReturn(op x86asm.Op) bool {
	switch op {
	case x86asm.RET, x86asm.RETF:
		return true
	default:
		return false
	}
}
