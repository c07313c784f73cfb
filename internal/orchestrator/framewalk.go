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

import "github.com/maetin0324/kokia/internal/memview"

// Frame is one entry of a frame-pointer-walked call chain: FP is this
// frame's own base pointer, ReturnAddr is the address execution resumes at
// in the caller once this frame returns (an address inside the *next*
// frame's function).
type Frame struct {
	FP         uint64
	ReturnAddr uint64
}

// walkFramePointerChain follows the standard x86_64 frame-pointer
// convention (push rbp; mov rbp, rsp) starting at fp, returning one Frame
// per level walked, innermost first. It is the OS-stack resync fallback:
// no cooperation from the traced program is required beyond having been
// built with frame pointers retained.
//
// The walk stops at maxDepth frames or the first frame pointer that isn't
// a plausible stack address (zero, misaligned, or not increasing), which is
// the usual signal of having walked off the top of the stack into garbage.
func walkFramePointerChain(mem *memview.View, fp uint64, maxDepth int) []Frame {
	var frames []Frame
	prev := uint64(0)
	for i := 0; i < maxDepth && fp != 0; i++ {
		if fp%8 != 0 || fp <= prev {
			break
		}
		retAddr, err := mem.ReadUint(fp+8, 8)
		if err != nil {
			break
		}
		nextFP, err := mem.ReadUint(fp, 8)
		if err != nil {
			break
		}
		frames = append(frames, Frame{FP: fp, ReturnAddr: retAddr})
		prev = fp
		fp = nextFP
	}
	return frames
}
