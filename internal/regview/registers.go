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

// Package regview is the Register View (spec 4.C): it reads and writes the
// general-purpose register file of a stopped thread and exposes named
// accessors for the handful of registers the core actually cares about.
package regview

import (
	"github.com/maetin0324/kokia/internal/kokiaerr"
	"golang.org/x/sys/unix"
)

// Source is satisfied by anything that can fetch/store the raw register
// file of a stopped OS thread. procctrl.Controller implements this.
type Source interface {
	GetRegs(tid int) (unix.PtraceRegs, error)
	SetRegs(tid int, regs *unix.PtraceRegs) error
}

// View is a read/write handle onto one stopped thread's x86_64 System V
// register file.
type View struct {
	src     Source
	tid     int
	regs    unix.PtraceRegs
	fetched bool
}

// New returns a View over tid. Registers are fetched lazily on first access
// and cached until Reload or a Set call.
func New(src Source, tid int) *View {
	return &View{src: src, tid: tid}
}

func (v *View) load() error {
	if v.fetched {
		return nil
	}
	regs, err := v.src.GetRegs(v.tid)
	if err != nil {
		return kokiaerr.Wrap(kokiaerr.Os, err, "PTRACE_GETREGS tid=%d", v.tid)
	}
	v.regs = regs
	v.fetched = true
	return nil
}

// Reload discards the cached register file and re-fetches it.
func (v *View) Reload() error {
	v.fetched = false
	return v.load()
}

func (v *View) flush() error {
	if err := v.src.SetRegs(v.tid, &v.regs); err != nil {
		return kokiaerr.Wrap(kokiaerr.Os, err, "PTRACE_SETREGS tid=%d", v.tid)
	}
	return nil
}

// Raw returns the underlying register struct, fetching it if needed.
func (v *View) Raw() (unix.PtraceRegs, error) {
	if err := v.load(); err != nil {
		return unix.PtraceRegs{}, err
	}
	return v.regs, nil
}

// PC returns the current instruction pointer.
func (v *View) PC() (uint64, error) {
	if err := v.load(); err != nil {
		return 0, err
	}
	return v.regs.Rip, nil
}

// SetPC sets the instruction pointer and writes the register file back.
func (v *View) SetPC(addr uint64) error {
	if err := v.load(); err != nil {
		return err
	}
	v.regs.Rip = addr
	return v.flush()
}

// FramePointer returns RBP, the base of the frame-pointer chain the
// orchestrator's frame walk relies on.
func (v *View) FramePointer() (uint64, error) {
	if err := v.load(); err != nil {
		return 0, err
	}
	return v.regs.Rbp, nil
}

// StackPointer returns RSP.
func (v *View) StackPointer() (uint64, error) {
	if err := v.load(); err != nil {
		return 0, err
	}
	return v.regs.Rsp, nil
}

// Arg0 returns the first integer argument register per the x86_64 System V
// ABI (RDI). This is how the entry handler reads a generator's self pointer.
func (v *View) Arg0() (uint64, error) {
	if err := v.load(); err != nil {
		return 0, err
	}
	return v.regs.Rdi, nil
}

// RetVal returns RAX, the x86_64 return-value register. The exit handler
// reads the Poll::{Pending,Ready} tag from its low byte.
func (v *View) RetVal() (uint64, error) {
	if err := v.load(); err != nil {
		return 0, err
	}
	return v.regs.Rax, nil
}

// SetRetVal sets RAX and writes the register file back. Nothing in this
// module calls it; the core tracker only reads RAX.
func (v *View) SetRetVal(val uint64) error {
	if err := v.load(); err != nil {
		return err
	}
	v.regs.Rax = val
	return v.flush()
}
