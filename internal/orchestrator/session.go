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

// Package orchestrator is the Orchestrator (spec 4.J): it wires the
// process controller, memory and register views, breakpoint table, DWARF
// index, generator layout analyzer, disassembler, async detector, and async
// tracker into the single event loop a debugging session actually runs.
// Every other package in the module answers one narrow question; this one
// decides, for each stop, which of them to ask.
package orchestrator

import (
	"github.com/maetin0324/kokia/internal/asyncdetect"
	"github.com/maetin0324/kokia/internal/asynctrack"
	"github.com/maetin0324/kokia/internal/breakpoint"
	"github.com/maetin0324/kokia/internal/dwarfidx"
	"github.com/maetin0324/kokia/internal/genlayout"
	"github.com/maetin0324/kokia/internal/memview"
	"github.com/maetin0324/kokia/internal/procctrl"
	"github.com/maetin0324/kokia/internal/regview"
	"github.com/sirupsen/logrus"
)

// asyncFuncInfo is what the orchestrator remembers about a function it has
// placed an AsyncEntry breakpoint on: enough to decode the generator's type
// once its self pointer is known, and to find the function's exit points.
type asyncFuncInfo struct {
	typeName       string
	genTypeName    string // the function symbol's demangled name, same as typeName
	funcFileOffset uint64
	funcSize       uint64
}

// Session is one attached-or-spawned debugging session.
type Session struct {
	ctrl *procctrl.Controller
	mem  *memview.View
	dw   *dwarfidx.Index
	gen  *genlayout.Analyzer
	bps  *breakpoint.Table

	detect  *asyncdetect.Detector
	tracker *asynctrack.Tracker

	log *logrus.Entry

	pieBase uint64

	regsByTid map[int]*regview.View

	asyncEnabled   bool
	asyncFuncs     map[int]asyncFuncInfo // AsyncEntry breakpoint id -> info
	installedExits map[uint64]bool       // function file-offset -> exit breakpoints installed
	exitOwner      map[int]int           // AsyncExit breakpoint id -> owning AsyncEntry breakpoint id
}

// New builds a Session around an already-attached controller and a loaded
// DWARF index. pieBase is the runtime slide to add to every DWARF/ELF file
// offset; it is 0 for a non-PIE image.
func New(ctrl *procctrl.Controller, mem *memview.View, dw *dwarfidx.Index, pieBase uint64, log *logrus.Entry) *Session {
	return &Session{
		ctrl:           ctrl,
		mem:            mem,
		dw:             dw,
		gen:            genlayout.New(dw.Data()),
		bps:            breakpoint.New(mem),
		detect:         asyncdetect.New(),
		tracker:        asynctrack.New(),
		log:            log,
		pieBase:        pieBase,
		regsByTid:      make(map[int]*regview.View),
		asyncFuncs:     make(map[int]asyncFuncInfo),
		installedExits: make(map[uint64]bool),
		exitOwner:      make(map[int]int),
	}
}

// Detector exposes the async-closure detector so callers can extend its
// exclusion lists from configuration before EnableAsyncTracking runs.
func (s *Session) Detector() *asyncdetect.Detector { return s.detect }

// Tracker exposes the async task tracker for read-only queries (the CLI's
// "async tasks"/"async edges"/"async bt" commands).
func (s *Session) Tracker() *asynctrack.Tracker { return s.tracker }

// Slide converts a DWARF/ELF file offset to a runtime address.
func (s *Session) Slide(fileOffset uint64) uint64 { return fileOffset + s.pieBase }

// Unslide converts a runtime address back to a file offset.
func (s *Session) Unslide(runtimeAddr uint64) uint64 { return runtimeAddr - s.pieBase }

func (s *Session) regs(tid int) *regview.View {
	v, ok := s.regsByTid[tid]
	if !ok {
		v = regview.New(s.ctrl, tid)
		s.regsByTid[tid] = v
	}
	return v
}

func (s *Session) invalidateRegs(tid int) {
	delete(s.regsByTid, tid)
}

// SetBreakpointAtSymbol resolves name against the DWARF index and installs
// a user breakpoint at its runtime address.
func (s *Session) SetBreakpointAtSymbol(name string) (int, error) {
	sym, err := s.dw.Resolve(name)
	if err != nil {
		return 0, err
	}
	return s.bps.Install(s.Slide(sym.FileOffset), breakpoint.User)
}

// Continue resumes the whole process and runs the stop-handling loop until
// a stop the caller should see (a user breakpoint, a signal, or exit)
// occurs; internal breakpoints (async entry/exit bookkeeping) are handled
// and resumed transparently.
func (s *Session) Continue() (procctrl.StopReason, error) {
	for {
		sr, err := s.ctrl.ContinueAndWait()
		if err != nil {
			return sr, err
		}
		if sr.Kind == procctrl.Exited {
			return sr, nil
		}
		if sr.Kind != procctrl.Breakpoint {
			return sr, nil
		}
		s.invalidateRegs(sr.Tid)
		visible, err := s.handleBreakpointStop(sr.Tid)
		if err != nil {
			return sr, err
		}
		if visible {
			return sr, nil
		}
	}
}

// handleBreakpointStop dispatches a SIGTRAP stop to the breakpoint
// installed one byte before the current PC, and reports whether the stop
// should be surfaced to the caller (true) or resumed transparently (false).
func (s *Session) handleBreakpointStop(tid int) (visible bool, err error) {
	pc, err := s.regs(tid).PC()
	if err != nil {
		return false, err
	}
	hitAddr := pc - 1

	id, ok := s.bps.FindByAddress(hitAddr)
	if !ok {
		// A trap the table doesn't know about: leave PC alone and surface it.
		return true, nil
	}
	bp, _ := s.bps.Get(id)

	// Roll PC back onto the trapped instruction before doing anything else.
	if err := s.regs(tid).SetPC(hitAddr); err != nil {
		return false, err
	}

	switch bp.Kind {
	case breakpoint.AsyncEntry:
		if err := s.handleAsyncEntry(tid, bp); err != nil {
			return false, err
		}
		if err := s.stepOverBreakpoint(tid, bp); err != nil {
			return false, err
		}
		return false, nil
	case breakpoint.AsyncExit:
		if err := s.handleAsyncExit(tid, bp); err != nil {
			return false, err
		}
		if err := s.stepOverBreakpoint(tid, bp); err != nil {
			return false, err
		}
		return false, nil
	default:
		if err := s.stepOverBreakpoint(tid, bp); err != nil {
			return false, err
		}
		return true, nil
	}
}

// stepOverBreakpoint performs the disable/single-step/reenable dance
// needed to execute past a trap's own address without losing the trap for
// next time: the original byte can't stay patched while that instruction
// runs, or it would simply trap again.
func (s *Session) stepOverBreakpoint(tid int, bp *breakpoint.Breakpoint) error {
	if err := s.bps.DisableTemporarily(bp.ID); err != nil {
		return err
	}
	if _, err := s.ctrl.SingleStep(tid); err != nil {
		return err
	}
	s.invalidateRegs(tid)
	if _, stillThere := s.bps.Get(bp.ID); stillThere {
		if err := s.bps.Reenable(bp.ID); err != nil {
			return err
		}
	}
	return nil
}

// Detach releases the traced process.
func (s *Session) Detach() error {
	return s.ctrl.Detach()
}
