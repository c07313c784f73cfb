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
	"strings"

	"github.com/maetin0324/kokia/internal/asynctrack"
	"github.com/maetin0324/kokia/internal/kokiaerr"
)

// Local is one variable visible at the current stop: either a DWARF-
// described local of the currently executing function, or a field of an
// async generator's captured state recovered from its discriminant layout.
type Local struct {
	Name     string
	Address  uint64
	TypeName string
	Size     int64
}

// Locals returns the variables visible on thread tid at its current PC.
// Strategy: first collect every formal_parameter/variable of the innermost
// containing subprogram with a DWARF location expression this evaluator
// supports (query strategy 1, direct DWARF locals). Then, if tid currently
// has an active async task, decode that generator's variant fields for its
// current discriminant and append any whose field address isn't already
// covered by a DWARF-derived local: the two sources describe the same
// storage from different angles only when a captured variable also happens
// to have a lexical DWARF entry, which optimized async state machines
// usually don't retain.
func (s *Session) Locals(tid int) ([]Local, error) {
	pc, err := s.regs(tid).PC()
	if err != nil {
		return nil, err
	}
	fp, err := s.regs(tid).FramePointer()
	if err != nil {
		return nil, err
	}

	var out []Local
	seen := make(map[uint64]bool)

	dieOff, err := s.dw.FindFunctionDIE(s.Unslide(pc))
	if err == nil {
		subprog, serr := s.dw.EntryAt(dieOff)
		if serr == nil && subprog != nil {
			if children, cerr := s.dw.DirectChildren(subprog); cerr == nil {
				for _, child := range children {
					if child.Tag != dwarf.TagFormalParameter && child.Tag != dwarf.TagVariable {
						continue
					}
					local, ok := s.dwarfLocal(child, fp)
					if !ok {
						continue
					}
					out = append(out, local)
					seen[local.Address] = true
				}
			}
		}
	}

	if genLocals, ok := s.generatorLocals(tid); ok {
		for _, gl := range genLocals {
			if seen[gl.Address] {
				continue
			}
			out = append(out, gl)
			seen[gl.Address] = true
		}
	}

	return out, nil
}

func (s *Session) dwarfLocal(entry *dwarf.Entry, fp uint64) (Local, bool) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	expr, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok {
		return Local{}, false
	}
	addr, ok := evalLocationExpr(expr, frameBase(fp), s.pieBase)
	if !ok {
		return Local{}, false
	}
	typeName, size := "", int64(0)
	if typeOff, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		if t, terr := s.dw.Data().Type(typeOff); terr == nil && t != nil {
			typeName, size = t.String(), t.Size()
		}
	}
	return Local{Name: name, Address: addr, TypeName: typeName, Size: size}, true
}

// generatorLocals decodes the captured fields of the async task currently
// innermost on tid's await-stack, if any.
func (s *Session) generatorLocals(tid int) ([]Local, bool) {
	stack := s.tracker.CurrentStack(tid)
	if len(stack) == 0 {
		return nil, false
	}
	current := stack[len(stack)-1]
	task, ok := s.tracker.Task(current)
	if !ok || task.TypeName == "" {
		return nil, false
	}

	selfPtr := uint64(current)
	discr, ok := s.readDiscriminant(selfPtr, task.TypeName)
	if !ok {
		return nil, false
	}

	variant := s.gen.GetVariantInfo(task.TypeName, discr)
	out := make([]Local, 0, len(variant.Fields))
	for _, f := range variant.Fields {
		out = append(out, Local{
			Name:     normalizeFieldName(f.Name),
			Address:  selfPtr + uint64(f.Offset),
			TypeName: f.TypeName,
			Size:     f.Size,
		})
	}
	return out, true
}

// normalizeFieldName turns a compiler-generated await-slot field name into
// the bracketed form conventionally used to show it's synthetic, and
// strips the trailing disambiguator rustc appends to captured-variable
// field names ("x@3" -> "x").
func normalizeFieldName(name string) string {
	if strings.HasPrefix(name, "__await_") {
		return "<" + name + ">"
	}
	if idx := strings.LastIndexByte(name, '@'); idx > 0 {
		return name[:idx]
	}
	return name
}

// TaskLocals returns the decoded captured fields of one specific task,
// independent of which thread currently has it on its await-stack. Used by
// the CLI's "async locals <task_id>" form.
func (s *Session) TaskLocals(id asynctrack.TaskID) ([]Local, error) {
	task, ok := s.tracker.Task(id)
	if !ok {
		return nil, kokiaerr.New(kokiaerr.NotFound, "no task with id %#x", uint64(id))
	}
	if task.TypeName == "" {
		return nil, kokiaerr.New(kokiaerr.NoDwarf, "task %#x has no recorded generator type", uint64(id))
	}

	selfPtr := uint64(id)
	discr, ok := s.readDiscriminant(selfPtr, task.TypeName)
	if !ok {
		return nil, kokiaerr.New(kokiaerr.MemoryFault, "reading discriminant for task %#x", uint64(id))
	}

	variant := s.gen.GetVariantInfo(task.TypeName, discr)
	out := make([]Local, 0, len(variant.Fields))
	for _, f := range variant.Fields {
		out = append(out, Local{
			Name:     normalizeFieldName(f.Name),
			Address:  selfPtr + uint64(f.Offset),
			TypeName: f.TypeName,
			Size:     f.Size,
		})
	}
	return out, nil
}
