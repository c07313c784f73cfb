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

// Package breakpoint is the Software Breakpoint Table (spec 4.D): it
// installs and removes the one-byte int3 trap, remembers the byte it
// replaced, and classifies breakpoints by role so the orchestrator can
// switch on that role at dispatch time instead of on a type hierarchy.
package breakpoint

import (
	"github.com/google/btree"
	"github.com/maetin0324/kokia/internal/kokiaerr"
)

// trapOpcode is int3 on x86.
const trapOpcode = 0xCC

// Kind is the role a breakpoint plays. The orchestrator switches on this
// instead of subclassing Breakpoint.
type Kind int

const (
	User Kind = iota
	AsyncEntry
	AsyncExit
	Temporary
)

func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case AsyncEntry:
		return "async-entry"
	case AsyncExit:
		return "async-exit"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Breakpoint is one installed (or previously installed) trap site.
type Breakpoint struct {
	ID        int
	Address   uint64
	Enabled   bool
	Kind      Kind
	SavedByte byte
}

// MemoryPatcher is the single byte read/write surface the table needs from
// memview.View; kept narrow so the table is trivially fakeable in tests.
type MemoryPatcher interface {
	ReadByte(addr uint64) (byte, error)
	WriteByte(addr uint64, b byte) error
}

// addrIndex is a btree entry mapping an address to the id of the breakpoint
// currently enabled there. At most one such entry exists per address, per
// the table's invariant.
type addrIndex struct {
	addr uint64
	id   int
}

func (a addrIndex) Less(than btree.Item) bool { return a.addr < than.(addrIndex).addr }

// Table tracks every breakpoint installed in one traced process's address
// space. The orchestrator serializes all access; Table itself does no
// locking.
type Table struct {
	mem    MemoryPatcher
	nextID int
	byID   map[int]*Breakpoint
	byAddr *btree.BTree
}

// New returns an empty breakpoint table backed by mem.
func New(mem MemoryPatcher) *Table {
	return &Table{
		mem:    mem,
		nextID: 1,
		byID:   make(map[int]*Breakpoint),
		byAddr: btree.New(32),
	}
}

// Install patches addr with the trap opcode and records kind. If an enabled
// breakpoint already sits at addr, its id is returned unchanged when kind
// matches (installs are idempotent) or an error when it doesn't: at most one
// enabled breakpoint may occupy an address, so a kind mismatch means the
// caller is confusing two different roles for the same trap site rather
// than re-installing the one that's already there.
func (t *Table) Install(addr uint64, kind Kind) (int, error) {
	if existing, ok := t.enabledAt(addr); ok {
		if existing.Kind == kind {
			return existing.ID, nil
		}
		return 0, kokiaerr.New(kokiaerr.Ambiguous, "address %#x already has an enabled %s breakpoint, cannot install %s", addr, existing.Kind, kind)
	}

	orig, err := t.mem.ReadByte(addr)
	if err != nil {
		return 0, kokiaerr.Wrap(kokiaerr.MemoryFault, err, "reading byte to patch at %#x", addr)
	}
	if err := t.mem.WriteByte(addr, trapOpcode); err != nil {
		return 0, kokiaerr.Wrap(kokiaerr.MemoryFault, err, "writing trap opcode at %#x", addr)
	}

	id := t.nextID
	t.nextID++
	bp := &Breakpoint{ID: id, Address: addr, Enabled: true, Kind: kind, SavedByte: orig}
	t.byID[id] = bp
	t.byAddr.ReplaceOrInsert(addrIndex{addr: addr, id: id})
	return id, nil
}

// Remove restores the saved byte and forgets the breakpoint entirely.
func (t *Table) Remove(id int) error {
	bp, ok := t.byID[id]
	if !ok {
		return kokiaerr.New(kokiaerr.NotFound, "no breakpoint with id %d", id)
	}
	if bp.Enabled {
		if err := t.mem.WriteByte(bp.Address, bp.SavedByte); err != nil {
			return kokiaerr.Wrap(kokiaerr.MemoryFault, err, "restoring byte at %#x", bp.Address)
		}
		t.byAddr.Delete(addrIndex{addr: bp.Address})
	}
	delete(t.byID, id)
	return nil
}

// DisableTemporarily restores the original byte without destroying the
// record, used when stepping over the breakpoint's own address.
func (t *Table) DisableTemporarily(id int) error {
	bp, ok := t.byID[id]
	if !ok {
		return kokiaerr.New(kokiaerr.NotFound, "no breakpoint with id %d", id)
	}
	if !bp.Enabled {
		return nil
	}
	if err := t.mem.WriteByte(bp.Address, bp.SavedByte); err != nil {
		return kokiaerr.Wrap(kokiaerr.MemoryFault, err, "disabling breakpoint %d at %#x", id, bp.Address)
	}
	bp.Enabled = false
	t.byAddr.Delete(addrIndex{addr: bp.Address})
	return nil
}

// Reenable re-patches the trap opcode for a breakpoint previously disabled
// with DisableTemporarily.
func (t *Table) Reenable(id int) error {
	bp, ok := t.byID[id]
	if !ok {
		return kokiaerr.New(kokiaerr.NotFound, "no breakpoint with id %d", id)
	}
	if bp.Enabled {
		return nil
	}
	if err := t.mem.WriteByte(bp.Address, trapOpcode); err != nil {
		return kokiaerr.Wrap(kokiaerr.MemoryFault, err, "reenabling breakpoint %d at %#x", id, bp.Address)
	}
	bp.Enabled = true
	t.byAddr.ReplaceOrInsert(addrIndex{addr: bp.Address, id: id})
	return nil
}

// FindByAddress returns the sole enabled breakpoint id at addr, if any.
func (t *Table) FindByAddress(addr uint64) (int, bool) {
	bp, ok := t.enabledAt(addr)
	if !ok {
		return 0, false
	}
	return bp.ID, true
}

func (t *Table) enabledAt(addr uint64) (*Breakpoint, bool) {
	item := t.byAddr.Get(addrIndex{addr: addr})
	if item == nil {
		return nil, false
	}
	bp := t.byID[item.(addrIndex).id]
	return bp, bp != nil
}

// Get returns the breakpoint record for id.
func (t *Table) Get(id int) (*Breakpoint, bool) {
	bp, ok := t.byID[id]
	return bp, ok
}

// All returns every breakpoint currently tracked, enabled or not.
func (t *Table) All() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(t.byID))
	for _, bp := range t.byID {
		out = append(out, bp)
	}
	return out
}
