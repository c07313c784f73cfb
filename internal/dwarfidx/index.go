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

// Package dwarfidx is the DWARF Index (spec 4.E): it loads the sections and
// symbol table of an ELF image once, and answers name/address/line queries
// against them. Every public query here is stated in file-offset
// coordinates (the pre-slide, link-time address space); the orchestrator
// applies the PIE slide when talking to the live process.
package dwarfidx

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"sort"

	"github.com/maetin0324/kokia/internal/demangle"
	"github.com/maetin0324/kokia/internal/kokiaerr"
)

// Symbol is one entry of the ELF symbol table.
type Symbol struct {
	Mangled    string
	Demangled  string
	FileOffset uint64
	Size       uint64
}

// Index is a loaded, queryable view of one ELF image's debug info.
type Index struct {
	elfFile   *elf.File
	dwarfData *dwarf.Data
	symbols   []Symbol // sorted ascending by FileOffset
	pie       bool
	path      string
}

// Load opens path, parses its ELF and DWARF sections, and builds the
// sorted symbol index used by ReverseResolve.
func Load(path string) (*Index, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "opening ELF image %q", path)
	}

	d, err := f.DWARF()
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.NoDwarf, err, "%q has no usable DWARF", path)
	}

	ix := &Index{
		elfFile:   f,
		dwarfData: d,
		pie:       f.Type == elf.ET_DYN,
		path:      path,
	}
	ix.loadSymbols()
	return ix, nil
}

// Close releases the underlying file handle.
func (ix *Index) Close() error { return ix.elfFile.Close() }

// Path returns the image path Load was called with.
func (ix *Index) Path() string { return ix.path }

// IsPIE reports whether the image is position-independent (ET_DYN).
func (ix *Index) IsPIE() bool { return ix.pie }

func (ix *Index) loadSymbols() {
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
				continue
			}
			ix.symbols = append(ix.symbols, Symbol{
				Mangled:    s.Name,
				Demangled:  demangle.Best(s.Name),
				FileOffset: s.Value,
				Size:       s.Size,
			})
		}
	}
	if syms, err := ix.elfFile.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := ix.elfFile.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.Slice(ix.symbols, func(i, j int) bool { return ix.symbols[i].FileOffset < ix.symbols[j].FileOffset })
}

// Symbols returns every function symbol in file-offset order.
func (ix *Index) Symbols() []Symbol { return ix.symbols }

// Resolve looks a symbol up by mangled or demangled name. More than one
// match is an Ambiguous error carrying every matching demangled name.
func (ix *Index) Resolve(name string) (Symbol, error) {
	var matches []Symbol
	for _, s := range ix.symbols {
		if s.Mangled == name || s.Demangled == name {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return Symbol{}, kokiaerr.New(kokiaerr.NotFound, "no symbol named %q", name)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Demangled
		}
		return Symbol{}, kokiaerr.NewAmbiguous(name, names)
	}
}

// ReverseResolve returns the symbol whose [FileOffset, FileOffset+Size)
// range contains offset, found by binary search on the sorted symbol
// vector. When the nearest symbol below offset has no recorded size, it is
// returned anyway: a zero-size symbol table entry is common for functions
// whose size wasn't emitted, and "nearest lower symbol" is the documented
// fallback.
func (ix *Index) ReverseResolve(offset uint64) (Symbol, error) {
	n := len(ix.symbols)
	i := sort.Search(n, func(i int) bool { return ix.symbols[i].FileOffset > offset }) - 1
	if i < 0 {
		return Symbol{}, kokiaerr.New(kokiaerr.NotFound, "no symbol at or below %#x", offset)
	}
	sym := ix.symbols[i]
	if sym.Size > 0 && offset >= sym.FileOffset+sym.Size {
		return Symbol{}, kokiaerr.New(kokiaerr.NotFound, "%#x falls past the last known symbol %q", offset, sym.Demangled)
	}
	return sym, nil
}

// FindFunctionDIE walks every unit's DIE tree and returns the offset of the
// DW_TAG_subprogram enclosing offset, if any.
func (ix *Index) FindFunctionDIE(offset uint64) (dwarf.Offset, error) {
	r := ix.dwarfData.Reader()
	for {
		entry, err := r.Next()
		if err == io.EOF || entry == nil {
			break
		}
		if err != nil {
			return 0, kokiaerr.Wrap(kokiaerr.Decode, err, "walking DIE tree")
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		lo, hi, ok := subprogramRange(entry)
		if ok && offset >= lo && offset < hi {
			return entry.Offset, nil
		}
	}
	return 0, kokiaerr.New(kokiaerr.NotFound, "no subprogram contains %#x", offset)
}

// EntryAt re-reads the DIE at off.
func (ix *Index) EntryAt(off dwarf.Offset) (*dwarf.Entry, error) {
	r := ix.dwarfData.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Decode, err, "reading DIE at offset %#x", off)
	}
	return entry, nil
}

// subprogramRange extracts (low_pc, high_pc) from a subprogram DIE,
// normalizing DWARF's two high_pc encodings: an absolute address, or (in
// DWARF4+) a byte count relative to low_pc.
func subprogramRange(entry *dwarf.Entry) (lo, hi uint64, ok bool) {
	lowField := entry.AttrField(dwarf.AttrLowpc)
	if lowField == nil {
		return 0, 0, false
	}
	lo, ok = lowField.Val.(uint64)
	if !ok {
		return 0, 0, false
	}
	highField := entry.AttrField(dwarf.AttrHighpc)
	if highField == nil {
		return lo, lo, false
	}
	switch highField.Class {
	case dwarf.ClassAddress:
		hi, ok = highField.Val.(uint64)
		return lo, hi, ok
	case dwarf.ClassConstant:
		switch v := highField.Val.(type) {
		case int64:
			return lo, lo + uint64(v), true
		case uint64:
			return lo, lo + v, true
		}
	}
	return lo, lo, false
}

// FindFirstLineInRange returns the first is_stmt row strictly between lo
// and hi: the canonical "skip the prologue" address for a plain symbol
// breakpoint.
func (ix *Index) FindFirstLineInRange(lo, hi uint64) (file string, line int, err error) {
	best := (*dwarf.LineEntry)(nil)
	cuReader := ix.dwarfData.Reader()
	for {
		cu, cerr := cuReader.Next()
		if cerr == io.EOF || cu == nil {
			break
		}
		if cerr != nil {
			return "", 0, kokiaerr.Wrap(kokiaerr.Decode, cerr, "walking compile units")
		}
		if cu.Tag != dwarf.TagCompileUnit {
			cuReader.SkipChildren()
			continue
		}
		lr, lerr := ix.dwarfData.LineReader(cu)
		if lerr != nil || lr == nil {
			cuReader.SkipChildren()
			continue
		}
		var le dwarf.LineEntry
		for {
			nerr := lr.Next(&le)
			if nerr == io.EOF {
				break
			}
			if nerr != nil {
				return "", 0, kokiaerr.Wrap(kokiaerr.Decode, nerr, "walking line program")
			}
			if !le.IsStmt || le.Address <= lo || le.Address >= hi {
				continue
			}
			if best == nil || le.Address < best.Address {
				entryCopy := le
				best = &entryCopy
			}
		}
		cuReader.SkipChildren()
	}
	if best == nil {
		return "", 0, kokiaerr.New(kokiaerr.NotFound, "no statement row in (%#x, %#x)", lo, hi)
	}
	name := ""
	if best.File != nil {
		name = best.File.Name
	}
	return name, best.Line, nil
}

// LineAt returns the source location for offset: the greatest row whose
// address does not exceed it.
func (ix *Index) LineAt(offset uint64) (file string, line, column int, err error) {
	var best *dwarf.LineEntry
	cuReader := ix.dwarfData.Reader()
	for {
		cu, cerr := cuReader.Next()
		if cerr == io.EOF || cu == nil {
			break
		}
		if cerr != nil {
			return "", 0, 0, kokiaerr.Wrap(kokiaerr.Decode, cerr, "walking compile units")
		}
		if cu.Tag != dwarf.TagCompileUnit {
			cuReader.SkipChildren()
			continue
		}
		lr, lerr := ix.dwarfData.LineReader(cu)
		if lerr != nil || lr == nil {
			cuReader.SkipChildren()
			continue
		}
		var le dwarf.LineEntry
		for {
			nerr := lr.Next(&le)
			if nerr == io.EOF {
				break
			}
			if nerr != nil {
				return "", 0, 0, kokiaerr.Wrap(kokiaerr.Decode, nerr, "walking line program")
			}
			if le.EndSequence || le.Address > offset {
				continue
			}
			if best == nil || le.Address > best.Address {
				entryCopy := le
				best = &entryCopy
			}
		}
		cuReader.SkipChildren()
	}
	if best == nil {
		return "", 0, 0, kokiaerr.New(kokiaerr.NotFound, "no line row at or before %#x", offset)
	}
	name := ""
	if best.File != nil {
		name = best.File.Name
	}
	return name, best.Line, best.Column, nil
}

// Data exposes the raw dwarf.Data for components (the generator layout
// analyzer) that need to walk type DIEs directly.
func (ix *Index) Data() *dwarf.Data { return ix.dwarfData }

// DirectChildren re-reads parent and returns its immediate children,
// skipping over any grandchildren rather than descending into them.
func (ix *Index) DirectChildren(parent *dwarf.Entry) ([]*dwarf.Entry, error) {
	if !parent.Children {
		return nil, nil
	}
	r := ix.dwarfData.Reader()
	r.Seek(parent.Offset)
	if _, err := r.Next(); err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Decode, err, "repositioning at offset %#x", parent.Offset)
	}
	var kids []*dwarf.Entry
	for {
		kid, err := r.Next()
		if err != nil {
			return nil, kokiaerr.Wrap(kokiaerr.Decode, err, "reading children of offset %#x", parent.Offset)
		}
		if kid == nil || kid.Tag == 0 {
			break
		}
		kids = append(kids, kid)
		if kid.Children {
			r.SkipChildren()
		}
	}
	return kids, nil
}
