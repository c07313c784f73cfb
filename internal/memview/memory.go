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

// Package memview is the Memory & Mapping View (spec 4.B): it reads and
// writes the traced process's memory through a seek-based fast path, falls
// back to word-at-a-time ptrace peek/poke for regions the fast path
// rejects, and exposes the mapping table used for the PIE slide and the
// self-pointer heuristic.
package memview

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/maetin0324/kokia/internal/kokiaerr"
	"golang.org/x/sys/unix"
)

// Mapping is one row of /proc/<pid>/maps.
type Mapping struct {
	Start, End         uint64
	Read, Write, Exec  bool
	Offset             uint64
	Path               string
}

// Contains reports whether addr falls within [Start, End).
func (m Mapping) Contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// View provides memory access to one traced process.
type View struct {
	pid   int
	memFD *os.File
}

// New opens /proc/<pid>/mem for the fast path. Opening may legitimately fail
// for a process still in the exec trap on some kernels; the error is
// returned to the caller and New does not retry.
func New(pid int) (*View, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "opening /proc/%d/mem", pid)
	}
	return &View{pid: pid, memFD: f}, nil
}

// Close releases the memory pseudo-file.
func (v *View) Close() error {
	if v.memFD == nil {
		return nil
	}
	return v.memFD.Close()
}

// ReadAt reads len(buf) bytes starting at addr, using the seek-based fast
// path and falling back to PTRACE_PEEKTEXT word reads when the fast path
// returns EIO (common for regions mapped from a file the tracer can't see,
// or right after a PIE's pages are first faulted in).
func (v *View) ReadAt(addr uint64, buf []byte) error {
	n, err := v.memFD.ReadAt(buf, int64(addr))
	if err == nil && n == len(buf) {
		return nil
	}
	if err != nil && !isEIO(err) {
		return kokiaerr.Wrap(kokiaerr.MemoryFault, err, "reading %d bytes at %#x", len(buf), addr)
	}
	return v.peekFallback(addr, buf)
}

// WriteAt writes buf to addr, same fast-path/fallback structure as ReadAt.
func (v *View) WriteAt(addr uint64, buf []byte) error {
	n, err := v.memFD.WriteAt(buf, int64(addr))
	if err == nil && n == len(buf) {
		return nil
	}
	if err != nil && !isEIO(err) {
		return kokiaerr.Wrap(kokiaerr.MemoryFault, err, "writing %d bytes at %#x", len(buf), addr)
	}
	return v.pokeFallback(addr, buf)
}

func isEIO(err error) bool {
	return err != nil && strings.Contains(err.Error(), "input/output error")
}

func (v *View) peekFallback(addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(v.pid, uintptr(addr), buf)
	if err != nil {
		return kokiaerr.Wrap(kokiaerr.MemoryFault, err, "PTRACE_PEEKTEXT at %#x", addr)
	}
	if n != len(buf) {
		return kokiaerr.New(kokiaerr.MemoryFault, "short peek at %#x: got %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

func (v *View) pokeFallback(addr uint64, buf []byte) error {
	n, err := unix.PtracePokeData(v.pid, uintptr(addr), buf)
	if err != nil {
		return kokiaerr.Wrap(kokiaerr.MemoryFault, err, "PTRACE_POKETEXT at %#x", addr)
	}
	if n != len(buf) {
		return kokiaerr.New(kokiaerr.MemoryFault, "short poke at %#x: wrote %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

// ReadUint reads a little-endian unsigned integer of the given width
// (1, 2, 4, or 8 bytes) at addr.
func (v *View) ReadUint(addr uint64, width int) (uint64, error) {
	buf := make([]byte, width)
	if err := v.ReadAt(addr, buf); err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	default:
		return 0, kokiaerr.New(kokiaerr.Decode, "unsupported integer width %d", width)
	}
}

// ReadByte reads a single byte at addr. Used by the Breakpoint Table to
// save/restore the trap opcode.
func (v *View) ReadByte(addr uint64) (byte, error) {
	var b [1]byte
	if err := v.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteByte writes a single byte at addr.
func (v *View) WriteByte(addr uint64, b byte) error {
	return v.WriteAt(addr, []byte{b})
}

// Mappings parses /proc/<pid>/maps into an ordered slice of Mapping.
func (v *View) Mappings() ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", v.pid))
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "opening /proc/%d/maps", v.pid)
	}
	defer f.Close()

	var out []Mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, kokiaerr.Wrap(kokiaerr.Decode, err, "parsing maps line %q", sc.Text())
		}
		if ok {
			out = append(out, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "reading /proc/%d/maps", v.pid)
	}
	return out, nil
}

func parseMapsLine(line string) (Mapping, bool, error) {
	// Format: start-end perms offset dev inode path
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false, nil
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Mapping{}, false, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Mapping{}, false, err
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Mapping{}, false, err
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false, err
	}
	perms := fields[1]
	m := Mapping{
		Start:  start,
		End:    end,
		Offset: offset,
		Read:   strings.Contains(perms, "r"),
		Write:  strings.Contains(perms, "w"),
		Exec:   strings.Contains(perms, "x"),
	}
	if len(fields) >= 6 {
		m.Path = fields[5]
	}
	return m, true, nil
}

// IsMapped reports whether addr falls within any mapping. Deliberately a
// linear scan over Mappings(): the spec calls this out explicitly, and the
// mapping table is re-read on every call anyway since it can change between
// stops (mmap/munmap in the tracee).
func (v *View) IsMapped(addr uint64) (bool, error) {
	maps, err := v.Mappings()
	if err != nil {
		return false, err
	}
	for _, m := range maps {
		if m.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// MappingFor returns the mapping containing addr, if any, via the same
// linear scan as IsMapped.
func (v *View) MappingFor(addr uint64) (Mapping, bool, error) {
	maps, err := v.Mappings()
	if err != nil {
		return Mapping{}, false, err
	}
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true, nil
		}
	}
	return Mapping{}, false, nil
}

// BaseAddress returns the runtime base of the first executable mapping
// whose path matches exePath, i.e. the PIE slide: start - file_offset. For
// a non-PIE binary this is conventionally 0 and callers should not call
// this at all; see dwarfidx.Index.IsPIE.
func (v *View) BaseAddress(exePath string) (uint64, error) {
	maps, err := v.Mappings()
	if err != nil {
		return 0, err
	}
	for _, m := range maps {
		if m.Exec && (exePath == "" || m.Path == exePath) {
			if m.Start < m.Offset {
				return 0, kokiaerr.New(kokiaerr.Decode, "executable mapping start %#x below its file offset %#x", m.Start, m.Offset)
			}
			return m.Start - m.Offset, nil
		}
	}
	return 0, kokiaerr.New(kokiaerr.NotFound, "no executable mapping found for %q", exePath)
}
