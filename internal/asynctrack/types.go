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

// Package asynctrack is the Async Task Tracker (spec 4.I): it reconstructs
// the logical await-stack of a cooperatively-scheduled runtime from
// breakpoint callbacks alone, and resyncs that reconstruction against the
// OS-reported stack whenever a poll exit is observed without a matching
// entry.
package asynctrack

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// TaskID identifies one generator instance. In practice the orchestrator
// derives it from the generator's self pointer (the address the poll
// function receives as its first argument), which is stable for the
// lifetime of that generator.
type TaskID uint64

// RootTask is the sentinel parent of a task with no observed caller: either
// a genuinely top-level spawn, or a poll entry observed before the tracker
// ever saw its parent's frame.
const RootTask TaskID = 0

// Task is one tracked generator instance.
type Task struct {
	ID                  TaskID
	TypeName            string
	Completed           bool
	CurrentDiscriminant int64
	// IsRoot is true for a task whose first observed poll had no resolvable
	// parent: neither a frame-scan hit nor a scope-top entry on its thread.
	IsRoot bool
	// FirstSeen is set once, the moment the tracker first learns of this
	// task id. LastSeen advances on every poll entry (touch).
	FirstSeen time.Time
	LastSeen  time.Time
	// LastRIP is the instruction pointer observed at the most recent poll
	// entry: the anchor for decoding this task's captured locals when it
	// isn't the innermost task on any thread's live await-stack.
	LastRIP uint64
}

func (t *Task) touch() { t.LastSeen = time.Now() }

// Callsite identifies the await point in the parent that suspended waiting
// on a child: the parent task, the parent's suspension index at the moment
// the child was polled, and the source location.
type Callsite struct {
	Parent     TaskID
	SuspendIdx int64
	File       string
	Line       int
}

// Key is the stable 96-bit identity of a callsite, used to dedupe edges
// registered for the same await point across repeated polls and resyncs.
type Key [12]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

func (c Callsite) key() Key {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(c.Parent))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(c.SuspendIdx))
	h.Write(buf[:])
	h.Write([]byte(c.File))
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(c.Line)))
	h.Write(buf[:])
	return truncate(h.Sum(nil))
}

// Edge is one observed parent-polls-child relationship at a given callsite.
type Edge struct {
	Parent    TaskID
	Child     TaskID
	Callsite  Callsite
	Completed bool
	FirstSeen time.Time
	LastSeen  time.Time
}

func (e *Edge) touch() { e.LastSeen = time.Now() }

func (e Edge) key() Key {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e.Parent))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(e.Child))
	h.Write(buf[:])
	csKey := e.Callsite.key()
	h.Write(csKey[:])
	return truncate(h.Sum(nil))
}

func truncate(sum []byte) Key {
	var k Key
	copy(k[:], sum[:len(k)])
	return k
}

// PollResult is the outcome of a poll call: whether the generator suspended
// again (Pending) or ran to completion (Ready).
type PollResult int

const (
	Pending PollResult = iota
	Ready
)

func (r PollResult) String() string {
	if r == Ready {
		return "ready"
	}
	return "pending"
}
