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

package asynctrack

import (
	"sync"
	"time"

	"github.com/mohae/deepcopy"
)

// Tracker accumulates the task graph for one traced process. It is safe
// for concurrent use; the orchestrator may report poll events from several
// OS threads.
type Tracker struct {
	mu            sync.Mutex
	tasks         map[TaskID]*Task
	edges         map[Key]*Edge
	edgesByParent map[TaskID][]Key
	scopes        map[int][]TaskID // tid -> await-stack, top = last element
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		tasks:         make(map[TaskID]*Task),
		edges:         make(map[Key]*Edge),
		edgesByParent: make(map[TaskID][]Key),
		scopes:        make(map[int][]TaskID),
	}
}

func (t *Tracker) getOrCreateTaskLocked(id TaskID) *Task {
	task, ok := t.tasks[id]
	if !ok {
		now := time.Now()
		task = &Task{ID: id, FirstSeen: now, LastSeen: now}
		t.tasks[id] = task
	}
	return task
}

func (t *Tracker) topOfScopeLocked(tid int) (TaskID, bool) {
	stack := t.scopes[tid]
	if len(stack) == 0 {
		return RootTask, false
	}
	return stack[len(stack)-1], true
}

// OnPollEntry records that thread tid is about to poll child at instruction
// rip. explicitParent is consulted first when hasExplicitParent is true (the
// orchestrator found it by scanning OS frames for a genfuture self-pointer
// argument); failing that the current thread's scope top is used; failing
// both, child is attached to RootTask and marked a root task (no caller was
// ever observed for it). A task's type name is sticky: it is only set the
// first time the tracker sees that task id. Every call records rip as
// child's LastRIP; the call that creates the task sets FirstSeen and
// LastSeen to the same instant, and every later call touches LastSeen only. An edge already registered for the resulting callsite is
// touched rather than replaced, so repeated polls of the same await point
// advance LastSeen without losing FirstSeen.
func (t *Tracker) OnPollEntry(tid int, hasExplicitParent bool, explicitParent TaskID, child TaskID, typeName, file string, line int, rip uint64) Edge {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, known := t.tasks[child]
	childTask := t.getOrCreateTaskLocked(child)
	if childTask.TypeName == "" {
		childTask.TypeName = typeName
	}
	childTask.LastRIP = rip
	if known {
		childTask.touch()
	}

	var parent TaskID
	noParentResolved := false
	if hasExplicitParent {
		parent = explicitParent
	} else if top, ok := t.topOfScopeLocked(tid); ok {
		parent = top
	} else {
		parent = RootTask
		noParentResolved = true
	}
	if noParentResolved {
		childTask.IsRoot = true
	}

	suspendIdx := int64(0)
	if parentTask, ok := t.tasks[parent]; ok {
		suspendIdx = parentTask.CurrentDiscriminant
	}

	cs := Callsite{Parent: parent, SuspendIdx: suspendIdx, File: file, Line: line}
	edge := Edge{Parent: parent, Child: child, Callsite: cs}
	key := edge.key()
	if existing, exists := t.edges[key]; exists {
		existing.touch()
	} else {
		now := time.Now()
		stored := edge
		stored.FirstSeen = now
		stored.LastSeen = now
		t.edges[key] = &stored
		t.edgesByParent[parent] = append(t.edgesByParent[parent], key)
	}

	t.scopes[tid] = append(t.scopes[tid], child)
	return edge
}

// OnPollExit records that thread tid's innermost poll returned. ok is false
// when the thread's scope was already empty: a missed entry, which the
// caller should treat as a signal to call ResyncFromStack. On a Ready
// result, the popped task and every edge from its (new) parent to it are
// marked completed.
func (t *Tracker) OnPollExit(tid int, result PollResult) (popped TaskID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stack := t.scopes[tid]
	if len(stack) == 0 {
		return RootTask, false
	}
	popped = stack[len(stack)-1]
	t.scopes[tid] = stack[:len(stack)-1]

	if result != Ready {
		return popped, true
	}

	if task, ok := t.tasks[popped]; ok {
		task.Completed = true
	}
	parent, _ := t.topOfScopeLocked(tid)
	for _, key := range t.edgesByParent[parent] {
		if e := t.edges[key]; e.Child == popped {
			e.Completed = true
		}
	}
	return popped, true
}

// ResyncFromStack replaces thread tid's reconstructed await-stack with
// observed, an authoritative task-id chain derived from walking the OS
// stack. The longest common prefix of the current and observed stacks is
// kept as-is; everything past it is replaced wholesale. This keeps edges
// already registered for the untouched prefix intact instead of discarding
// and re-deriving them.
func (t *Tracker) ResyncFromStack(tid int, observed []TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.scopes[tid]
	lcp := 0
	for lcp < len(current) && lcp < len(observed) && current[lcp] == observed[lcp] {
		lcp++
	}
	next := make([]TaskID, 0, len(observed))
	next = append(next, current[:lcp]...)
	next = append(next, observed[lcp:]...)
	t.scopes[tid] = next

	for _, id := range observed {
		t.getOrCreateTaskLocked(id)
	}
}

// UpdateDiscriminant records the most recently observed suspension index
// for a task, read by the orchestrator from the generator's discriminant
// field. It feeds SuspendIdx on the next callsite registered with this task
// as parent.
func (t *Tracker) UpdateDiscriminant(id TaskID, value int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreateTaskLocked(id).CurrentDiscriminant = value
}

// Task returns a defensive copy of the task record for id, if known.
func (t *Tracker) Task(id TaskID) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *(deepcopy.Copy(task).(*Task)), true
}

// Tasks returns a defensive copy of every known task.
func (t *Tracker) Tasks() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *(deepcopy.Copy(task).(*Task)))
	}
	return out
}

// Edges returns a defensive copy of every known edge.
func (t *Tracker) Edges() []Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Edge, 0, len(t.edges))
	for _, e := range t.edges {
		out = append(out, *(deepcopy.Copy(e).(*Edge)))
	}
	return out
}

// EdgesFrom returns every edge whose parent is parent.
func (t *Tracker) EdgesFrom(parent TaskID) []Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := t.edgesByParent[parent]
	out := make([]Edge, 0, len(keys))
	for _, k := range keys {
		out = append(out, *(deepcopy.Copy(t.edges[k]).(*Edge)))
	}
	return out
}

// CurrentStack returns a copy of thread tid's reconstructed await-stack,
// root-first.
func (t *Tracker) CurrentStack(tid int) []TaskID {
	t.mu.Lock()
	defer t.mu.Unlock()
	stack := t.scopes[tid]
	out := make([]TaskID, len(stack))
	copy(out, stack)
	return out
}

// Threads returns every thread id the tracker has observed a poll on.
func (t *Tracker) Threads() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.scopes))
	for tid := range t.scopes {
		out = append(out, tid)
	}
	return out
}
