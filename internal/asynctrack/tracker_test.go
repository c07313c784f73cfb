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

package asynctrack_test

import (
	"testing"

	"github.com/maetin0324/kokia/internal/asynctrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearChainParentChild(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const parent asynctrack.TaskID = 0xA
	const child asynctrack.TaskID = 0xB

	tr.OnPollEntry(tid, true, asynctrack.RootTask, parent, "app::outer", "main.rs", 10, 0x1000)
	tr.OnPollEntry(tid, false, 0, child, "app::inner", "main.rs", 20, 0x1010)

	stack := tr.CurrentStack(tid)
	require.Equal(t, []asynctrack.TaskID{parent, child}, stack)

	edges := tr.EdgesFrom(parent)
	require.Len(t, edges, 1)
	assert.Equal(t, child, edges[0].Child)
	assert.Equal(t, "main.rs", edges[0].Callsite.File)
}

func TestSiblingsShareParent(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const parent asynctrack.TaskID = 0xA
	const childA asynctrack.TaskID = 0xB
	const childB asynctrack.TaskID = 0xC

	tr.OnPollEntry(tid, true, asynctrack.RootTask, parent, "app::outer", "main.rs", 10, 0x1000)
	tr.OnPollEntry(tid, false, 0, childA, "app::a", "main.rs", 11, 0x1010)
	_, ok := tr.OnPollExit(tid, asynctrack.Ready)
	require.True(t, ok)

	tr.OnPollEntry(tid, false, 0, childB, "app::b", "main.rs", 12, 0x1020)

	edges := tr.EdgesFrom(parent)
	require.Len(t, edges, 2)

	taskA, ok := tr.Task(childA)
	require.True(t, ok)
	assert.True(t, taskA.Completed)
}

func TestResyncAfterMissedExit(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const a asynctrack.TaskID = 1
	const b asynctrack.TaskID = 2
	const c asynctrack.TaskID = 3

	tr.OnPollEntry(tid, true, asynctrack.RootTask, a, "app::a", "main.rs", 1, 0x1000)
	tr.OnPollEntry(tid, false, 0, b, "app::b", "main.rs", 2, 0x1010)

	// A poll exit for a frame we never saw entered: the stack underflows.
	_, _ = tr.OnPollExit(tid, asynctrack.Pending)
	_, _ = tr.OnPollExit(tid, asynctrack.Pending)
	_, ok := tr.OnPollExit(tid, asynctrack.Pending)
	assert.False(t, ok)

	tr.ResyncFromStack(tid, []asynctrack.TaskID{a, b, c})
	assert.Equal(t, []asynctrack.TaskID{a, b, c}, tr.CurrentStack(tid))
}

func TestUpdateDiscriminantFeedsCallsiteSuspendIdx(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const parent asynctrack.TaskID = 0xA
	const child asynctrack.TaskID = 0xB

	tr.OnPollEntry(tid, true, asynctrack.RootTask, parent, "app::outer", "main.rs", 10, 0x1000)
	tr.UpdateDiscriminant(parent, 3)

	edge := tr.OnPollEntry(tid, false, 0, child, "app::inner", "main.rs", 20, 0x1010)
	assert.Equal(t, int64(3), edge.Callsite.SuspendIdx)
}

func TestNoParentResolvedMarksRoot(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const root asynctrack.TaskID = 0xA

	tr.OnPollEntry(tid, false, 0, root, "app::main", "main.rs", 1, 0x1000)

	task, ok := tr.Task(root)
	require.True(t, ok)
	assert.True(t, task.IsRoot)
	assert.Equal(t, uint64(0x1000), task.LastRIP)
	assert.False(t, task.FirstSeen.IsZero())
	assert.Equal(t, task.FirstSeen, task.LastSeen)
}

func TestExplicitOrScopeParentDoesNotMarkRoot(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const parent asynctrack.TaskID = 0xA
	const child asynctrack.TaskID = 0xB

	tr.OnPollEntry(tid, true, asynctrack.RootTask, parent, "app::outer", "main.rs", 10, 0x1000)
	tr.OnPollEntry(tid, false, 0, child, "app::inner", "main.rs", 20, 0x1010)

	childTask, ok := tr.Task(child)
	require.True(t, ok)
	assert.False(t, childTask.IsRoot)
}

func TestRepollTouchesLastSeenAndLeavesFirstSeen(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const task asynctrack.TaskID = 0xA

	tr.OnPollEntry(tid, false, 0, task, "app::a", "main.rs", 1, 0x1000)
	first, ok := tr.Task(task)
	require.True(t, ok)

	_, _ = tr.OnPollExit(tid, asynctrack.Pending)
	tr.OnPollEntry(tid, false, 0, task, "app::a", "main.rs", 1, 0x2000)
	second, ok := tr.Task(task)
	require.True(t, ok)

	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.True(t, !second.LastSeen.Before(first.LastSeen))
	assert.Equal(t, uint64(0x2000), second.LastRIP)
}

func TestRepollTouchesExistingEdge(t *testing.T) {
	tr := asynctrack.New()
	const tid = 1
	const parent asynctrack.TaskID = 0xA
	const child asynctrack.TaskID = 0xB

	tr.OnPollEntry(tid, true, asynctrack.RootTask, parent, "app::outer", "main.rs", 10, 0x1000)
	tr.OnPollEntry(tid, false, 0, child, "app::inner", "main.rs", 20, 0x1010)
	_, _ = tr.OnPollExit(tid, asynctrack.Pending)
	firstEdges := tr.EdgesFrom(parent)
	require.Len(t, firstEdges, 1)

	tr.OnPollEntry(tid, false, 0, child, "app::inner", "main.rs", 20, 0x1020)
	secondEdges := tr.EdgesFrom(parent)
	require.Len(t, secondEdges, 1)

	assert.Equal(t, firstEdges[0].FirstSeen, secondEdges[0].FirstSeen)
	assert.True(t, !secondEdges[0].LastSeen.Before(firstEdges[0].LastSeen))
}
