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

package breakpoint_test

import (
	"testing"

	"github.com/maetin0324/kokia/internal/breakpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMem is a byte-addressable in-memory stand-in for memview.View, just
// enough surface for breakpoint.MemoryPatcher.
type fakeMem struct {
	bytes map[uint64]byte
}

func newFakeMem() *fakeMem { return &fakeMem{bytes: make(map[uint64]byte)} }

func (m *fakeMem) ReadByte(addr uint64) (byte, error) { return m.bytes[addr], nil }

func (m *fakeMem) WriteByte(addr uint64, b byte) error {
	m.bytes[addr] = b
	return nil
}

func TestInstallSameKindIsIdempotent(t *testing.T) {
	mem := newFakeMem()
	mem.bytes[0x1000] = 0x55
	tbl := breakpoint.New(mem)

	id1, err := tbl.Install(0x1000, breakpoint.User)
	require.NoError(t, err)
	id2, err := tbl.Install(0x1000, breakpoint.User)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, byte(0xCC), mem.bytes[0x1000])
}

func TestInstallDifferentKindAtEnabledAddressErrors(t *testing.T) {
	mem := newFakeMem()
	mem.bytes[0x2000] = 0x90
	tbl := breakpoint.New(mem)

	_, err := tbl.Install(0x2000, breakpoint.AsyncEntry)
	require.NoError(t, err)

	_, err = tbl.Install(0x2000, breakpoint.Temporary)
	assert.Error(t, err)
}

func TestInstallAfterRemoveAllowsDifferentKind(t *testing.T) {
	mem := newFakeMem()
	mem.bytes[0x3000] = 0x90
	tbl := breakpoint.New(mem)

	id, err := tbl.Install(0x3000, breakpoint.User)
	require.NoError(t, err)
	require.NoError(t, tbl.Remove(id))

	_, err = tbl.Install(0x3000, breakpoint.Temporary)
	assert.NoError(t, err)
}
