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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBase(t *testing.T) {
	assert.Equal(t, uint64(0x1010), frameBase(0x1000))
}

func TestSleb128(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want int64
	}{
		{"zero", []byte{0x00}, 0},
		{"small positive", []byte{0x02}, 2},
		{"small negative", []byte{0x7e}, -2},
		{"negative offset -24", []byte{0x68}, -24},
		{"multi-byte negative", []byte{0xc0, 0xbb, 0x78}, -123456},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, n, ok := sleb128(c.in)
			require.True(t, ok)
			assert.Equal(t, len(c.in), n)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestSleb128Truncated(t *testing.T) {
	_, _, ok := sleb128([]byte{0x80, 0x80})
	assert.False(t, ok)
}

func TestEvalLocationExprFbreg(t *testing.T) {
	expr := append([]byte{dwOpFbreg}, encodeSleb128(-24)...)
	addr, ok := evalLocationExpr(expr, 0x7ffff000, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x7ffff000-24), addr)
}

func TestEvalLocationExprAddrWithSlide(t *testing.T) {
	expr := make([]byte, 9)
	expr[0] = dwOpAddr
	binary.LittleEndian.PutUint64(expr[1:], 0x4000)
	addr, ok := evalLocationExpr(expr, 0, 0x555500000000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x555500000000+0x4000), addr)
}

func TestEvalLocationExprUnsupportedOp(t *testing.T) {
	_, ok := evalLocationExpr([]byte{0x50}, 0, 0) // DW_OP_reg0, not supported
	assert.False(t, ok)
}

func TestEvalLocationExprEmpty(t *testing.T) {
	_, ok := evalLocationExpr(nil, 0, 0)
	assert.False(t, ok)
}

// encodeSleb128 is the test-only inverse of sleb128, used to build fixture
// location expressions.
func encodeSleb128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}
