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

package disasm_test

import (
	"testing"

	"github.com/maetin0324/kokia/internal/disasm"
	"github.com/stretchr/testify/assert"
)

func TestFindReturnInstructionsSingleRet(t *testing.T) {
	// mov rax, 1 ; ret
	code := []byte{0x48, 0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00, 0xc3}
	rets := disasm.FindReturnInstructions(code, 0x1000)
	assert.Equal(t, []uint64{0x1007}, rets)
}

func TestFindReturnInstructionsMultipleRets(t *testing.T) {
	// ret ; nop ; ret
	code := []byte{0xc3, 0x90, 0xc3}
	rets := disasm.FindReturnInstructions(code, 0x2000)
	assert.Equal(t, []uint64{0x2000, 0x2002}, rets)
}

func TestFindReturnInstructionsNoRet(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90}
	rets := disasm.FindReturnInstructions(code, 0x3000)
	assert.Empty(t, rets)
}
