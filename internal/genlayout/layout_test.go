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

package genlayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypePrefix(t *testing.T) {
	assert.Equal(t, "myapp::worker::run", typePrefix("myapp::worker::run::{{closure}}"))
	assert.Equal(t, "myapp::worker::run", typePrefix("myapp::worker::run"))
}

func TestMatchesPrefix(t *testing.T) {
	assert.True(t, matchesPrefix("myapp::worker::run::{{closure}}", "myapp::worker::run"))
	assert.True(t, matchesPrefix("{async_fn_env#0}<myapp::worker::run>", "myapp::worker::run"))
	assert.False(t, matchesPrefix("myapp::other::run", "myapp::worker::run"))
}

func TestVariantDefaultName(t *testing.T) {
	assert.Equal(t, "State0", variantDefaultName(0))
	assert.Equal(t, "State3", variantDefaultName(3))
	assert.Equal(t, "State-1", variantDefaultName(-1))
}

func TestItoa(t *testing.T) {
	cases := map[int64]string{0: "0", 7: "7", 42: "42", -42: "-42", 100: "100"}
	for v, want := range cases {
		assert.Equal(t, want, itoa(v))
	}
}
