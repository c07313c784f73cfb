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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFieldName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"__await_0", "<__await_0>"},
		{"x@3", "x"},
		{"count@12", "count"},
		{"plain", "plain"},
		{"@leading", "@leading"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, normalizeFieldName(c.in), "input %q", c.in)
	}
}
