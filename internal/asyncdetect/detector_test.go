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

package asyncdetect_test

import (
	"testing"

	"github.com/maetin0324/kokia/internal/asyncdetect"
	"github.com/stretchr/testify/assert"
)

func TestIsAsyncClosure(t *testing.T) {
	d := asyncdetect.New()

	cases := []struct {
		name string
		want bool
	}{
		{"my_app::compute::{{closure}}", true},
		{"simple_async::main::{{closure}}", true},
		{"tokio::runtime::task::{{closure}}", false},
		{"std::future::{{closure}}", false},
		{"core::drop::drop_in_place::{{closure}}", false},
		{"some_function", false},
		{"test::{{constant}}", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, d.IsAsyncClosure(c.name), c.name)
	}
}

func TestAddExcludedPrefixNarrowsFurther(t *testing.T) {
	d := asyncdetect.New()
	d.AddExcludedPrefix("internal_runtime::")
	assert.False(t, d.IsAsyncClosure("internal_runtime::poll::{{closure}}"))
	assert.True(t, d.IsAsyncClosure("my_app::poll::{{closure}}"))
}
