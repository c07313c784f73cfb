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

// Package asyncdetect is the Async Function Detector (spec 4.H): a name
// heuristic that tells application-level closures compiled from async
// blocks apart from closures the runtime and standard library generate for
// their own bookkeeping. There is no DWARF attribute for "this is user
// code"; the detector works from name shape alone, and the exclusion list
// is the load-bearing part of it.
package asyncdetect

import "strings"

// defaultExcludedPrefixes are demangled path prefixes that are always
// runtime or library internals, never application async state machines.
var defaultExcludedPrefixes = []string{
	"tokio::",
	"std::",
	"core::",
	"alloc::",
	"futures::",
	"futures_util::",
	"futures_core::",
}

// defaultExcludedSubstrings catch runtime-internal closures that don't sit
// under one of the excluded prefixes, such as drop glue.
var defaultExcludedSubstrings = []string{
	"drop_in_place",
	"{{constant}}",
	"::runtime::",
	"::executor::",
	"::task::",
}

// Detector decides whether a demangled symbol name names a closure the
// async tracker should treat as a user task.
type Detector struct {
	excludedPrefixes   []string
	excludedSubstrings []string
}

// New returns a Detector seeded with the default exclusion lists.
func New() *Detector {
	d := &Detector{}
	d.excludedPrefixes = append(d.excludedPrefixes, defaultExcludedPrefixes...)
	d.excludedSubstrings = append(d.excludedSubstrings, defaultExcludedSubstrings...)
	return d
}

// AddExcludedPrefix extends the prefix exclusion list, e.g. with an
// application's own internal-runtime module path.
func (d *Detector) AddExcludedPrefix(prefix string) {
	d.excludedPrefixes = append(d.excludedPrefixes, prefix)
}

// AddExcludedPattern extends the substring exclusion list.
func (d *Detector) AddExcludedPattern(substr string) {
	d.excludedSubstrings = append(d.excludedSubstrings, substr)
}

// IsAsyncClosure reports whether name (a demangled symbol path) names an
// application async-block or async-fn closure: it must contain the
// "{{closure}}" marker, and must not fall under any excluded prefix or
// substring.
func (d *Detector) IsAsyncClosure(name string) bool {
	if !strings.Contains(name, "{{closure}}") {
		return false
	}
	for _, p := range d.excludedPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	for _, s := range d.excludedSubstrings {
		if strings.Contains(name, s) {
			return false
		}
	}
	return true
}
