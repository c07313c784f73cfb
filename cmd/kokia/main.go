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

// Binary kokia is an interactive debugger for cooperatively-scheduled
// async Rust binaries.
package main

import "github.com/maetin0324/kokia/internal/cliapp"

func main() {
	cliapp.Main()
}
