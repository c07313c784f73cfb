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

// Package config loads the debugger's construction-time configuration: log
// verbosity and the async-detector's extensible prefix/substring lists
// (spec 4.H). Everything else about a session is supplied on the command
// line and is a collaborator concern.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk shape of .kokia.toml.
type Config struct {
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	AsyncDetector struct {
		// ExtraExcludedPrefixes and ExtraExcludedSubstrings extend, never
		// replace, the built-in runtime/stdlib noise lists in asyncdetect.
		ExtraExcludedPrefixes   []string `toml:"extra_excluded_prefixes"`
		ExtraExcludedSubstrings []string `toml:"extra_excluded_substrings"`
	} `toml:"async_detector"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// Load reads path and merges it onto Default(). A missing file is not an
// error; it just means the defaults apply.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	return c, nil
}
