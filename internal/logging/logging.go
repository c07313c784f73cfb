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

// Package logging configures the process-wide structured logger. The core
// never constructs its own logger; every component takes a *logrus.Entry (or
// nothing, for pure data-model types) so log lines carry component context.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// envVar mirrors the shape of RUST_LOG: a single level name that controls
// the whole process. The core does not read this directly; the CLI's run and
// attach commands do, and it overrides the config file's log level when set.
const envVar = "KOKIA_LOG"

// New builds the root logger. format is "text" or "json"; level is one of
// trace/debug/info/warn/error and defaults to "info" when empty or invalid.
func New(level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// LevelFromEnv reads KOKIA_LOG, falling back to def when unset. This is the
// collaborator-level equivalent of the RUST_LOG-style selector in the spec's
// CLI surface; the core never consults the environment.
func LevelFromEnv(def string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}

// For returns a child logger scoped to a single component, e.g.
// logging.For(root, "async-tracker").
func For(root *logrus.Logger, component string) *logrus.Entry {
	return root.WithField("component", component)
}
