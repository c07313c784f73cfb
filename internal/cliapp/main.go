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

// Package cliapp is the command-line entrypoint: it wires the
// subcommands.Command-shaped "run" and "attach" verbs to the orchestrator
// and drops into the interactive REPL described in the external
// interfaces (spec 6).
package cliapp

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/maetin0324/kokia/internal/config"
	"github.com/maetin0324/kokia/internal/logging"
)

// Main is the process entrypoint.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCommand{}, "")
	subcommands.Register(&attachCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// runCommand implements subcommands.Command for "run".
type runCommand struct {
	configPath string
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "spawn a binary under trace" }
func (*runCommand) Usage() string {
	return "run [flags] <path> [args...] - spawn and trace a binary\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a .kokia.toml configuration file")
}

func (c *runCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return subcommands.ExitFailure
	}
	log := logging.For(logging.New(logging.LevelFromEnv(cfg.Log.Level), cfg.Log.Format), "cli")

	sess, err := spawn(f.Arg(0), f.Args()[1:], cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawning target: %v\n", err)
		return subcommands.ExitFailure
	}
	defer sess.Detach()

	runREPL(sess, log)
	return subcommands.ExitSuccess
}

// attachCommand implements subcommands.Command for "attach".
type attachCommand struct {
	configPath string
}

func (*attachCommand) Name() string     { return "attach" }
func (*attachCommand) Synopsis() string { return "attach to a running process" }
func (*attachCommand) Usage() string {
	return "attach [flags] <pid> - attach to a running process\n"
}

func (c *attachCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a .kokia.toml configuration file")
}

func (c *attachCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return subcommands.ExitFailure
	}
	log := logging.For(logging.New(logging.LevelFromEnv(cfg.Log.Level), cfg.Log.Format), "cli")

	var pid int
	if _, err := fmt.Sscanf(f.Arg(0), "%d", &pid); err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid %q\n", f.Arg(0))
		return subcommands.ExitUsageError
	}

	sess, err := attach(pid, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attaching to pid %d: %v\n", pid, err)
		return subcommands.ExitFailure
	}
	defer sess.Detach()

	runREPL(sess, log)
	return subcommands.ExitSuccess
}
