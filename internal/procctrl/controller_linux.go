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

//go:build linux
// +build linux

package procctrl

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kr/pty"
	"github.com/maetin0324/kokia/internal/kokiaerr"
	"golang.org/x/sys/unix"
)

// Controller owns the traced process. All of its methods must be called
// from the goroutine that created it: ptrace is per-OS-thread, and the
// controller locks that thread for its entire lifetime.
//
// Precondition: the runtime OS thread must be locked before any ptrace
// syscall is issued; Spawn and Attach do this once, here.
type Controller struct {
	pid      int // tgid of the traced process
	attached bool
	cmd      *exec.Cmd
	pty      *os.File
}

// Pid returns the tgid of the traced process.
func (c *Controller) Pid() int { return c.pid }

// Tty returns the master side of the pty allocated for a spawned target's
// stdio, or nil if the target was attached rather than spawned.
func (c *Controller) Tty() *os.File { return c.pty }

// Spawn forks path with argv, requests tracing, execs, and waits for the
// post-exec stop. A single-step is then issued so the dynamic loader has
// mapped the main image before the caller's DWARF-addressed queries run.
func Spawn(path string, argv []string) (*Controller, error) {
	runtime.LockOSThread()

	ptyMaster, ptySlave, err := pty.Open()
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "allocating pty for target")
	}
	defer ptySlave.Close()

	cmd := exec.Command(path, argv...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = ptySlave, ptySlave, ptySlave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:  true,
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		ptyMaster.Close()
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "spawning %s", path)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "waiting for post-exec stop")
	}
	if !ws.Stopped() {
		return nil, kokiaerr.New(kokiaerr.Os, "expected post-exec stop, got %v", ws)
	}

	c := &Controller{pid: cmd.Process.Pid, attached: true, cmd: cmd, pty: ptyMaster}

	// Single-step once so ld.so has mapped the main image's pages before any
	// DWARF-addressed breakpoint install is attempted.
	if err := unix.PtraceSingleStep(c.pid); err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "post-exec singlestep")
	}
	if _, err := unix.Wait4(c.pid, &ws, 0, nil); err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "waiting after post-exec singlestep")
	}

	return c, nil
}

// Attach attaches to an already-running process. Kernel attach can race a
// process that is mid-signal-delivery, so PTRACE_ATTACH itself is retried
// with backoff rather than failing outright on the first ESRCH/EPERM; the
// wait for the attach stop that follows is not retried.
func Attach(pid int) (*Controller, error) {
	runtime.LockOSThread()

	op := func() error {
		if err := unix.PtraceAttach(pid); err != nil {
			return err
		}
		return nil
	}
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, boff); err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "PTRACE_ATTACH pid=%d", pid)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "waiting for attach stop")
	}
	if !ws.Stopped() {
		return nil, kokiaerr.New(kokiaerr.Os, "expected stop after attach, got %v", ws)
	}

	return &Controller{pid: pid, attached: true}, nil
}

// ContinueAndWait resumes every thread of the process and blocks until any
// thread of it next stops or the process exits.
func (c *Controller) ContinueAndWait() (StopReason, error) {
	if !c.attached {
		return StopReason{}, kokiaerr.New(kokiaerr.Unattached, "no live target")
	}
	if err := unix.PtraceCont(c.pid, 0); err != nil {
		return StopReason{}, kokiaerr.Wrap(kokiaerr.Os, err, "PTRACE_CONT pid=%d", c.pid)
	}
	return c.wait()
}

// SingleStep steps tid by one instruction and waits for the resulting stop.
func (c *Controller) SingleStep(tid int) (StopReason, error) {
	if !c.attached {
		return StopReason{}, kokiaerr.New(kokiaerr.Unattached, "no live target")
	}
	if err := unix.PtraceSingleStep(tid); err != nil {
		return StopReason{}, kokiaerr.Wrap(kokiaerr.Os, err, "PTRACE_SINGLESTEP tid=%d", tid)
	}
	sr, err := c.wait()
	if err == nil && sr.Kind == Breakpoint {
		sr.Kind = Step
	}
	return sr, err
}

// wait blocks on any thread of the process group and classifies the result.
func (c *Controller) wait() (StopReason, error) {
	var ws unix.WaitStatus
	tid, err := unix.Wait4(-1*pgidOf(c.pid), &ws, 0, nil)
	if err != nil {
		// Fall back to waiting on the tgid directly; some kernels/process
		// trees don't expose a waitable process group for a single tracee.
		tid, err = unix.Wait4(c.pid, &ws, 0, nil)
	}
	if err != nil {
		return StopReason{}, kokiaerr.Wrap(kokiaerr.Os, err, "wait4")
	}

	switch {
	case ws.Exited():
		return StopReason{Kind: Exited, Tid: tid, ExitCode: ws.ExitStatus()}, nil
	case ws.Signaled():
		return StopReason{Kind: Exited, Tid: tid, ExitCode: 128 + int(ws.Signal())}, nil
	case ws.Stopped():
		sig := ws.StopSignal()
		switch {
		case sig == unix.SIGTRAP:
			// Classification between Breakpoint and Step is refined by the
			// caller: ContinueAndWait assumes Breakpoint, SingleStep
			// assumes Step and relabels a plain SIGTRAP accordingly.
			return StopReason{Kind: Breakpoint, Tid: tid}, nil
		default:
			return StopReason{Kind: SignalStop, Tid: tid, Signal: int(sig)}, nil
		}
	default:
		return StopReason{Kind: Other, Tid: tid}, nil
	}
}

// pgidOf returns the process group wait() waits on: simply the tgid, which
// is the group leader for a target Spawn started in its own session
// (Setsid). When that group is not waitable, wait() falls back to the tgid.
func pgidOf(pid int) int { return pid }

// Detach removes all tracing from the process and lets it run free.
func (c *Controller) Detach() error {
	if !c.attached {
		return nil
	}
	c.attached = false
	if c.pty != nil {
		c.pty.Close()
	}
	if err := unix.PtraceDetach(c.pid); err != nil {
		return kokiaerr.Wrap(kokiaerr.Os, err, "PTRACE_DETACH pid=%d", c.pid)
	}
	return nil
}

// GetRegs implements regview.Source.
func (c *Controller) GetRegs(tid int) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return regs, err
	}
	return regs, nil
}

// SetRegs implements regview.Source.
func (c *Controller) SetRegs(tid int, regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(tid, regs)
}
