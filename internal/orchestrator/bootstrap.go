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
	"fmt"
	"os"

	"github.com/maetin0324/kokia/internal/dwarfidx"
	"github.com/maetin0324/kokia/internal/kokiaerr"
	"github.com/maetin0324/kokia/internal/memview"
	"github.com/maetin0324/kokia/internal/procctrl"
	"github.com/sirupsen/logrus"
)

// Spawn starts path under trace, loads its DWARF/ELF debug info, and
// returns a ready-to-use Session.
func Spawn(path string, argv []string, log *logrus.Entry) (*Session, error) {
	dw, err := dwarfidx.Load(path)
	if err != nil {
		return nil, err
	}

	ctrl, err := procctrl.Spawn(path, argv)
	if err != nil {
		dw.Close()
		return nil, err
	}

	mem, err := memview.New(ctrl.Pid())
	if err != nil {
		dw.Close()
		return nil, err
	}

	pieBase, err := resolvePieBase(dw, mem, path)
	if err != nil {
		dw.Close()
		mem.Close()
		return nil, err
	}

	return New(ctrl, mem, dw, pieBase, log), nil
}

// Attach connects to an already-running process by pid, resolving its
// executable image through /proc/<pid>/exe.
func Attach(pid int, log *logrus.Entry) (*Session, error) {
	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, kokiaerr.Wrap(kokiaerr.Os, err, "resolving executable of pid %d", pid)
	}

	dw, err := dwarfidx.Load(exePath)
	if err != nil {
		return nil, err
	}

	ctrl, err := procctrl.Attach(pid)
	if err != nil {
		dw.Close()
		return nil, err
	}

	mem, err := memview.New(pid)
	if err != nil {
		dw.Close()
		return nil, err
	}

	pieBase, err := resolvePieBase(dw, mem, exePath)
	if err != nil {
		dw.Close()
		mem.Close()
		return nil, err
	}

	return New(ctrl, mem, dw, pieBase, log), nil
}

func resolvePieBase(dw *dwarfidx.Index, mem *memview.View, path string) (uint64, error) {
	if !dw.IsPIE() {
		return 0, nil
	}
	return mem.BaseAddress(path)
}
