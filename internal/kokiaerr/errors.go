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

// Package kokiaerr defines the error taxonomy shared by every core
// component. Errors are classified by Kind rather than by concrete type, so
// callers can branch with errors.As against a single *Error.
package kokiaerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of the component that raised it.
type Kind int

const (
	// Unattached means the operation needs a live target but none is attached.
	Unattached Kind = iota
	// NoDwarf means the operation needs debug info that isn't present.
	NoDwarf
	// NotFound means a symbol, task, breakpoint, or callsite is absent.
	NotFound
	// Ambiguous means multiple candidates matched a user-supplied name.
	Ambiguous
	// MemoryFault means an access targeted unmapped or protected memory.
	MemoryFault
	// Os means a trace syscall or process-filesystem operation failed.
	Os
	// Decode means DWARF or instruction-stream data was malformed.
	Decode
)

func (k Kind) String() string {
	switch k {
	case Unattached:
		return "unattached"
	case NoDwarf:
		return "no_dwarf"
	case NotFound:
		return "not_found"
	case Ambiguous:
		return "ambiguous"
	case MemoryFault:
		return "memory_fault"
	case Os:
		return "os"
	case Decode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every core component.
type Error struct {
	Kind Kind
	Msg  string
	// Candidates carries the list of matching names for an Ambiguous error,
	// so the caller can present them without re-querying.
	Candidates []string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that carries an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NewAmbiguous builds an Ambiguous error carrying the candidate list.
func NewAmbiguous(subject string, candidates []string) *Error {
	return &Error{
		Kind:       Ambiguous,
		Msg:        fmt.Sprintf("%q matches %d candidates", subject, len(candidates)),
		Candidates: candidates,
	}
}

// Is reports whether err, or the first *Error in its Unwrap chain, is of
// the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
