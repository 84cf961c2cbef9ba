// Package hookdata holds the hook and callable-function declarations of an
// instrumentation session and resolves them against the injected library's
// symbol table.
package hookdata

import (
	"fmt"
	"sort"

	"github.com/sohook/sohook/pkg/logflags"
)

// Hook is one instrumentation point.
type Hook struct {
	Addr     uint64 // image VA of the instruction to intercept in the executable
	Length   uint64 // length of that instruction, 0 if not declared
	Function string // name of the hook function in the injected library

	FunctionAddr uint64 // library VA of Function, valid if Resolved
	Resolved     bool

	suggestions []string
}

func (h *Hook) String() string {
	if h.Resolved {
		return fmt.Sprintf("%#x = %s@%#x, %d", h.Addr, h.Function, h.FunctionAddr, h.Length)
	}
	return fmt.Sprintf("%#x = %s, %d", h.Addr, h.Function, h.Length)
}

// Func declares a function of the executable that hook code is allowed to
// call back into. Addr is its image VA in the executable; Name is the
// library symbol through which the hook code calls it.
type Func struct {
	Addr uint64
	Name string

	SymbolAddr uint64 // library VA of Name, valid if Resolved
	Resolved   bool

	suggestions []string
}

func (f *Func) String() string {
	return fmt.Sprintf("%#x = %s", f.Addr, f.Name)
}

// Set owns every declaration of one session. Both registries are kept
// sorted by address on every insertion.
type Set struct {
	hooks []*Hook
	funcs []*Func

	log logflags.Logger
}

// New returns an empty declaration set.
func New() *Set {
	return &Set{log: logflags.HookdataLogger()}
}

// AddHook declares a hook at addr. Duplicate addresses are accepted here and
// rejected by Verify.
func (s *Set) AddHook(addr uint64, function string, length uint64) *Hook {
	h := &Hook{Addr: addr, Function: function, Length: length}
	i := sort.Search(len(s.hooks), func(i int) bool { return s.hooks[i].Addr > addr })
	s.hooks = append(s.hooks, nil)
	copy(s.hooks[i+1:], s.hooks[i:])
	s.hooks[i] = h
	s.log.Debugf("hook %v", h)
	return h
}

// AddFunc declares a callable function at addr.
func (s *Set) AddFunc(addr uint64, name string) *Func {
	f := &Func{Addr: addr, Name: name}
	i := sort.Search(len(s.funcs), func(i int) bool { return s.funcs[i].Addr > addr })
	s.funcs = append(s.funcs, nil)
	copy(s.funcs[i+1:], s.funcs[i:])
	s.funcs[i] = f
	s.log.Debugf("func %v", f)
	return f
}

// FindHook returns the hook declared at addr or nil.
func (s *Set) FindHook(addr uint64) *Hook {
	i := sort.Search(len(s.hooks), func(i int) bool { return s.hooks[i].Addr >= addr })
	if i < len(s.hooks) && s.hooks[i].Addr == addr {
		return s.hooks[i]
	}
	return nil
}

// FindFunc returns the callable function declared at addr or nil.
func (s *Set) FindFunc(addr uint64) *Func {
	i := sort.Search(len(s.funcs), func(i int) bool { return s.funcs[i].Addr >= addr })
	if i < len(s.funcs) && s.funcs[i].Addr == addr {
		return s.funcs[i]
	}
	return nil
}

// Hooks returns the hooks ordered by address.
func (s *Set) Hooks() []*Hook {
	return append([]*Hook(nil), s.hooks...)
}

// Funcs returns the callable functions ordered by address.
func (s *Set) Funcs() []*Func {
	return append([]*Func(nil), s.funcs...)
}

// Clear drops every declaration.
func (s *Set) Clear() {
	s.hooks = nil
	s.funcs = nil
}
