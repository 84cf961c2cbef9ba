package hookdata

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"github.com/hashicorp/go-multierror"

	"github.com/sohook/sohook/pkg/proc"
)

const maxSuggestions = 3

// SymbolTable looks up library symbols by exact name.
type SymbolTable interface {
	LookupSymbol(name string) (uint64, bool)
	SymbolNames() []string
}

// Resolve looks up the library address of every hook function and every
// callable function declaration. Names that are not found are left
// unresolved for Verify to report.
func (s *Set) Resolve(symtab SymbolTable) {
	var names *trie.Trie
	suggest := func(name string) []string {
		if names == nil {
			names = trie.New()
			for _, sym := range symtab.SymbolNames() {
				names.Add(sym, nil)
			}
		}
		return suggestions(names, name)
	}

	for _, h := range s.hooks {
		h.FunctionAddr, h.Resolved = symtab.LookupSymbol(h.Function)
		if !h.Resolved {
			h.suggestions = suggest(h.Function)
			continue
		}
		s.log.Debugf("resolved hook %v", h)
	}
	for _, f := range s.funcs {
		f.SymbolAddr, f.Resolved = symtab.LookupSymbol(f.Name)
		if !f.Resolved {
			f.suggestions = suggest(f.Name)
		}
	}
}

// suggestions returns up to maxSuggestions symbol names sharing the
// longest possible prefix with name.
func suggestions(names *trie.Trie, name string) []string {
	for n := len(name); n > 0; n-- {
		r := names.PrefixSearch(name[:n])
		if len(r) == 0 {
			continue
		}
		sort.Strings(r)
		if len(r) > maxSuggestions {
			r = r[:maxSuggestions]
		}
		return r
	}
	return nil
}

func unresolved(what, name string, suggestions []string) error {
	if len(suggestions) == 0 {
		return fmt.Errorf("%s %q not found in library symbol table", what, name)
	}
	return fmt.Errorf("%s %q not found in library symbol table (did you mean %s?)", what, name, strings.Join(suggestions, ", "))
}

// Verify checks that the set can be dispatched on: at least one hook,
// unique addresses and every declaration resolved. All problems are
// reported together as one ConfigurationError.
func (s *Set) Verify() error {
	if len(s.hooks) == 0 {
		return proc.ConfigError("verify declarations", 0, errors.New("no hook declared"))
	}
	var merr *multierror.Error
	for i, h := range s.hooks {
		if i > 0 && s.hooks[i-1].Addr == h.Addr {
			merr = multierror.Append(merr, proc.ConfigError("verify hook", h.Addr, fmt.Errorf("duplicate address (%s and %s)", s.hooks[i-1].Function, h.Function)))
		}
		if !h.Resolved {
			merr = multierror.Append(merr, proc.ConfigError("resolve hook", h.Addr, unresolved("function", h.Function, h.suggestions)))
		}
	}
	for i, f := range s.funcs {
		if i > 0 && s.funcs[i-1].Addr == f.Addr {
			merr = multierror.Append(merr, proc.ConfigError("verify func", f.Addr, fmt.Errorf("duplicate address (%s and %s)", s.funcs[i-1].Name, f.Name)))
		}
		if !f.Resolved {
			merr = multierror.Append(merr, proc.ConfigError("resolve func", f.Addr, unresolved("symbol", f.Name, f.suggestions)))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return proc.ConfigError("verify declarations", 0, err)
	}
	return nil
}
