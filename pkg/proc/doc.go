// Package proc is a low-level package that provides methods to manipulate
// the process being instrumented.
//
// proc implements the pieces shared by the ptrace backend and the dispatch
// engine:
// * memory and register access through the Tracee interface
// * software breakpoints and the table that owns them
// * running code inside the tracee (injected syscalls, scratch pages)
// * the error kinds every layer reports
//
package proc
