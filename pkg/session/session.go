// Package session drives one instrumentation run: it loads and checks the
// hook declarations, launches the program with the hook library
// preloaded, waits for it to reach its entry point, maps the trampoline
// and hands control to the dispatch engine.
package session

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/procfs"

	"github.com/sohook/sohook/pkg/dispatch"
	"github.com/sohook/sohook/pkg/elfimg"
	"github.com/sohook/sohook/pkg/hookdata"
	"github.com/sohook/sohook/pkg/logflags"
	"github.com/sohook/sohook/pkg/proc"
	"github.com/sohook/sohook/pkg/proc/native"
	"github.com/sohook/sohook/pkg/proc/vamap"
)

// Mode selects how hooks are installed.
type Mode uint8

const (
	// ModeDynamic installs hooks with breakpoints in the running process.
	ModeDynamic Mode = iota
	// ModeStatic would patch the executable on disk. Not supported.
	ModeStatic
)

// Config describes a session.
type Config struct {
	Executable string
	Args       []string
	Library    string

	// Metadata is a hook declaration file. When empty, or when Embedded
	// is set, declarations are read from the library's own sections.
	Metadata    string
	Embedded    bool
	HookSection string
	FuncSection string

	DisableASLR bool
	Mode        Mode

	// ProcRoot is where procfs is mounted, /proc if empty.
	ProcRoot string
}

func (cfg *Config) hookSection() string {
	if cfg.HookSection != "" {
		return cfg.HookSection
	}
	return hookdata.DefaultHookSection
}

func (cfg *Config) funcSection() string {
	if cfg.FuncSection != "" {
		return cfg.FuncSection
	}
	return hookdata.DefaultFuncSection
}

// LoadHooks opens the library of cfg and returns its resolved and verified
// declarations. The returned image must be closed by the caller.
func LoadHooks(cfg *Config) (*hookdata.Set, *elfimg.Image, error) {
	if cfg.Library == "" {
		return nil, nil, proc.ConfigError("load hooks", 0, fmt.Errorf("no hook library"))
	}
	lib, err := elfimg.Open(cfg.Library)
	if err != nil {
		return nil, nil, proc.ConfigError("open library", 0, err)
	}
	hooks := hookdata.New()
	if cfg.Metadata != "" {
		err = hooks.LoadFile(cfg.Metadata)
	}
	if err == nil && (cfg.Metadata == "" || cfg.Embedded) {
		err = hooks.LoadEmbedded(lib, cfg.hookSection(), cfg.funcSection())
	}
	if err == nil {
		hooks.Resolve(lib)
		err = hooks.Verify()
	}
	if err != nil {
		lib.Close()
		return nil, nil, err
	}
	return hooks, lib, nil
}

// Session is the state of one instrumented process.
type Session struct {
	Exe, Lib       *elfimg.Image
	ExeMap, LibMap *vamap.Map
	Hooks          *hookdata.Set
	Breakpoints    *proc.BreakpointTable
	Process        *native.Process

	// Entry is the runtime address of the executable's entry point.
	Entry      uint64
	Trampoline dispatch.Trampoline
	Engine     *dispatch.Engine

	log logflags.Logger
}

// Launch checks the declarations of cfg, starts the program and stops it
// at its entry point with every hook armed. Configuration errors are
// reported before the program is started.
func Launch(cfg *Config) (s *Session, err error) {
	if cfg.Mode != ModeDynamic {
		return nil, proc.ConfigError("launch", 0, fmt.Errorf("static instrumentation is not supported"))
	}
	s = &Session{Breakpoints: proc.NewBreakpointTable(), log: logflags.SessionLogger()}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	s.Exe, err = elfimg.Open(cfg.Executable)
	if err != nil {
		return s, proc.ConfigError("open executable", 0, err)
	}
	s.Hooks, s.Lib, err = LoadHooks(cfg)
	if err != nil {
		return s, err
	}
	library, err := filepath.Abs(cfg.Library)
	if err != nil {
		return s, proc.ConfigError("launch", 0, err)
	}

	var flags native.LaunchFlags
	if cfg.DisableASLR {
		flags |= native.LaunchDisableASLR
	}
	s.Process, err = native.Launch(append([]string{cfg.Executable}, cfg.Args...), library, flags)
	if err != nil {
		return s, err
	}
	s.log = s.log.WithField("pid", s.Process.Pid())

	procRoot := cfg.ProcRoot
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return s, proc.IOError("open procfs", 0, err)
	}

	s.ExeMap, err = vamap.Load(fs, s.Process.Pid(), cfg.Executable, s.Exe.Segments())
	if err != nil {
		return s, err
	}
	s.Entry, err = s.ExeMap.Forward(s.Exe.Entry())
	if err != nil {
		return s, err
	}
	s.log.Debugf("running to entry point %#x", s.Entry)
	if err = proc.RunUntil(s.Process, s.Entry); err != nil {
		return s, err
	}

	// the loader has mapped the library by now
	s.LibMap, err = vamap.Load(fs, s.Process.Pid(), library, s.Lib.Segments())
	if err != nil {
		return s, err
	}
	s.Trampoline, err = dispatch.MapTrampoline(s.Process, s.Entry)
	if err != nil {
		return s, err
	}
	s.log.Debugf("trampoline at %#x", s.Trampoline.Base)

	s.Engine = dispatch.New(dispatch.Config{
		Tracee:      s.Process,
		Hooks:       s.Hooks,
		Breakpoints: s.Breakpoints,
		Exe:         s.ExeMap,
		Lib:         s.LibMap,
		Trampoline:  s.Trampoline,
	})
	if err = s.Engine.Arm(); err != nil {
		return s, err
	}
	s.log.Infof("%d hook(s) armed in %s", s.Breakpoints.Len(), cfg.Executable)
	return s, nil
}

// Run lets the program run to completion. On error the process is killed.
func (s *Session) Run() error {
	err := s.Engine.Run()
	if err != nil {
		s.log.Errorf("%v", err)
		if kerr := s.Process.Kill(); kerr != nil {
			s.log.Errorf("could not kill process: %v", kerr)
		}
		return err
	}
	s.log.Infof("process exited, %d hook call(s)", s.Engine.Hits)
	return nil
}

// Close kills the process if it is still alive and releases the images.
func (s *Session) Close() error {
	var merr *multierror.Error
	if s.Process != nil && !s.Process.Exited() {
		merr = multierror.Append(merr, s.Process.Kill())
	}
	for _, img := range []*elfimg.Image{s.Exe, s.Lib} {
		if img != nil {
			merr = multierror.Append(merr, img.Close())
		}
	}
	return merr.ErrorOrNil()
}
