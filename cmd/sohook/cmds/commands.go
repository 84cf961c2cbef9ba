package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"

	"github.com/sohook/sohook/cmd/sohook/cmds/helphelpers"
	"github.com/sohook/sohook/pkg/config"
	"github.com/sohook/sohook/pkg/hookdata"
	"github.com/sohook/sohook/pkg/logflags"
	"github.com/sohook/sohook/pkg/session"
	"github.com/sohook/sohook/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// library is the hook library preloaded into the program.
	library string
	// metadata is the hook declaration file.
	metadata string
	// embedded also reads the declarations embedded in the library.
	embedded bool
	// disableASLR starts the program with address space randomization disabled.
	disableASLR bool
	// dynamic selects breakpoint based instrumentation, the only one supported.
	dynamic bool

	// verbose makes 'version' print build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const sohookCommandLongDesc = `Sohook runs a program with a hook library preloaded and redirects
chosen instructions of the program to functions of that library.

Hooks are declared either in a separate file of "ADDRESS = NAME[, LENGTH]"
lines or in the .sohook and .sofunc sections of the library itself.

Pass flags to the program using ` + "`--`" + `, for example:

` + "`sohook run --so ./libhook.so ./target -- --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = &config.Config{}
	if !docCall {
		var err error
		conf, err = config.LoadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}

	// Main sohook root command.
	rootCommand = &cobra.Command{
		Use:   "sohook",
		Short: "Sohook instruments running programs with hooks from a shared library.",
		Long:  sohookCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'sohook help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'sohook help log').")

	rootCommand.PersistentFlags().StringVarP(&library, "so", "s", "", "Hook library to preload.")
	rootCommand.PersistentFlags().StringVarP(&metadata, "metadata", "m", "", "Hook declaration file.")
	rootCommand.PersistentFlags().BoolVarP(&embedded, "embedded", "e", false, "Read the declarations embedded in the library even when --metadata is given.")
	rootCommand.PersistentFlags().BoolVarP(&disableASLR, "disable-aslr", "", false, "Disables address space randomization.")

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run [flags] executable [-- args]",
		Short: "Run a program with hooks installed.",
		Long: `Starts the program with the hook library preloaded, stops it at its
entry point, installs every declared hook and lets it run to completion.

Sohook exits with status 0 when the program exits normally. On any other
outcome the program is killed and the reason is printed.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			exeArgs, _ := splitArgs(cmd, args)
			if len(exeArgs) == 0 {
				return errors.New("you must provide a path to an executable")
			}
			if len(exeArgs) > 1 {
				return errors.New("program arguments must follow --")
			}
			return nil
		},
		Run: runCmd,
	}
	runCommand.Flags().BoolVarP(&dynamic, "dynamic", "d", true, "Install hooks with breakpoints in the running process.")
	rootCommand.AddCommand(runCommand)

	// 'hooks' subcommand.
	hooksCommand := &cobra.Command{
		Use:   "hooks",
		Short: "Print the hook declarations of a library.",
		Long: `Loads, resolves and checks the hook declarations exactly like 'run'
does, then prints them without starting any program.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(printHooks(cmd.OutOrStdout()))
		},
	}
	rootCommand.AddCommand(hooksCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Sohook\n%s\n", version.SohookVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
		ValidArgsFunction: cobra.NoFileCompletions,
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	tracee		Log ptrace requests and stops of the program
	dispatch	Log hook calls and their results
	hookdata	Log loading and resolution of declarations
	vamap		Log address translation tables
	session		Log session setup

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func runCmd(cmd *cobra.Command, args []string) {
	exeArgs, targetArgs := splitArgs(cmd, args)
	os.Exit(execute(exeArgs[0], targetArgs, conf))
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// sessionConfig merges the command line with the configuration file.
func sessionConfig(executable string, targetArgs []string, conf *config.Config) (*session.Config, error) {
	cfg := &session.Config{
		Executable:  executable,
		Args:        targetArgs,
		Library:     library,
		Metadata:    metadata,
		Embedded:    embedded || conf.Embedded,
		HookSection: conf.HookSection,
		FuncSection: conf.FuncSection,
		DisableASLR: disableASLR || conf.DisableASLR,
	}
	if cfg.Library == "" {
		cfg.Library = conf.Library
	}
	if cfg.Metadata == "" {
		cfg.Metadata = conf.Metadata
	}
	if len(cfg.Args) == 0 {
		args, err := conf.Args()
		if err != nil {
			return nil, err
		}
		cfg.Args = args
	}
	if !dynamic {
		cfg.Mode = session.ModeStatic
	}
	return cfg, nil
}

func setupLog() error {
	if log && logOutput == "" {
		logOutput = conf.LogOutput
	}
	return logflags.Setup(log, logOutput, logDest)
}

func execute(executable string, targetArgs []string, conf *config.Config) int {
	if err := setupLog(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	cfg, err := sessionConfig(executable, targetArgs, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	s, err := session.Launch(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	// The program runs in its own process group. It receives terminal
	// interrupts itself when it is in the foreground, signals sent to
	// sohook are forwarded as a kill so that the wait in Run returns.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT, sys.SIGTERM)
	defer signal.Stop(ch)
	go func() {
		if _, ok := <-ch; ok {
			sys.Kill(s.Process.Pid(), sys.SIGKILL)
		}
	}()

	if err := s.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printHooks(out io.Writer) int {
	if err := setupLog(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	cfg, err := sessionConfig("", nil, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	hooks, lib, err := session.LoadHooks(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	lib.Close()
	writeHooks(out, hooks)
	return 0
}

func writeHooks(out io.Writer, hooks *hookdata.Set) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tLENGTH\tFUNCTION\tLIBRARY ADDRESS")
	for _, h := range hooks.Hooks() {
		fmt.Fprintf(w, "%#x\t%d\t%s\t%#x\n", h.Addr, h.Length, h.Function, h.FunctionAddr)
	}
	if funcs := hooks.Funcs(); len(funcs) > 0 {
		fmt.Fprintln(w, "\nADDRESS\t\tFUNC\tLIBRARY ADDRESS")
		for _, f := range funcs {
			fmt.Fprintf(w, "%#x\t\t%s\t%#x\n", f.Addr, f.Name, f.SymbolAddr)
		}
	}
	w.Flush()
}
