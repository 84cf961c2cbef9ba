package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The hook source flags live on the root command so that both 'run' and
// 'hooks' accept them, but they mean nothing to the other subcommands.
//
// For example:
//
//	sohook --disable-aslr hooks --so libhook.so
//
// must parse successfully even though --disable-aslr is ignored by 'hooks'.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "sohook", "help", "version":
		hideAllFlags(cmd)
	case "hooks":
		hideFlag(cmd, "disable-aslr")
	case "run":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
		switch flag.Name {
		case "so", "metadata", "embedded", "disable-aslr":
			flag.Hidden = true
		}
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
