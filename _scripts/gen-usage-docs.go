//go:build ignore
// +build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sohook/sohook/cmd/sohook/cmds"
	"github.com/sohook/sohook/cmd/sohook/cmds/helphelpers"
	"github.com/spf13/cobra/doc"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New(true)

	cmdnames := []string{}
	for _, subcmd := range root.Commands() {
		cmdnames = append(cmdnames, subcmd.Name())
	}
	helphelpers.Prepare(root)
	if err := doc.GenMarkdownTree(root, usageDir); err != nil {
		log.Fatal(err)
	}
	root = nil
	// GenMarkdownTree ignores additional help topic commands, so we have to do this manually
	for _, cmdname := range cmdnames {
		cmd, _, _ := cmds.New(true).Find([]string{cmdname})
		helphelpers.Prepare(cmd)
		if err := doc.GenMarkdownTree(cmd, usageDir); err != nil {
			log.Fatal(err)
		}
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "sohook.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to sohook.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [sohook log](sohook_log.md)\t - Help about logging flags")
}
