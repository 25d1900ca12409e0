package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ufi/internal/kernel"
)

var (
	ptxVersionRe = regexp.MustCompile(`(?m)^\s*\.version\s+(\S+)`)
	ptxTargetRe  = regexp.MustCompile(`(?m)^\s*\.target\s+([^\s,/]+)`)
)

// PTXInfo is the header and entry summary of a PTX module.
type PTXInfo struct {
	Version string
	Target  string
	Entries []string
}

func inspectPTX(ptx string) PTXInfo {
	info := PTXInfo{Entries: kernel.EntryNames(ptx)}
	if m := ptxVersionRe.FindStringSubmatch(ptx); m != nil {
		info.Version = m[1]
	}
	if m := ptxTargetRe.FindStringSubmatch(ptx); m != nil {
		info.Target = m[1]
	}
	return info
}

func inspectCmd() *cli.Command {
	var ptxPath string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the header and entry points of a PTX file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ptx", Usage: "path to the PTX file (- for stdin)", Required: true, Destination: &ptxPath},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ptx, err := readPTX(ptxPath, os.Stdin)
			if err != nil {
				return err
			}
			info := inspectPTX(ptx)
			if len(info.Entries) == 0 {
				return fmt.Errorf("%s: no .visible .entry found", ptxPath)
			}
			return printPTXInfo(os.Stdout, info)
		},
	}
}

func printPTXInfo(w io.Writer, info PTXInfo) error {
	orUnknown := func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	}
	if _, err := fmt.Fprintf(w, "version: %s\ntarget:  %s\nentries:\n", orUnknown(info.Version), orUnknown(info.Target)); err != nil {
		return err
	}
	for _, e := range info.Entries {
		if _, err := fmt.Fprintf(w, "  %s\n", e); err != nil {
			return err
		}
	}
	return nil
}
