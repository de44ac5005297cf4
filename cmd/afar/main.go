// Package main provides the afar CLI entrypoint.
//
// Usage:
//
//	afar <command> [options] [args]
//
// Exit codes:
//   - 0: success
//   - 1: a block or cell failed
//   - 2: configuration or usage error
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/afar/cli/cmd"
	"github.com/justapithecus/afar/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "afar",
		Usage:          "Run code blocks locally, on workers, or later",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.ExecCommand(),
			cmd.TailCommand(),
			cmd.HistoryCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// Only reached for errors ExitErrHandler did not see, such as
		// flag parse failures.
		os.Exit(2)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(reportExit(os.Stderr, err))
}

// exitStatus maps err to a process exit code and the message to print.
// cli.Exit codes pass through, wrapped or not; anything else exits 1.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N) reports "exit status N".
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}

// reportExit prints the message for err to w and returns the exit code.
func reportExit(w io.Writer, err error) int {
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(w, msg)
	}
	return code
}
