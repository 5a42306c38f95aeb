// Command wsvc is the CLI front-end for the content-addressed snapshot
// version-control engine implemented by the internal packages. It parses
// user intent and prints progress; all of the interesting engineering
// (content addressing, snapshot reconciliation, sync protocol) lives in
// internal/* and is exercised here, not reimplemented.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches to the requested subcommand and returns the process exit
// code: 0 on success, nonzero otherwise.
func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "init":
		err = cmdInit(rest)
	case "new":
		err = cmdNew(rest)
	case "commit":
		err = cmdCommit(rest)
	case "checkout":
		err = cmdCheckout(rest)
	case "logs":
		err = cmdLogs(rest)
	case "clone":
		err = cmdClone(rest)
	case "sync":
		err = cmdSync(rest)
	case "serve":
		err = cmdServe(rest)
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "wsvc: unknown command %q\n", cmd)
		printUsage()
		return 2
	}

	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		fmt.Fprintf(os.Stderr, "wsvc %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: wsvc <command> [arguments]

commands:
  init [--bare]                             create a repository rooted here
  new <name> [--bare]                       create a repository in a fresh subdirectory
  commit -m <msg> [-a <author>] [-w <dir>] [-r <root>]
  checkout [<fp-prefix>] [-w <dir>] [-r <root>]
  logs [--skip N] [--limit M] [-r <root>]
  clone <url> [<dir>]
  sync [-r <root>]
  serve <addr> [-r <root>]`)
}
