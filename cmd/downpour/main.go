package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitSourceNotAccess = 3
	ExitFileBusy        = 4
	ExitStorageError    = 5
	ExitPreAllocate     = 6
	ExitCanceled        = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "get":
		return runGet(cmdArgs)
	case "ls":
		return runList(cmdArgs)
	case "rm":
		return runRemove(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: downpour <command> [options]

Commands:
  get   Transfer a URL to a local file, resuming stored progress
  ls    List stored transfer state
  rm    Discard stored transfer state for one task

Run 'downpour <command> -h' for command-specific help.`)
}
