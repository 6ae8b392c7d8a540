package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"downpour/internal/breakpoint"
)

// runRemove discards the stored state of one task.
func runRemove(args []string) int {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	id := fs.String("id", "", "Task ID to discard (required, see 'downpour ls')")
	configPath := fs.String("config", "", "Path to YAML config file")
	dataDir := fs.String("data-dir", "", "Directory for persisted transfer state")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: downpour rm [options]

Discard stored transfer state for one task. The partial file, if any,
is left in place.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, code := loadConfig(*configPath)
	if code != ExitSuccess {
		return code
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	store, err := breakpoint.OpenSQLiteStore(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state store: %v\n", err)
		return ExitStorageError
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Lookup(ctx, *id); err != nil {
		if errors.Is(err, breakpoint.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No stored state for task %s\n", *id)
			return ExitGeneralError
		}
		fmt.Fprintf(os.Stderr, "Error reading state: %v\n", err)
		return ExitStorageError
	}

	if err := store.Discard(ctx, *id); err != nil {
		fmt.Fprintf(os.Stderr, "Error discarding state: %v\n", err)
		return ExitStorageError
	}

	fmt.Printf("Discarded stored state for task %s\n", *id)
	return ExitSuccess
}
