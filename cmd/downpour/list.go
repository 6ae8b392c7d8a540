package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"downpour/internal/breakpoint"
	"downpour/internal/progress"
)

// runList prints the stored transfer state, one line per task.
func runList(args []string) int {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	dataDir := fs.String("data-dir", "", "Directory for persisted transfer state")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: downpour ls [options]

List stored transfer state.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
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

	summaries, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing state: %v\n", err)
		return ExitStorageError
	}

	if len(summaries) == 0 {
		fmt.Println("No stored transfers.")
		return ExitSuccess
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tURL\tPROGRESS\tLAST RESULT\tUPDATED")
	for _, s := range summaries {
		result := s.EndCause
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s / %s\t%s\t%s\n",
			s.TaskID,
			s.URL,
			progress.FormatBytes(s.Offset),
			progress.FormatBytes(s.TotalLength),
			result,
			s.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()
	return ExitSuccess
}
