package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"downpour/internal/breakpoint"
	"downpour/internal/call"
	"downpour/internal/cause"
	"downpour/internal/config"
	"downpour/internal/event"
	downhttp "downpour/internal/http"
	"downpour/internal/output"
	"downpour/internal/pool"
	"downpour/internal/progress"
	"downpour/internal/task"
)

// runGet transfers a URL to a local file, reusing any stored progress
// for the same URL and destination.
func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)

	url := fs.String("url", "", "Source URL to transfer (required)")
	out := fs.String("o", "", "Destination file path (required)")
	configPath := fs.String("config", "", "Path to YAML config file")
	dataDir := fs.String("data-dir", "", "Directory for persisted transfer state")
	blockSize := fs.String("block-size", "", "Split size for fresh transfers (e.g. 64MB)")
	bucket := fs.String("bucket", "", "Optional bucket URL to mirror the finished file to")
	showProgress := fs.Bool("progress", false, "Show progress output")
	retryAttempts := fs.Int("retry-attempts", 0, "Max retry attempts per request")
	retryBackoff := fs.Duration("retry-backoff", 0, "Initial retry backoff")
	retryMaxBackoff := fs.Duration("retry-max-backoff", 0, "Max retry backoff")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: downpour get [options]

Transfer a URL to a local file. Stored progress for the same URL and
destination is resumed when the remote still matches it.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *url == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "Error: -url and -o are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, code := loadConfig(*configPath)
	if code != ExitSuccess {
		return code
	}

	override := config.Config{
		DataDir:  *dataDir,
		Bucket:   *bucket,
		Progress: *showProgress,
		Retry: config.RetryConfig{
			Attempts:   *retryAttempts,
			Backoff:    *retryBackoff,
			MaxBackoff: *retryMaxBackoff,
		},
	}
	if *blockSize != "" {
		size, err := progress.ParseBytes(*blockSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid block size: %v\n", err)
			return ExitInvalidArgs
		}
		override.BlockSize = size
	}
	cfg = cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := breakpoint.OpenSQLiteStore(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state store: %v\n", err)
		return ExitStorageError
	}
	defer store.Close()

	outputOpts := []output.Option{}
	if cfg.Bucket != "" {
		bkt, err := blob.OpenBucket(ctx, cfg.Bucket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
			return ExitStorageError
		}
		defer bkt.Close()
		outputOpts = append(outputOpts, output.WithBucket(bkt))
	}

	p := pool.New(cfg.IdleTimeout)
	defer p.Shutdown()

	clientOpts := downhttp.DefaultOptions()
	if cfg.Retry.Attempts != 0 {
		clientOpts.RetryAttempts = cfg.Retry.Attempts
	}
	if cfg.Retry.Backoff != 0 {
		clientOpts.RetryBackoff = cfg.Retry.Backoff
	}
	if cfg.Retry.MaxBackoff != 0 {
		clientOpts.RetryMaxBackoff = cfg.Retry.MaxBackoff
	}

	events := event.NewDispatcher()
	t := task.New(*url, *out)

	listener := &getListener{}
	if cfg.Progress {
		listener.reporter = progress.NewReporter(progress.Options{
			Output:         os.Stdout,
			UpdateInterval: time.Second,
		})
	}
	events.Attach(t, listener)
	defer events.Detach(t)

	c := call.New(t, call.Deps{
		Store:     store,
		Files:     output.NewStrategy(outputOpts...),
		Pool:      p,
		Events:    events,
		Client:    downhttp.NewClient(clientOpts),
		BlockSize: cfg.BlockSize,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[downpour] Received interrupt, shutting down...")
		c.Cancel()
		cancel()
	}()

	execErr := c.Execute(ctx)

	code, msg := getOutcome(c.IsCanceled(), execErr, listener.endCause, listener.endErr, *out)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	return code
}

// getOutcome maps a finished transfer to its exit code and the message
// to print, if any. Cancellation is checked before the Execute error:
// the signal handler tears the context down alongside the call, so a
// canceled run surfaces context.Canceled from the settlement wait and
// must still exit as canceled, not as a general error.
func getOutcome(canceled bool, execErr error, endCause cause.EndCause, endErr error, out string) (int, string) {
	if canceled {
		return ExitCanceled, "[downpour] Canceled"
	}
	if execErr != nil {
		return ExitGeneralError, fmt.Sprintf("Error: %v", execErr)
	}

	switch endCause {
	case cause.Completed:
		return ExitSuccess, ""
	case cause.FileBusy:
		return ExitFileBusy, fmt.Sprintf("Error: destination is busy: %s", out)
	case cause.PreAllocateFailed:
		return ExitPreAllocate, fmt.Sprintf("Error allocating destination: %v", endErr)
	default:
		return ExitGeneralError, fmt.Sprintf("Error: %v", endErr)
	}
}

func loadConfig(path string) (config.Config, int) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return config.Config{}, ExitInvalidArgs
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading environment: %v\n", err)
		return config.Config{}, ExitInvalidArgs
	}
	return cfg, ExitSuccess
}

// getListener records the terminal outcome and optionally forwards the
// notifications to a progress reporter.
type getListener struct {
	reporter *progress.Reporter
	endCause cause.EndCause
	endErr   error
}

func (l *getListener) TaskStart(t *task.Task) {
	if l.reporter != nil {
		l.reporter.TaskStart(t)
	}
}

func (l *getListener) ProbeStart(t *task.Task, requestHeader http.Header) {
	if l.reporter != nil {
		l.reporter.ProbeStart(t, requestHeader)
	}
}

func (l *getListener) ProbeEnd(t *task.Task, responseCode int, responseHeader http.Header) {
	if l.reporter != nil {
		l.reporter.ProbeEnd(t, responseCode, responseHeader)
	}
}

func (l *getListener) FromBeginning(t *task.Task, info *breakpoint.Info, reason cause.ResumeFailedCause) {
	if l.reporter != nil {
		l.reporter.FromBeginning(t, info, reason)
	}
}

func (l *getListener) FromBreakpoint(t *task.Task, info *breakpoint.Info) {
	if l.reporter != nil {
		l.reporter.FromBreakpoint(t, info)
	}
}

func (l *getListener) ConnectStart(t *task.Task, blockIndex int, requestHeader http.Header) {
	if l.reporter != nil {
		l.reporter.ConnectStart(t, blockIndex, requestHeader)
	}
}

func (l *getListener) ConnectEnd(t *task.Task, blockIndex int, responseCode int, responseHeader http.Header) {
	if l.reporter != nil {
		l.reporter.ConnectEnd(t, blockIndex, responseCode, responseHeader)
	}
}

func (l *getListener) FetchStart(t *task.Task, blockIndex int, contentLength int64) {
	if l.reporter != nil {
		l.reporter.FetchStart(t, blockIndex, contentLength)
	}
}

func (l *getListener) FetchProgress(t *task.Task, blockIndex int, increaseBytes int64) {
	if l.reporter != nil {
		l.reporter.FetchProgress(t, blockIndex, increaseBytes)
	}
}

func (l *getListener) FetchEnd(t *task.Task, blockIndex int, contentLength int64) {
	if l.reporter != nil {
		l.reporter.FetchEnd(t, blockIndex, contentLength)
	}
}

func (l *getListener) TaskEnd(t *task.Task, endCause cause.EndCause, err error) {
	l.endCause = endCause
	l.endErr = err
	if l.reporter != nil {
		l.reporter.TaskEnd(t, endCause, err)
	}
}
