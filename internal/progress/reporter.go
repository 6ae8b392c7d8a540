package progress

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"downpour/internal/breakpoint"
	"downpour/internal/cause"
	"downpour/internal/task"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter outputs human-readable progress information. It implements
// the engine's listener interface and drives its own display loop
// between TaskStart and TaskEnd.
type Reporter struct {
	opts Options

	totalSize   atomic.Int64
	totalBlocks atomic.Int32
	fetched     atomic.Int64
	completed   atomic.Int32
	inProgress  atomic.Int32

	mu         sync.Mutex
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	stopCh     chan struct{}
	stopped    bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// TaskStart prints the header and starts the display loop.
func (r *Reporter) TaskStart(t *task.Task) {
	r.mu.Lock()
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[downpour] Downloading: %s\n", t.URL())
	go r.updateLoop()
}

// ProbeStart is a display no-op.
func (r *Reporter) ProbeStart(t *task.Task, requestHeader http.Header) {}

// ProbeEnd is a display no-op.
func (r *Reporter) ProbeEnd(t *task.Task, responseCode int, responseHeader http.Header) {}

// FromBeginning resets the counters to the fresh layout.
func (r *Reporter) FromBeginning(t *task.Task, info *breakpoint.Info, reason cause.ResumeFailedCause) {
	r.adopt(info)
	fmt.Fprintf(r.opts.Output, "[downpour] Starting fresh (%s): %s | Blocks: %d\n",
		reason, formatBytes(info.TotalLength()), info.BlockCount())
}

// FromBreakpoint seeds the counters with the reused progress.
func (r *Reporter) FromBreakpoint(t *task.Task, info *breakpoint.Info) {
	r.adopt(info)
	fmt.Fprintf(r.opts.Output, "[downpour] Resuming: %s / %s | Blocks: %d\n",
		formatBytes(info.Offset()), formatBytes(info.TotalLength()), info.BlockCount())
}

func (r *Reporter) adopt(info *breakpoint.Info) {
	r.totalSize.Store(info.TotalLength())
	r.totalBlocks.Store(int32(info.BlockCount()))
	r.fetched.Store(info.Offset())

	var done int32
	for i := 0; i < info.BlockCount(); i++ {
		if info.Block(i).Complete() {
			done++
		}
	}
	r.completed.Store(done)

	r.mu.Lock()
	r.lastBytes = info.Offset()
	r.mu.Unlock()
}

// ConnectStart is a display no-op.
func (r *Reporter) ConnectStart(t *task.Task, blockIndex int, requestHeader http.Header) {}

// ConnectEnd is a display no-op.
func (r *Reporter) ConnectEnd(t *task.Task, blockIndex int, responseCode int, responseHeader http.Header) {
}

// FetchStart marks a block as in progress.
func (r *Reporter) FetchStart(t *task.Task, blockIndex int, contentLength int64) {
	r.inProgress.Add(1)
}

// FetchProgress accumulates fetched bytes.
func (r *Reporter) FetchProgress(t *task.Task, blockIndex int, increaseBytes int64) {
	r.fetched.Add(increaseBytes)
}

// FetchEnd marks a block as completed.
func (r *Reporter) FetchEnd(t *task.Task, blockIndex int, contentLength int64) {
	r.completed.Add(1)
	r.inProgress.Add(-1)
}

// TaskEnd stops the display loop and prints the final status.
func (r *Reporter) TaskEnd(t *task.Task, endCause cause.EndCause, err error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	r.printFinalStatus(endCause, err)
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	totalSize := r.totalSize.Load()
	fetched := r.fetched.Load()
	completed := int(r.completed.Load())
	inProgress := int(r.inProgress.Load())

	r.mu.Lock()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	bytesThisPeriod := fetched - r.lastBytes
	r.lastUpdate = now
	r.lastBytes = fetched
	r.mu.Unlock()

	speed := float64(bytesThisPeriod) / elapsed

	var percent float64
	var eta string
	if totalSize > 0 {
		percent = float64(fetched) / float64(totalSize) * 100
		if speed > 0 {
			remaining := float64(totalSize - fetched)
			etaSeconds := remaining / speed
			eta = formatDuration(time.Duration(etaSeconds * float64(time.Second)))
		} else {
			eta = "calculating..."
		}
	}

	pending := int(r.totalBlocks.Load()) - completed - inProgress
	if pending < 0 {
		pending = 0
	}

	fmt.Fprintf(r.opts.Output, "\r[downpour] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s    ",
		percent,
		formatBytes(fetched),
		formatBytes(totalSize),
		formatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "\n[downpour] Blocks: %d completed | %d in-progress | %d pending    \033[A",
		completed,
		inProgress,
		pending,
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus(endCause cause.EndCause, err error) {
	fetched := r.fetched.Load()

	r.mu.Lock()
	duration := time.Since(r.startTime)
	r.mu.Unlock()

	avgSpeed := float64(fetched) / duration.Seconds()

	if endCause == cause.Completed {
		fmt.Fprintf(r.opts.Output, "\r[downpour] Progress: 100.0%% | %s / %s | Speed: %s/s | Complete!    \n",
			formatBytes(fetched),
			formatBytes(r.totalSize.Load()),
			formatBytes(int64(avgSpeed)),
		)
		fmt.Fprintf(r.opts.Output, "[downpour] Total time: %s | Average speed: %s/s\n",
			formatDuration(duration),
			formatBytes(int64(avgSpeed)),
		)
		return
	}

	fmt.Fprintf(r.opts.Output, "\r[downpour] Ended: %s | %s fetched", endCause, formatBytes(fetched))
	if err != nil {
		fmt.Fprintf(r.opts.Output, " | %v", err)
	}
	fmt.Fprintln(r.opts.Output)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string (e.g., "64MB").
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = trimSuffix(s, " ")

	switch {
	case hasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "KB"):
		multiplier = 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	var value float64
	_, err := fmt.Sscanf(s, "%f", &value)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	for hasSuffix(s, suffix) {
		s = s[:len(s)-len(suffix)]
	}
	return s
}
