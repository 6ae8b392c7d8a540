package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gocloud.dev/blob"

	"downpour/internal/task"
)

// ErrFileBusy is returned by NewSink when another live task already
// owns the same output path.
var ErrFileBusy = errors.New("output: file busy")

// PartSuffix is appended to the final path while the transfer runs.
// The name is deterministic so a later attempt finds the partial file.
const PartSuffix = ".part"

// Strategy owns output files: partial sinks during a transfer, the
// commit to the final location, and discarding failed partials. An
// optional bucket mirrors committed files to object storage.
type Strategy struct {
	bucket *blob.Bucket

	mu   sync.Mutex
	busy map[string]string // final path -> owning task ID
}

// Option is a functional option for configuring a Strategy.
type Option func(*Strategy)

// WithBucket mirrors every committed file into the bucket, keyed by the
// output file name. The Strategy does not close the bucket.
func WithBucket(b *blob.Bucket) Option {
	return func(s *Strategy) {
		s.bucket = b
	}
}

// NewStrategy builds a Strategy.
func NewStrategy(options ...Option) *Strategy {
	s := &Strategy{busy: make(map[string]string)}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sink is the writable handle for one attempt's partial output.
type Sink struct {
	f        *os.File
	partPath string
	final    string
}

// NewSink opens (creating if needed) the partial file for t and claims
// the output path. Returns ErrFileBusy when a different live task holds
// the same path; the claim is released by Commit or Release.
func (s *Strategy) NewSink(t *task.Task) (*Sink, error) {
	final := t.OutputPath()

	s.mu.Lock()
	if owner, ok := s.busy[final]; ok && owner != t.ID() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by another task", ErrFileBusy, final)
	}
	s.busy[final] = t.ID()
	s.mu.Unlock()

	if dir := filepath.Dir(final); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.release(final)
			return nil, fmt.Errorf("output: create dir: %w", err)
		}
	}

	f, err := os.OpenFile(final+PartSuffix, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		s.release(final)
		return nil, fmt.Errorf("output: open partial file: %w", err)
	}
	return &Sink{f: f, partPath: final + PartSuffix, final: final}, nil
}

// Allocate reserves space for the whole transfer. Failures surface to
// the orchestrator as a pre-allocation error.
func (snk *Sink) Allocate(total int64) error {
	if total < 0 {
		return nil
	}
	if err := snk.f.Truncate(total); err != nil {
		return fmt.Errorf("output: pre-allocate %d bytes: %w", total, err)
	}
	return nil
}

// WriteAt writes p at the absolute offset off.
func (snk *Sink) WriteAt(p []byte, off int64) (int, error) {
	return snk.f.WriteAt(p, off)
}

// Size returns the current size of the partial file.
func (snk *Sink) Size() (int64, error) {
	fi, err := snk.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Close closes the underlying file without committing.
func (snk *Sink) Close() error {
	return snk.f.Close()
}

// Commit finalizes the sink: sync, close, rename to the final path,
// mirror to the bucket when one is configured, and release the claim.
func (s *Strategy) Commit(ctx context.Context, snk *Sink, t *task.Task) error {
	defer s.release(snk.final)

	if err := snk.f.Sync(); err != nil {
		snk.f.Close()
		return fmt.Errorf("output: sync: %w", err)
	}
	if err := snk.f.Close(); err != nil {
		return fmt.Errorf("output: close: %w", err)
	}
	if err := os.Rename(snk.partPath, snk.final); err != nil {
		return fmt.Errorf("output: rename to final: %w", err)
	}

	if s.bucket != nil {
		if err := s.mirror(ctx, snk.final); err != nil {
			return err
		}
	}
	return nil
}

// mirror uploads the committed file to the configured bucket.
func (s *Strategy) mirror(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("output: open for mirror: %w", err)
	}
	defer f.Close()

	w, err := s.bucket.NewWriter(ctx, filepath.Base(path), nil)
	if err != nil {
		return fmt.Errorf("output: create mirror writer: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("output: mirror copy: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("output: close mirror writer: %w", err)
	}
	return nil
}

// DiscardPartial removes the partial file for t. Used before the single
// precondition retry; a removal failure is a storage error.
func (s *Strategy) DiscardPartial(t *task.Task) error {
	if err := os.Remove(t.OutputPath() + PartSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("output: discard partial: %w", err)
	}
	return nil
}

// Release drops the claim on t's output path without committing.
func (s *Strategy) Release(t *task.Task) {
	s.release(t.OutputPath())
}

func (s *Strategy) release(final string) {
	s.mu.Lock()
	delete(s.busy, final)
	s.mu.Unlock()
}
