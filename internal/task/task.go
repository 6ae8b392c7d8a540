// Package task defines the immutable transfer descriptor.
package task

import (
	"net/http"

	"github.com/google/uuid"
)

// Task describes one transfer. It is constructed once and only read
// afterwards; all mutable attempt state lives elsewhere.
type Task struct {
	id         string
	url        string
	outputPath string
	priority   int
	header     http.Header
}

// Option is a functional option for constructing a Task.
type Option func(*Task)

// WithPriority sets the scheduling priority. Higher runs earlier; the
// external scheduler owns the ordering.
func WithPriority(p int) Option {
	return func(t *Task) {
		t.priority = p
	}
}

// WithHeader sets extra request headers sent on every probe and fetch.
func WithHeader(h http.Header) Option {
	return func(t *Task) {
		t.header = h
	}
}

// New builds a Task for downloading url to outputPath. The identity is
// derived deterministically from the pair, so resubmitting the same
// transfer finds the same stored progress.
func New(url, outputPath string, options ...Option) *Task {
	t := &Task{
		id:         uuid.NewSHA1(uuid.NameSpaceURL, []byte(url+"\x00"+outputPath)).String(),
		url:        url,
		outputPath: outputPath,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// ID returns the stable task identity.
func (t *Task) ID() string { return t.id }

// URL returns the source URL.
func (t *Task) URL() string { return t.url }

// OutputPath returns the final destination path.
func (t *Task) OutputPath() string { return t.outputPath }

// Priority returns the scheduling priority.
func (t *Task) Priority() int { return t.priority }

// Header returns the extra request headers, possibly nil.
func (t *Task) Header() http.Header { return t.header }
