package call

import (
	"errors"
	"sync"

	httpx "downpour/internal/http"
	"downpour/internal/output"
)

// Cache aggregates the status of one attempt: the first recorded error
// and the terminal flags the classification reads. Each flag has a
// single writer; reads are safe from any goroutine. The orchestrator
// holds at most one Cache per attempt and a racing canceling goroutine
// must tolerate the reference not being assigned yet.
type Cache struct {
	sink *output.Sink

	mu                 sync.Mutex
	err                error
	preconditionFailed bool
	serverCanceled     bool
	unknownError       bool
	userCanceled       bool
	fileBusyAfterRun   bool
	preAllocateFailed  bool
}

// NewCache builds a Cache for an attempt writing to sink.
func NewCache(sink *output.Sink) *Cache {
	return &Cache{sink: sink}
}

// NewPreErrorCache builds a Cache recording an error that occurred
// before any attempt state existed.
func NewPreErrorCache(err error) *Cache {
	c := &Cache{}
	c.SetUnknownError(err)
	return c
}

// Sink returns the attempt's output sink, nil for a pre-error cache.
func (c *Cache) Sink() *output.Sink { return c.sink }

// Record classifies err by kind and stores it: precondition failures
// feed the retry decision, remote rejections become server-canceled,
// an occupied output path becomes file-busy, anything else is an
// unknown error.
func (c *Cache) Record(err error) {
	switch {
	case errors.Is(err, httpx.ErrPreconditionFailed):
		c.SetPreconditionFailed(err)
	case errors.Is(err, httpx.ErrNotFound),
		errors.Is(err, httpx.ErrForbidden),
		errors.Is(err, httpx.ErrUnauthorized),
		errors.Is(err, httpx.ErrServerError):
		c.SetServerCanceled(err)
	case errors.Is(err, output.ErrFileBusy):
		c.SetFileBusyAfterRun()
	default:
		c.SetUnknownError(err)
	}
}

// SetPreconditionFailed records err and flags the attempt for the
// orchestrator's single retry.
func (c *Cache) SetPreconditionFailed(err error) {
	c.mu.Lock()
	c.preconditionFailed = true
	c.err = err
	c.mu.Unlock()
}

// SetServerCanceled records a remote rejection.
func (c *Cache) SetServerCanceled(err error) {
	c.mu.Lock()
	c.serverCanceled = true
	c.err = err
	c.mu.Unlock()
}

// SetUnknownError records an unclassified failure.
func (c *Cache) SetUnknownError(err error) {
	c.mu.Lock()
	c.unknownError = true
	c.err = err
	c.mu.Unlock()
}

// SetUserCanceled marks the attempt canceled by the user.
func (c *Cache) SetUserCanceled() {
	c.mu.Lock()
	c.userCanceled = true
	c.mu.Unlock()
}

// SetFileBusyAfterRun marks the output path as occupied by another task.
func (c *Cache) SetFileBusyAfterRun() {
	c.mu.Lock()
	c.fileBusyAfterRun = true
	c.mu.Unlock()
}

// SetPreAllocateFailed records a failed output space reservation.
func (c *Cache) SetPreAllocateFailed(err error) {
	c.mu.Lock()
	c.preAllocateFailed = true
	c.err = err
	c.mu.Unlock()
}

// IsPreconditionFailed reports the precondition-failed flag.
func (c *Cache) IsPreconditionFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preconditionFailed
}

// IsServerCanceled reports the server-canceled flag.
func (c *Cache) IsServerCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCanceled
}

// IsUnknownError reports the unknown-error flag.
func (c *Cache) IsUnknownError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unknownError
}

// IsUserCanceled reports the user-canceled flag.
func (c *Cache) IsUserCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userCanceled
}

// IsFileBusyAfterRun reports the file-busy flag.
func (c *Cache) IsFileBusyAfterRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileBusyAfterRun
}

// IsPreAllocateFailed reports the pre-allocate-failed flag.
func (c *Cache) IsPreAllocateFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preAllocateFailed
}

// IsInterrupted reports whether chains should stop early: the attempt
// was canceled or has already failed.
func (c *Cache) IsInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userCanceled || c.serverCanceled || c.unknownError || c.preconditionFailed
}

// RealCause returns the recorded error, nil if none.
func (c *Cache) RealCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
