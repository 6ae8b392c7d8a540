// Package event carries lifecycle notifications from the engine to
// per-task listeners.
//
// The Dispatcher forwards each notification synchronously, on the
// calling goroutine, with arguments passed through unchanged; shared
// mutable inputs such as header maps are handed to listeners by
// reference. The Dispatcher itself imposes no ordering or buffering;
// any ordering a listener observes comes from the caller invoking the
// operations in a fixed sequence.
package event

import (
	"net/http"
	"sync"

	"downpour/internal/breakpoint"
	"downpour/internal/cause"
	"downpour/internal/task"
)

// Listener receives the lifecycle notifications of one task. All
// methods are invoked on the engine's goroutines; implementations that
// block stall the transfer.
type Listener interface {
	// TaskStart fires once per attempt sequence, before anything else.
	TaskStart(t *task.Task)

	// ProbeStart and ProbeEnd bracket the remote probe.
	ProbeStart(t *task.Task, requestHeader http.Header)
	ProbeEnd(t *task.Task, responseCode int, responseHeader http.Header)

	// FromBeginning fires when stored progress was rejected and the
	// transfer restarts fresh, carrying the rejection cause.
	FromBeginning(t *task.Task, info *breakpoint.Info, reason cause.ResumeFailedCause)
	// FromBreakpoint fires when stored progress is reused as-is.
	FromBreakpoint(t *task.Task, info *breakpoint.Info)

	// ConnectStart and ConnectEnd bracket one block's connection.
	ConnectStart(t *task.Task, blockIndex int, requestHeader http.Header)
	ConnectEnd(t *task.Task, blockIndex int, responseCode int, responseHeader http.Header)

	// FetchStart, FetchProgress and FetchEnd report one block's byte
	// transfer. FetchProgress carries the byte increase, not a total.
	FetchStart(t *task.Task, blockIndex int, contentLength int64)
	FetchProgress(t *task.Task, blockIndex int, increaseBytes int64)
	FetchEnd(t *task.Task, blockIndex int, contentLength int64)

	// TaskEnd fires exactly once per attempt sequence with the terminal
	// classification, unless the sequence was canceled.
	TaskEnd(t *task.Task, endCause cause.EndCause, err error)
}

// Dispatcher fans lifecycle notifications out to the listener
// registered for each task. Every operation is a no-op for a task with
// no registered listener.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewDispatcher returns a Dispatcher with no registrations.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[string]Listener)}
}

// Attach registers l as the listener for t, replacing any previous one.
func (d *Dispatcher) Attach(t *task.Task, l Listener) {
	d.mu.Lock()
	d.listeners[t.ID()] = l
	d.mu.Unlock()
}

// Detach removes the listener registered for t, if any.
func (d *Dispatcher) Detach(t *task.Task) {
	d.mu.Lock()
	delete(d.listeners, t.ID())
	d.mu.Unlock()
}

func (d *Dispatcher) listener(t *task.Task) Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners[t.ID()]
}

// TaskStart forwards to the task's listener.
func (d *Dispatcher) TaskStart(t *task.Task) {
	if l := d.listener(t); l != nil {
		l.TaskStart(t)
	}
}

// ProbeStart forwards to the task's listener.
func (d *Dispatcher) ProbeStart(t *task.Task, requestHeader http.Header) {
	if l := d.listener(t); l != nil {
		l.ProbeStart(t, requestHeader)
	}
}

// ProbeEnd forwards to the task's listener.
func (d *Dispatcher) ProbeEnd(t *task.Task, responseCode int, responseHeader http.Header) {
	if l := d.listener(t); l != nil {
		l.ProbeEnd(t, responseCode, responseHeader)
	}
}

// FromBeginning forwards to the task's listener.
func (d *Dispatcher) FromBeginning(t *task.Task, info *breakpoint.Info, reason cause.ResumeFailedCause) {
	if l := d.listener(t); l != nil {
		l.FromBeginning(t, info, reason)
	}
}

// FromBreakpoint forwards to the task's listener.
func (d *Dispatcher) FromBreakpoint(t *task.Task, info *breakpoint.Info) {
	if l := d.listener(t); l != nil {
		l.FromBreakpoint(t, info)
	}
}

// ConnectStart forwards to the task's listener.
func (d *Dispatcher) ConnectStart(t *task.Task, blockIndex int, requestHeader http.Header) {
	if l := d.listener(t); l != nil {
		l.ConnectStart(t, blockIndex, requestHeader)
	}
}

// ConnectEnd forwards to the task's listener.
func (d *Dispatcher) ConnectEnd(t *task.Task, blockIndex int, responseCode int, responseHeader http.Header) {
	if l := d.listener(t); l != nil {
		l.ConnectEnd(t, blockIndex, responseCode, responseHeader)
	}
}

// FetchStart forwards to the task's listener.
func (d *Dispatcher) FetchStart(t *task.Task, blockIndex int, contentLength int64) {
	if l := d.listener(t); l != nil {
		l.FetchStart(t, blockIndex, contentLength)
	}
}

// FetchProgress forwards to the task's listener.
func (d *Dispatcher) FetchProgress(t *task.Task, blockIndex int, increaseBytes int64) {
	if l := d.listener(t); l != nil {
		l.FetchProgress(t, blockIndex, increaseBytes)
	}
}

// FetchEnd forwards to the task's listener.
func (d *Dispatcher) FetchEnd(t *task.Task, blockIndex int, contentLength int64) {
	if l := d.listener(t); l != nil {
		l.FetchEnd(t, blockIndex, contentLength)
	}
}

// TaskEnd forwards to the task's listener.
func (d *Dispatcher) TaskEnd(t *task.Task, endCause cause.EndCause, err error) {
	if l := d.listener(t); l != nil {
		l.TaskEnd(t, endCause, err)
	}
}
