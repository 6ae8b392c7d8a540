// Package call drives one task's transfer from first byte to terminal
// outcome.
//
// A Call owns the full attempt sequence: it loads or creates the stored
// breakpoint info, probes the remote to decide between resuming and
// starting over, splits the remaining bytes into blocks, runs one chain
// per incomplete block on the shared pool and classifies the result.
//
// # Lifecycle
//
// The entry point is Execute:
//
//	c := call.New(t, call.Deps{
//	    Store:  store,
//	    Files:  files,
//	    Pool:   p,
//	    Events: events,
//	    Client: client,
//	})
//	err := c.Execute(ctx)
//
// Execute suspends while chains run and returns once the terminal
// TaskEnd notification has fired (or the call was canceled, in which
// case the canceling caller announces the outcome itself).
//
// # Retry
//
// When the stored validator no longer matches the remote resource, the
// chains fail with a precondition error; Execute discards the stale
// state and restarts the sequence exactly once.
//
// # Cancellation
//
// Cancel is safe from any goroutine. It flips the call into a canceled
// state, marks the status cache and asks every live chain to stop
// without waiting for them. Cancel after the call began finishing is a
// no-op reporting false.
package call
