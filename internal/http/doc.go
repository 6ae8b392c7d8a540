// Package http provides the HTTP client used for remote probes and
// block-range fetches.
//
// The client is tuned for many concurrent range requests against one
// host. Transient failures (connection errors, 5xx) are retried with
// exponential backoff and jitter inside the client, so callers see a
// single success or a single terminal error per operation.
//
// Precondition handling: range fetches carry the stored ETag as an
// If-Match header. A 412 or 416 response surfaces as
// [ErrPreconditionFailed] and is never retried here. Restarting the
// transfer against the changed resource is the orchestrator's decision.
package http
