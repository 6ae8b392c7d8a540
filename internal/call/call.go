package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"downpour/internal/breakpoint"
	"downpour/internal/cause"
	"downpour/internal/event"
	httpx "downpour/internal/http"
	"downpour/internal/output"
	"downpour/internal/pool"
	"downpour/internal/task"
)

// maxRetryForPreconditionFailed bounds the restart budget of one
// attempt sequence: a precondition failure is retried exactly once, no
// matter how often it recurs.
const maxRetryForPreconditionFailed = 1

// defaultBlockSize is used when the deps leave BlockSize unset.
const defaultBlockSize = 64 * 1024 * 1024

// Deps wires a Call to its collaborators. Store, Files, Pool, Events
// and Client are required; the factory and hook fields default to the
// real implementations when nil.
type Deps struct {
	Store  breakpoint.Store
	Files  *output.Strategy
	Pool   *pool.Pool
	Events *event.Dispatcher
	Client *httpx.Client

	// BlockSize is the split size for fresh assemblies.
	BlockSize int64

	// NewRemoteCheck and NewLocalCheck build the resumption validators.
	NewRemoteCheck func(t *task.Task, info *breakpoint.Info) RemoteChecker
	NewLocalCheck  func(info *breakpoint.Info, sink *output.Sink) LocalChecker

	// NewChain builds the runner for one incomplete block.
	NewChain ChainFactory

	// InspectReuse, when set, may reject the attempt after the remote
	// probe, e.g. to deduplicate against an equivalent pending
	// transfer. A rejection is terminal and never retried.
	InspectReuse func(ctx context.Context, t *task.Task, info *breakpoint.Info, instanceLength int64) error

	// OnCanceled tells the external in-flight registry the call is no
	// longer active. Invoked from Cancel, outside the flag lock.
	OnCanceled func(c *Call)

	// OnFinished fires when Execute returns, whatever the outcome.
	OnFinished func(c *Call)
}

// Call owns one task's attempt sequence: the resumption decision, block
// splitting, concurrent dispatch, the single precondition retry,
// cancellation and the terminal classification. One Call spans all
// retries of the sequence; it is not reusable.
type Call struct {
	task *task.Task
	deps Deps

	// mu guards the canceled/finishing pair so "may I still proceed"
	// checks are atomic against a racing Cancel.
	mu        sync.Mutex
	canceled  bool
	finishing bool

	// cache is assigned at most once per attempt iteration and read by
	// a racing canceling goroutine, which must tolerate nil.
	cache atomic.Pointer[Cache]

	// chains is written only by the Execute goroutine; other goroutines
	// see it through snapshots taken under chainMu.
	chainMu sync.Mutex
	chains  []Runner
}

// New builds a Call for t.
func New(t *task.Task, deps Deps) *Call {
	if deps.BlockSize <= 0 {
		deps.BlockSize = defaultBlockSize
	}
	return &Call{task: t, deps: deps}
}

// Task returns the task this call transfers.
func (c *Call) Task() *task.Task { return c.task }

// Priority returns the task's scheduling priority. The external
// scheduler owns any ordering built on it.
func (c *Call) Priority() int { return c.task.Priority() }

// IsCanceled reports whether Cancel has taken effect.
func (c *Call) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// IsFinishing reports whether the call has begun finishing.
func (c *Call) IsFinishing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishing
}

// Cancel requests a cooperative stop of the whole sequence. It returns
// true on the first effective call and false when the call was already
// canceled or already finishing. Cancel may return before the block
// chains have released their resources; teardown is asynchronous.
func (c *Call) Cancel() bool {
	c.mu.Lock()
	if c.canceled || c.finishing {
		c.mu.Unlock()
		return false
	}
	c.canceled = true
	c.mu.Unlock()

	if c.deps.OnCanceled != nil {
		c.deps.OnCanceled(c)
	}

	if cache := c.cache.Load(); cache != nil {
		cache.SetUserCanceled()
	}

	// Snapshot so chain teardown never runs under chainMu, and request
	// a stop from each without waiting for acknowledgment.
	for _, ch := range c.snapshotChains() {
		ch.Cancel()
	}
	return true
}

// Execute runs the attempt sequence to its terminal outcome. It is the
// sequence's single thread of control and suspends only while waiting
// for dispatched chains to settle. The returned error is non-nil only
// for an interruption of that wait or a pool submission failure;
// every other failure is classified into the terminal notification.
func (c *Call) Execute(ctx context.Context) (err error) {
	if c.deps.OnFinished != nil {
		defer func() { c.deps.OnFinished(c) }()
	}

	store := c.deps.Store
	files := c.deps.Files
	events := c.deps.Events

	markErr := store.MarkAttemptStart(ctx, c.task.ID())
	events.TaskStart(c.task)

	retryCount := 0
	var info *breakpoint.Info
	var startErr error

	for {
		if c.IsCanceled() {
			break
		}

		// A store that cannot record the attempt cannot persist
		// progress either; terminal, like the lookup failure below.
		if markErr != nil {
			c.cache.Store(NewPreErrorCache(fmt.Errorf("call: mark attempt start: %w", markErr)))
			break
		}

		// 1. fetch or create the stored info. A failure here is
		// terminal for the whole sequence.
		var lookupErr error
		info, lookupErr = store.Lookup(ctx, c.task.ID())
		if errors.Is(lookupErr, breakpoint.ErrNotFound) {
			info, lookupErr = store.CreateAndPersist(ctx, c.task)
		}
		if lookupErr != nil {
			c.cache.Store(NewPreErrorCache(lookupErr))
			break
		}

		if c.IsCanceled() {
			break
		}

		// 2. attempt state: status cache and output sink.
		sink, sinkErr := files.NewSink(c.task)
		if sinkErr != nil {
			cache := NewCache(nil)
			if errors.Is(sinkErr, output.ErrFileBusy) {
				cache.SetFileBusyAfterRun()
			} else {
				cache.SetUnknownError(sinkErr)
			}
			c.cache.Store(cache)
			break
		}
		cache := NewCache(sink)
		c.cache.Store(cache)

		// 3. remote check.
		remote := c.newRemoteCheck(info)
		if checkErr := remote.Check(ctx); checkErr != nil {
			cache.Record(checkErr)
			break
		}

		// 4. give a pending equivalent transfer the chance to absorb
		// this one. A rejection is terminal, not retried.
		if inspect := c.deps.InspectReuse; inspect != nil {
			if inspectErr := inspect(ctx, c.task, info, remote.InstanceLength()); inspectErr != nil {
				cache.Record(inspectErr)
				break
			}
		}

		// 5. resumability branch.
		var asmErr error
		if remote.Resumable() {
			local := c.newLocalCheck(info, sink)
			local.Check()
			if local.Dirty() {
				asmErr = c.assembleFromBeginning(ctx, info, remote, local.Cause())
			} else {
				events.FromBreakpoint(c.task, info)
			}
		} else {
			asmErr = c.assembleFromBeginning(ctx, info, remote, remote.Cause())
		}
		if asmErr != nil {
			cache.SetUnknownError(asmErr)
			break
		}

		// 6. reserve output space before any chain writes.
		if allocErr := sink.Allocate(info.TotalLength()); allocErr != nil {
			cache.SetPreAllocateFailed(allocErr)
			break
		}

		// 7. split and run the incomplete blocks.
		if startErr = c.start(ctx, cache, info); startErr != nil {
			break
		}

		if c.IsCanceled() {
			break
		}

		// 8. single retry, only for a precondition failure.
		if cache.IsPreconditionFailed() && retryCount < maxRetryForPreconditionFailed {
			retryCount++
			if discardErr := store.Discard(ctx, c.task.ID()); discardErr != nil {
				cache.SetUnknownError(discardErr)
				break
			}
			if discardErr := files.DiscardPartial(c.task); discardErr != nil {
				cache.SetUnknownError(discardErr)
				break
			}
			sink.Close()
			continue
		}
		break
	}

	// Finish: no further chains will be started. The second finishing
	// write in finishSequence is deliberately idempotent.
	c.mu.Lock()
	c.finishing = true
	c.mu.Unlock()
	c.clearChains()

	cache := c.cache.Load()
	if startErr != nil {
		// The attempt was abandoned mid-dispatch; nothing terminal to
		// announce, but the partial output must not stay claimed.
		c.releaseSink(cache)
		return startErr
	}
	if c.IsCanceled() || cache == nil {
		// The canceling caller owns any terminal notification.
		c.releaseSink(cache)
		return nil
	}

	var endCause cause.EndCause
	var realCause error
	switch {
	case cache.IsServerCanceled() || cache.IsUnknownError() || cache.IsPreconditionFailed():
		endCause = cause.Error
		realCause = cache.RealCause()
	case cache.IsFileBusyAfterRun():
		endCause = cause.FileBusy
	case cache.IsPreAllocateFailed():
		endCause = cause.PreAllocateFailed
		realCause = cache.RealCause()
	default:
		endCause = cause.Completed
	}

	c.finishSequence(ctx, cache, endCause, realCause)
	return nil
}

// assembleFromBeginning destructively re-splits the info against the
// probed remote, persists the fresh layout and notifies the listener,
// carrying the cause that rejected the stored progress. A layout that
// cannot be persisted is an error: running on it anyway would let the
// stale stored layout resurface after a crash.
func (c *Call) assembleFromBeginning(ctx context.Context, info *breakpoint.Info,
	remote RemoteChecker, failedCause cause.ResumeFailedCause) error {
	info.Reassemble(remote.InstanceLength(), remote.AcceptsRanges(), c.deps.BlockSize)
	info.SetETag(remote.ETag())
	if err := c.deps.Store.Update(ctx, info); err != nil {
		return fmt.Errorf("call: persist reassembled layout: %w", err)
	}
	c.deps.Events.FromBeginning(c.task, info, failedCause)
	return nil
}

// start creates one chain per remaining incomplete block and runs them
// all on the shared pool, returning once every chain has settled.
func (c *Call) start(ctx context.Context, cache *Cache, info *breakpoint.Info) error {
	chains := make([]Runner, 0, info.BlockCount())
	for i := 0; i < info.BlockCount(); i++ {
		block := info.Block(i)
		if block.Complete() {
			continue
		}
		block.ResetIfDirty()
		chains = append(chains, c.newChain(i, info, cache))
	}

	if c.IsCanceled() {
		return nil
	}
	return c.startChains(ctx, chains)
}

// startChains submits every chain to the pool, exposes the full set for
// cancellation only after all submissions succeeded, and waits for each
// to settle. Chain outcomes are already on the cache; the wait itself
// surfaces only interruption. A submission failure force-cancels the
// chains submitted so far and propagates, abandoning the attempt.
func (c *Call) startChains(ctx context.Context, chains []Runner) error {
	handles := make([]*pool.Handle, 0, len(chains))
	for _, ch := range chains {
		ch := ch
		h, err := c.deps.Pool.Submit(
			fmt.Sprintf("block chain: %s", c.task.ID()),
			func() { ch.Run(ctx) },
		)
		if err != nil {
			for _, submitted := range chains[:len(handles)] {
				submitted.Cancel()
			}
			return fmt.Errorf("call: submit chain: %w", err)
		}
		handles = append(handles, h)
	}

	c.addChains(chains)
	defer c.removeChains(chains)

	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// finishSequence persists and announces the terminal outcome, unless a
// concurrent Cancel won the race, in which case it is a no-op.
func (c *Call) finishSequence(ctx context.Context, cache *Cache, endCause cause.EndCause, realCause error) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.finishing = true
	c.mu.Unlock()

	c.deps.Store.MarkAttemptEnd(ctx, c.task.ID(), endCause, realCause)

	if endCause == cause.Completed {
		if commitErr := c.deps.Files.Commit(ctx, cache.Sink(), c.task); commitErr != nil {
			// The bytes are all fetched but the output never reached its
			// final location; surface that instead of claiming success.
			endCause = cause.Error
			realCause = commitErr
			c.deps.Store.MarkAttemptEnd(ctx, c.task.ID(), endCause, realCause)
		}
	} else {
		c.releaseSink(cache)
	}

	c.deps.Events.TaskEnd(c.task, endCause, realCause)
}

// releaseSink closes the partial output without committing and drops
// the busy claim so a later attempt can pick the path up again. A cache
// without a sink never owned the claim, so there is nothing to drop;
// releasing anyway would steal the path from its actual owner.
func (c *Call) releaseSink(cache *Cache) {
	if cache == nil || cache.Sink() == nil {
		return
	}
	cache.Sink().Close()
	c.deps.Files.Release(c.task)
}

func (c *Call) newRemoteCheck(info *breakpoint.Info) RemoteChecker {
	if c.deps.NewRemoteCheck != nil {
		return c.deps.NewRemoteCheck(c.task, info)
	}
	return newRemoteCheck(c.task, info, c.deps.Client, c.deps.Events)
}

func (c *Call) newLocalCheck(info *breakpoint.Info, sink *output.Sink) LocalChecker {
	if c.deps.NewLocalCheck != nil {
		return c.deps.NewLocalCheck(info, sink)
	}
	return newLocalCheck(info, sink)
}

func (c *Call) newChain(index int, info *breakpoint.Info, cache *Cache) Runner {
	if c.deps.NewChain != nil {
		return c.deps.NewChain(index, c.task, info, cache)
	}
	return newChain(index, c.task, info, cache, c.deps.Client, c.deps.Events, c.deps.Store)
}

func (c *Call) addChains(chains []Runner) {
	c.chainMu.Lock()
	c.chains = append(c.chains, chains...)
	c.chainMu.Unlock()
}

func (c *Call) removeChains(chains []Runner) {
	c.chainMu.Lock()
	remaining := c.chains[:0]
	for _, existing := range c.chains {
		keep := true
		for _, removed := range chains {
			if existing == removed {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, existing)
		}
	}
	c.chains = remaining
	c.chainMu.Unlock()
}

func (c *Call) clearChains() {
	c.chainMu.Lock()
	c.chains = nil
	c.chainMu.Unlock()
}

func (c *Call) snapshotChains() []Runner {
	c.chainMu.Lock()
	snapshot := make([]Runner, len(c.chains))
	copy(snapshot, c.chains)
	c.chainMu.Unlock()
	return snapshot
}
