package call

import (
	"context"
	"fmt"
	"io"
	"sync"

	"downpour/internal/breakpoint"
	"downpour/internal/event"
	httpx "downpour/internal/http"
	"downpour/internal/task"
)

// Runner is one concurrent unit of work transferring a single block.
// Run blocks until the unit settles; Cancel requests a cooperative stop
// and never waits for it.
type Runner interface {
	Run(ctx context.Context)
	Cancel()
}

// ChainFactory builds the Runner for one incomplete block.
type ChainFactory func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner

const (
	fetchBufSize = 64 * 1024
	// syncBytes is how many fetched bytes a chain accumulates before
	// persisting progress, so a crash loses at most this much per block.
	syncBytes = 8 * 1024 * 1024
)

// chain fetches one block with a range request and writes it to the
// attempt's sink at the block's absolute offsets. Transfer-level retry
// lives in the HTTP client; failures that survive it are recorded on
// the cache, never returned.
type chain struct {
	index  int
	task   *task.Task
	info   *breakpoint.Info
	cache  *Cache
	client *httpx.Client
	events *event.Dispatcher
	store  breakpoint.Store

	mu       sync.Mutex
	canceled bool
	stop     context.CancelFunc
}

func newChain(index int, t *task.Task, info *breakpoint.Info, cache *Cache,
	client *httpx.Client, events *event.Dispatcher, store breakpoint.Store) *chain {
	return &chain{
		index:  index,
		task:   t,
		info:   info,
		cache:  cache,
		client: client,
		events: events,
		store:  store,
	}
}

// Cancel requests a cooperative stop. Safe before, during and after Run.
func (ch *chain) Cancel() {
	ch.mu.Lock()
	ch.canceled = true
	stop := ch.stop
	ch.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Run transfers the block. It returns when the block is done, the
// transfer failed, or cancellation was observed; the outcome lands on
// the cache.
func (ch *chain) Run(parent context.Context) {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	ch.mu.Lock()
	ch.stop = stop
	canceled := ch.canceled
	ch.mu.Unlock()
	if canceled || ch.cache.IsInterrupted() {
		return
	}

	block := ch.info.Block(ch.index)

	ch.events.ConnectStart(ch.task, ch.index, ch.task.Header())
	resp, err := ch.client.GetRange(ctx, ch.task.URL(), ch.task.Header(),
		ch.info.ETag(), block.RangeStart(), block.RangeEnd())
	if err != nil {
		ch.record(ctx, err)
		return
	}
	defer resp.Body.Close()
	ch.events.ConnectEnd(ch.task, ch.index, resp.Code, resp.Header)

	ch.events.FetchStart(ch.task, ch.index, resp.ContentLength)
	if err := ch.fetch(ctx, block, resp.Body); err != nil {
		ch.record(ctx, err)
		return
	}
	ch.events.FetchEnd(ch.task, ch.index, block.Fetched())
}

// fetch copies the response body into the sink at the block's offsets.
func (ch *chain) fetch(ctx context.Context, block *breakpoint.Block, body io.Reader) error {
	sink := ch.cache.Sink()
	buf := make([]byte, fetchBufSize)
	var sinceSync int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ch.cache.IsInterrupted() {
			return nil
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := sink.WriteAt(buf[:n], block.RangeStart()); err != nil {
				return fmt.Errorf("write block %d: %w", ch.index, err)
			}
			block.Advance(int64(n))
			sinceSync += int64(n)
			ch.events.FetchProgress(ch.task, ch.index, int64(n))

			if sinceSync >= syncBytes {
				sinceSync = 0
				// Best effort; the blocks on disk are rediscovered from
				// the next successful sync on resume.
				ch.store.Update(ctx, ch.info)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read block %d: %w", ch.index, readErr)
		}
	}

	if block.ContentLength() >= 0 && !block.Complete() {
		return fmt.Errorf("block %d: %w: got %d of %d bytes",
			ch.index, io.ErrUnexpectedEOF, block.Fetched(), block.ContentLength())
	}
	ch.store.Update(ctx, ch.info)
	return nil
}

// record puts a transfer failure on the cache. Cancellation is not a
// failure: the canceling side already marked the cache.
func (ch *chain) record(ctx context.Context, err error) {
	if ctx.Err() != nil {
		ch.mu.Lock()
		canceled := ch.canceled
		ch.mu.Unlock()
		if canceled || ch.cache.IsUserCanceled() {
			return
		}
	}
	ch.cache.Record(err)
}
