package call

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"downpour/internal/breakpoint"
	"downpour/internal/cause"
	"downpour/internal/event"
	httpx "downpour/internal/http"
	"downpour/internal/output"
	"downpour/internal/pool"
	"downpour/internal/task"
	"downpour/internal/testutils"
)

// recordingListener captures notifications for assertions.
type recordingListener struct {
	mu    sync.Mutex
	calls []string

	fromBeginningReason cause.ResumeFailedCause
	endCount            int
	endCause            cause.EndCause
	endErr              error
}

func (r *recordingListener) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recordingListener) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingListener) count(name string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recordingListener) TaskStart(t *task.Task)                      { r.add("TaskStart") }
func (r *recordingListener) ProbeStart(t *task.Task, h http.Header)      { r.add("ProbeStart") }
func (r *recordingListener) ProbeEnd(t *task.Task, c int, h http.Header) { r.add("ProbeEnd") }
func (r *recordingListener) FromBeginning(t *task.Task, info *breakpoint.Info, reason cause.ResumeFailedCause) {
	r.mu.Lock()
	r.fromBeginningReason = reason
	r.mu.Unlock()
	r.add("FromBeginning")
}
func (r *recordingListener) FromBreakpoint(t *task.Task, info *breakpoint.Info) {
	r.add("FromBreakpoint")
}
func (r *recordingListener) ConnectStart(t *task.Task, i int, h http.Header) { r.add("ConnectStart") }
func (r *recordingListener) ConnectEnd(t *task.Task, i, c int, h http.Header) {
	r.add("ConnectEnd")
}
func (r *recordingListener) FetchStart(t *task.Task, i int, n int64)    { r.add("FetchStart") }
func (r *recordingListener) FetchProgress(t *task.Task, i int, n int64) { r.add("FetchProgress") }
func (r *recordingListener) FetchEnd(t *task.Task, i int, n int64)      { r.add("FetchEnd") }
func (r *recordingListener) TaskEnd(t *task.Task, endCause cause.EndCause, err error) {
	r.mu.Lock()
	r.endCount++
	r.endCause = endCause
	r.endErr = err
	r.mu.Unlock()
	r.add("TaskEnd")
}

// fakeRemote is a canned RemoteChecker.
type fakeRemote struct {
	checkErr    error
	resumable   bool
	length      int64
	ranges      bool
	etag        string
	failedCause cause.ResumeFailedCause
}

func (f *fakeRemote) Check(ctx context.Context) error { return f.checkErr }
func (f *fakeRemote) Resumable() bool                 { return f.resumable }
func (f *fakeRemote) InstanceLength() int64           { return f.length }
func (f *fakeRemote) AcceptsRanges() bool             { return f.ranges }
func (f *fakeRemote) ETag() string                    { return f.etag }
func (f *fakeRemote) Cause() cause.ResumeFailedCause  { return f.failedCause }

// fakeLocal is a canned LocalChecker.
type fakeLocal struct {
	dirty       bool
	failedCause cause.ResumeFailedCause
}

func (f *fakeLocal) Check()                         {}
func (f *fakeLocal) Dirty() bool                    { return f.dirty }
func (f *fakeLocal) Cause() cause.ResumeFailedCause { return f.failedCause }

// fakeRunner runs a canned function.
type fakeRunner struct {
	run      func(ctx context.Context)
	canceled atomic.Bool
}

func (r *fakeRunner) Run(ctx context.Context) {
	if r.run != nil {
		r.run(ctx)
	}
}

func (r *fakeRunner) Cancel() { r.canceled.Store(true) }

type callFixture struct {
	t        *testing.T
	task     *task.Task
	store    breakpoint.Store
	files    *output.Strategy
	pool     *pool.Pool
	events   *event.Dispatcher
	listener *recordingListener
}

func newCallFixture(t *testing.T) *callFixture {
	t.Helper()

	f := &callFixture{
		t:        t,
		task:     task.New("http://example.com/f.bin", filepath.Join(t.TempDir(), "out.bin")),
		store:    breakpoint.NewMemoryStore(),
		files:    output.NewStrategy(),
		pool:     pool.New(time.Second),
		events:   event.NewDispatcher(),
		listener: &recordingListener{},
	}
	t.Cleanup(f.pool.Shutdown)
	f.events.Attach(f.task, f.listener)
	return f
}

// deps wires the fixture with a canned remote, a clean local check and
// the supplied chain factory.
func (f *callFixture) deps(remote *fakeRemote, local *fakeLocal, factory ChainFactory) Deps {
	return Deps{
		Store:     f.store,
		Files:     f.files,
		Pool:      f.pool,
		Events:    f.events,
		BlockSize: 1024,
		NewRemoteCheck: func(t *task.Task, info *breakpoint.Info) RemoteChecker {
			return remote
		},
		NewLocalCheck: func(info *breakpoint.Info, sink *output.Sink) LocalChecker {
			return local
		},
		NewChain: factory,
	}
}

// completingFactory builds runners that mark their block fully fetched.
func completingFactory(created *atomic.Int32) ChainFactory {
	return func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner {
		if created != nil {
			created.Add(1)
		}
		return &fakeRunner{run: func(ctx context.Context) {
			b := info.Block(blockIndex)
			if b.ContentLength() >= 0 {
				b.SetFetched(b.ContentLength())
			}
		}}
	}
}

func TestCancelReturnsTrueOnce(t *testing.T) {
	f := newCallFixture(t)
	var hookCalls atomic.Int32

	deps := f.deps(&fakeRemote{}, &fakeLocal{}, nil)
	deps.OnCanceled = func(c *Call) { hookCalls.Add(1) }
	c := New(f.task, deps)

	if !c.Cancel() {
		t.Error("first Cancel = false, want true")
	}
	if c.Cancel() {
		t.Error("second Cancel = true, want false")
	}
	if got := hookCalls.Load(); got != 1 {
		t.Errorf("OnCanceled ran %d times, want 1", got)
	}
	if !c.IsCanceled() {
		t.Error("IsCanceled = false after Cancel")
	}
}

func TestCancelAfterFinishReturnsFalse(t *testing.T) {
	f := newCallFixture(t)
	remote := &fakeRemote{length: 256, ranges: true, etag: "v1", failedCause: cause.FileNotExist}
	c := New(f.task, f.deps(remote, &fakeLocal{}, completingFactory(nil)))

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if c.Cancel() {
		t.Error("Cancel after finish = true, want false")
	}
}

func TestExecuteCompletes(t *testing.T) {
	f := newCallFixture(t)
	var created atomic.Int32
	remote := &fakeRemote{length: 256, ranges: true, etag: "v1", failedCause: cause.FileNotExist}
	var finished atomic.Int32

	deps := f.deps(remote, &fakeLocal{}, completingFactory(&created))
	deps.OnFinished = func(c *Call) { finished.Add(1) }
	c := New(f.task, deps)

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if f.listener.endCount != 1 {
		t.Fatalf("TaskEnd fired %d times, want 1", f.listener.endCount)
	}
	if f.listener.endCause != cause.Completed {
		t.Errorf("end cause = %v (%v), want Completed", f.listener.endCause, f.listener.endErr)
	}
	if f.listener.count("TaskStart") != 1 {
		t.Error("TaskStart did not fire exactly once")
	}
	if f.listener.fromBeginningReason != cause.FileNotExist {
		t.Errorf("FromBeginning reason = %v, want FileNotExist", f.listener.fromBeginningReason)
	}
	if got := created.Load(); got != 1 {
		t.Errorf("chains created = %d, want 1", got)
	}
	if got := finished.Load(); got != 1 {
		t.Errorf("OnFinished ran %d times, want 1", got)
	}

	// Committed: final file present, partial gone.
	if _, err := os.Stat(f.task.OutputPath()); err != nil {
		t.Errorf("final file missing: %v", err)
	}
	if _, err := os.Stat(f.task.OutputPath() + output.PartSuffix); !os.IsNotExist(err) {
		t.Error("partial file still present after commit")
	}

	summaries, err := f.store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 || summaries[0].EndCause != cause.Completed.String() {
		t.Errorf("stored outcome = %+v, want completed", summaries)
	}
}

func TestExecuteSkipsCompleteBlocks(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	info, err := f.store.CreateAndPersist(ctx, f.task)
	if err != nil {
		t.Fatalf("CreateAndPersist: %v", err)
	}
	info.Reassemble(4096, true, 1024)
	info.SetETag("v1")
	info.Block(0).SetFetched(1024)
	info.Block(1).SetFetched(512)

	var indices []int
	var mu sync.Mutex
	factory := func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner {
		mu.Lock()
		indices = append(indices, blockIndex)
		mu.Unlock()
		return completingFactory(nil)(blockIndex, t, info, cache)
	}

	remote := &fakeRemote{resumable: true, length: 4096, ranges: true, etag: "v1"}
	c := New(f.task, f.deps(remote, &fakeLocal{}, factory))

	if err := c.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	got := append([]int(nil), indices...)
	mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("chains created for %v, want the 3 incomplete blocks", got)
	}
	for _, idx := range got {
		if idx == 0 {
			t.Error("a chain was created for the complete block")
		}
	}

	if f.listener.count("FromBreakpoint") != 1 {
		t.Error("FromBreakpoint did not fire")
	}
	if f.listener.count("FromBeginning") != 0 {
		t.Error("FromBeginning fired despite clean resumable state")
	}
	if info.BlockCount() != 4 {
		t.Errorf("layout was reassembled: %d blocks, want 4", info.BlockCount())
	}
	if info.Block(1).Fetched() < 512 {
		t.Error("partial progress was discarded")
	}
}

func TestExecuteRetriesPreconditionOnce(t *testing.T) {
	f := newCallFixture(t)
	var created atomic.Int32

	factory := func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner {
		created.Add(1)
		return &fakeRunner{run: func(ctx context.Context) {
			cache.Record(httpx.ErrPreconditionFailed)
		}}
	}

	remote := &fakeRemote{length: 256, ranges: true, etag: "v1", failedCause: cause.FileNotExist}
	c := New(f.task, f.deps(remote, &fakeLocal{}, factory))

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// One fresh assembly per attempt, exactly two attempts.
	if got := created.Load(); got != 2 {
		t.Errorf("chains created = %d, want 2", got)
	}
	if got := f.listener.count("FromBeginning"); got != 2 {
		t.Errorf("FromBeginning fired %d times, want 2", got)
	}
	if f.listener.endCount != 1 {
		t.Fatalf("TaskEnd fired %d times, want 1", f.listener.endCount)
	}
	if f.listener.endCause != cause.Error {
		t.Errorf("end cause = %v, want Error", f.listener.endCause)
	}
	if !errors.Is(f.listener.endErr, httpx.ErrPreconditionFailed) {
		t.Errorf("end err = %v, want ErrPreconditionFailed", f.listener.endErr)
	}
}

func TestExecuteRemoteFailureStartsNothing(t *testing.T) {
	f := newCallFixture(t)
	var created atomic.Int32

	remote := &fakeRemote{checkErr: httpx.ErrNotFound}
	c := New(f.task, f.deps(remote, &fakeLocal{}, completingFactory(&created)))

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := created.Load(); got != 0 {
		t.Errorf("chains created = %d, want 0", got)
	}
	if f.listener.endCause != cause.Error {
		t.Errorf("end cause = %v, want Error", f.listener.endCause)
	}
	if !errors.Is(f.listener.endErr, httpx.ErrNotFound) {
		t.Errorf("end err = %v, want ErrNotFound", f.listener.endErr)
	}
	if got := f.listener.count("FromBeginning") + f.listener.count("FromBreakpoint"); got != 0 {
		t.Error("assembly notifications fired despite failed remote check")
	}
}

func TestExecuteDirtyLocalRestartsFresh(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	info, err := f.store.CreateAndPersist(ctx, f.task)
	if err != nil {
		t.Fatalf("CreateAndPersist: %v", err)
	}
	info.Reassemble(2048, true, 1024)
	info.Block(0).SetFetched(512)

	remote := &fakeRemote{resumable: true, length: 2048, ranges: true, etag: "v1"}
	local := &fakeLocal{dirty: true, failedCause: cause.InfoDirty}
	c := New(f.task, f.deps(remote, local, completingFactory(nil)))

	if err := c.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if f.listener.count("FromBeginning") != 1 {
		t.Fatal("FromBeginning did not fire")
	}
	if f.listener.fromBeginningReason != cause.InfoDirty {
		t.Errorf("reason = %v, want InfoDirty", f.listener.fromBeginningReason)
	}
	if f.listener.count("FromBreakpoint") != 0 {
		t.Error("FromBreakpoint fired despite dirty local state")
	}
}

func TestExecuteFileBusy(t *testing.T) {
	f := newCallFixture(t)

	// Another live task already owns the output path.
	owner := task.New("http://example.com/other", f.task.OutputPath())
	snk, err := f.files.NewSink(owner)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	defer snk.Close()

	var created atomic.Int32
	remote := &fakeRemote{length: 256, ranges: true}
	c := New(f.task, f.deps(remote, &fakeLocal{}, completingFactory(&created)))

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if f.listener.endCause != cause.FileBusy {
		t.Errorf("end cause = %v, want FileBusy", f.listener.endCause)
	}
	if got := created.Load(); got != 0 {
		t.Errorf("chains created = %d, want 0", got)
	}

	// The owner's claim must survive the busy rejection.
	if _, err := f.files.NewSink(f.task); !errors.Is(err, output.ErrFileBusy) {
		t.Errorf("owner's claim was released: err = %v", err)
	}
}

func TestExecuteClassificationPrecedence(t *testing.T) {
	cases := []struct {
		name string
		mark func(*Cache)
		want cause.EndCause
	}{
		{
			"error beats file busy",
			func(c *Cache) {
				c.SetUnknownError(errors.New("boom"))
				c.SetFileBusyAfterRun()
			},
			cause.Error,
		},
		{
			"file busy beats pre-allocate",
			func(c *Cache) {
				c.SetFileBusyAfterRun()
				c.SetPreAllocateFailed(errors.New("no space"))
			},
			cause.FileBusy,
		},
		{
			"pre-allocate alone",
			func(c *Cache) {
				c.SetPreAllocateFailed(errors.New("no space"))
			},
			cause.PreAllocateFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newCallFixture(t)
			factory := func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner {
				return &fakeRunner{run: func(ctx context.Context) { tc.mark(cache) }}
			}

			remote := &fakeRemote{length: 256, ranges: true, failedCause: cause.FileNotExist}
			c := New(f.task, f.deps(remote, &fakeLocal{}, factory))

			if err := c.Execute(context.Background()); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if f.listener.endCause != tc.want {
				t.Errorf("end cause = %v, want %v", f.listener.endCause, tc.want)
			}
		})
	}
}

// interruptibleRunner blocks until canceled, either through Cancel or
// through the cache turning interrupted.
type interruptibleRunner struct {
	cache   *Cache
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *interruptibleRunner) Run(ctx context.Context) {
	close(r.started)
	for {
		select {
		case <-r.release:
			return
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
			if r.cache.IsInterrupted() {
				return
			}
		}
	}
}

func (r *interruptibleRunner) Cancel() {
	r.once.Do(func() { close(r.release) })
}

func TestCancelDuringRunSuppressesTaskEnd(t *testing.T) {
	f := newCallFixture(t)

	started := make(chan struct{})
	factory := func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner {
		return &interruptibleRunner{
			cache:   cache,
			started: started,
			release: make(chan struct{}),
		}
	}

	remote := &fakeRemote{length: 256, ranges: true, failedCause: cause.FileNotExist}
	c := New(f.task, f.deps(remote, &fakeLocal{}, factory))

	done := make(chan error, 1)
	go func() { done <- c.Execute(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("chain never started")
	}

	if !c.Cancel() {
		t.Fatal("Cancel = false while running")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}

	if got := f.listener.endCount; got != 0 {
		t.Errorf("TaskEnd fired %d times for a canceled call, want 0", got)
	}
	if !c.IsCanceled() {
		t.Error("IsCanceled = false")
	}

	// The busy claim must be released so the path can be retried.
	snk, err := f.files.NewSink(task.New("http://example.com/g", f.task.OutputPath()))
	if err != nil {
		t.Fatalf("path still claimed after cancel: %v", err)
	}
	snk.Close()
}

// stubbornRunner ignores cancellation and blocks until released, so
// the settlement wait can only end through its context.
type stubbornRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *stubbornRunner) Run(ctx context.Context) {
	close(r.started)
	<-r.release
}

func (r *stubbornRunner) Cancel() {}

func TestCancelWithContextSurfacesContextError(t *testing.T) {
	f := newCallFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	factory := func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner {
		return &stubbornRunner{started: started, release: release}
	}

	remote := &fakeRemote{length: 256, ranges: true, failedCause: cause.FileNotExist}
	c := New(f.task, f.deps(remote, &fakeLocal{}, factory))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Execute(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("chain never started")
	}

	// The signal handler's order: cancel the call, then the context.
	if !c.Cancel() {
		t.Fatal("Cancel = false while running")
	}
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return")
	}

	// The wait was interrupted, so Execute surfaces the context error
	// even though the call is canceled. Callers must check IsCanceled
	// before treating the error as a failure.
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute err = %v, want context.Canceled", err)
	}
	if !c.IsCanceled() {
		t.Error("IsCanceled = false")
	}
	if f.listener.endCount != 0 {
		t.Errorf("TaskEnd fired %d times for a canceled call, want 0", f.listener.endCount)
	}
}

func TestExecuteSubmissionFailureAbandonsAttempt(t *testing.T) {
	f := newCallFixture(t)
	f.pool.Shutdown()

	factory := func(blockIndex int, t *task.Task, info *breakpoint.Info, cache *Cache) Runner {
		return &fakeRunner{}
	}

	remote := &fakeRemote{length: 256, ranges: true, failedCause: cause.FileNotExist}
	c := New(f.task, f.deps(remote, &fakeLocal{}, factory))

	err := c.Execute(context.Background())
	if !errors.Is(err, pool.ErrClosed) {
		t.Fatalf("Execute err = %v, want ErrClosed", err)
	}
	if f.listener.endCount != 0 {
		t.Errorf("TaskEnd fired %d times for an abandoned attempt, want 0", f.listener.endCount)
	}

	// The claim must not outlive the abandoned attempt.
	snk, err := f.files.NewSink(task.New("http://example.com/g", f.task.OutputPath()))
	if err != nil {
		t.Fatalf("path still claimed: %v", err)
	}
	snk.Close()
}

// failingStore wraps a Store with an injected Lookup failure.
type failingStore struct {
	breakpoint.Store
	err error
}

func (s *failingStore) Lookup(ctx context.Context, taskID string) (*breakpoint.Info, error) {
	return nil, s.err
}

func TestExecuteLookupFailure(t *testing.T) {
	f := newCallFixture(t)
	storeErr := errors.New("database is gone")

	var created atomic.Int32
	deps := f.deps(&fakeRemote{length: 256, ranges: true}, &fakeLocal{}, completingFactory(&created))
	deps.Store = &failingStore{Store: f.store, err: storeErr}
	c := New(f.task, deps)

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if f.listener.endCause != cause.Error {
		t.Errorf("end cause = %v, want Error", f.listener.endCause)
	}
	if !errors.Is(f.listener.endErr, storeErr) {
		t.Errorf("end err = %v, want %v", f.listener.endErr, storeErr)
	}
	if got := created.Load(); got != 0 {
		t.Errorf("chains created = %d, want 0", got)
	}
}

// markFailStore wraps a Store with an injected MarkAttemptStart failure.
type markFailStore struct {
	breakpoint.Store
	err error
}

func (s *markFailStore) MarkAttemptStart(ctx context.Context, taskID string) error {
	return s.err
}

func TestExecuteMarkAttemptStartFailure(t *testing.T) {
	f := newCallFixture(t)
	markErr := errors.New("disk full")

	var created atomic.Int32
	deps := f.deps(&fakeRemote{length: 256, ranges: true}, &fakeLocal{}, completingFactory(&created))
	deps.Store = &markFailStore{Store: f.store, err: markErr}
	c := New(f.task, deps)

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if f.listener.endCause != cause.Error {
		t.Errorf("end cause = %v, want Error", f.listener.endCause)
	}
	if !errors.Is(f.listener.endErr, markErr) {
		t.Errorf("end err = %v, want %v", f.listener.endErr, markErr)
	}
	if got := created.Load(); got != 0 {
		t.Errorf("chains created = %d, want 0", got)
	}
}

// updateFailStore wraps a Store with an injected Update failure.
type updateFailStore struct {
	breakpoint.Store
	err error
}

func (s *updateFailStore) Update(ctx context.Context, info *breakpoint.Info) error {
	return s.err
}

func TestExecuteLayoutPersistFailure(t *testing.T) {
	f := newCallFixture(t)
	updateErr := errors.New("database is locked")

	var created atomic.Int32
	remote := &fakeRemote{length: 256, ranges: true, failedCause: cause.FileNotExist}
	deps := f.deps(remote, &fakeLocal{}, completingFactory(&created))
	deps.Store = &updateFailStore{Store: f.store, err: updateErr}
	c := New(f.task, deps)

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if f.listener.endCause != cause.Error {
		t.Errorf("end cause = %v, want Error", f.listener.endCause)
	}
	if !errors.Is(f.listener.endErr, updateErr) {
		t.Errorf("end err = %v, want %v", f.listener.endErr, updateErr)
	}
	// The layout never became durable, so nothing may run on it and no
	// fresh-start notification may fire.
	if got := created.Load(); got != 0 {
		t.Errorf("chains created = %d, want 0", got)
	}
	if got := f.listener.count("FromBeginning"); got != 0 {
		t.Errorf("FromBeginning fired %d times, want 0", got)
	}
}

func TestExecuteInspectReuseRejection(t *testing.T) {
	f := newCallFixture(t)
	rejection := errors.New("absorbed by an equivalent transfer")

	var created atomic.Int32
	deps := f.deps(&fakeRemote{length: 256, ranges: true}, &fakeLocal{}, completingFactory(&created))
	deps.InspectReuse = func(ctx context.Context, t *task.Task, info *breakpoint.Info, instanceLength int64) error {
		return rejection
	}
	c := New(f.task, deps)

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if f.listener.endCause != cause.Error {
		t.Errorf("end cause = %v, want Error", f.listener.endCause)
	}
	if !errors.Is(f.listener.endErr, rejection) {
		t.Errorf("end err = %v, want %v", f.listener.endErr, rejection)
	}
	if got := created.Load(); got != 0 {
		t.Errorf("chains created = %d, want 0", got)
	}
}

func TestExecuteRetriesWhenRemoteChanges(t *testing.T) {
	oldData := testutils.GenerateTestData(t, 8*1024)
	newData := testutils.GenerateTestData(t, 12*1024)
	srv := testutils.StartRangeServer(t, []testutils.TestFile{
		{Name: "f.bin", Size: int64(len(oldData)), Data: oldData},
	})

	tk := task.New(srv.URL+"/f.bin", filepath.Join(t.TempDir(), "out.bin"))
	store := breakpoint.NewMemoryStore()
	p := pool.New(time.Second)
	defer p.Shutdown()
	events := event.NewDispatcher()
	listener := &recordingListener{}
	events.Attach(tk, listener)

	// Swap the resource between the probe and the fetch of the first
	// attempt, so the chain's validator goes stale and the fetch comes
	// back as a precondition failure.
	var swapped atomic.Bool
	c := New(tk, Deps{
		Store:     store,
		Files:     output.NewStrategy(),
		Pool:      p,
		Events:    events,
		Client:    testClient(),
		BlockSize: 64 * 1024,
		InspectReuse: func(ctx context.Context, t *task.Task, info *breakpoint.Info, instanceLength int64) error {
			if swapped.CompareAndSwap(false, true) {
				srv.Replace("f.bin", newData)
			}
			return nil
		},
	})

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if listener.endCause != cause.Completed {
		t.Fatalf("end cause = %v (%v), want Completed", listener.endCause, listener.endErr)
	}
	if got := listener.count("FromBeginning"); got != 2 {
		t.Errorf("FromBeginning fired %d times, want one per attempt", got)
	}
	if listener.endCount != 1 {
		t.Errorf("TaskEnd fired %d times, want 1", listener.endCount)
	}

	got, err := os.ReadFile(tk.OutputPath())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, newData) {
		t.Fatal("output does not match the replaced data")
	}

	info, err := store.Lookup(context.Background(), tk.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info.TotalLength() != int64(len(newData)) {
		t.Errorf("TotalLength = %d, want %d", info.TotalLength(), len(newData))
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	const size = 1 << 20

	data := testutils.GenerateTestData(t, size)
	srv := testutils.StartRangeServer(t, []testutils.TestFile{
		{Name: "f.bin", Size: size, Data: data},
	})

	tk := task.New(srv.URL+"/f.bin", filepath.Join(t.TempDir(), "out.bin"))
	store := breakpoint.NewMemoryStore()
	p := pool.New(time.Second)
	defer p.Shutdown()
	events := event.NewDispatcher()
	listener := &recordingListener{}
	events.Attach(tk, listener)

	c := New(tk, Deps{
		Store:     store,
		Files:     output.NewStrategy(),
		Pool:      p,
		Events:    events,
		Client:    testClient(),
		BlockSize: 256 * 1024,
	})

	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if listener.endCause != cause.Completed {
		t.Fatalf("end cause = %v (%v), want Completed", listener.endCause, listener.endErr)
	}
	if got := listener.count("FetchEnd"); got != 4 {
		t.Errorf("FetchEnd fired %d times, want 4", got)
	}
	if listener.count("ProbeStart") != 1 || listener.count("ProbeEnd") != 1 {
		t.Error("probe notifications missing")
	}

	got, err := os.ReadFile(tk.OutputPath())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("output does not match the source data")
	}

	info, err := store.Lookup(context.Background(), tk.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info.BlockCount() != 4 {
		t.Errorf("BlockCount = %d, want 4", info.BlockCount())
	}
	if info.Offset() != size {
		t.Errorf("Offset = %d, want %d", info.Offset(), size)
	}
}
