package call

import (
	"context"

	"downpour/internal/breakpoint"
	"downpour/internal/cause"
	"downpour/internal/event"
	httpx "downpour/internal/http"
	"downpour/internal/output"
	"downpour/internal/task"
)

// RemoteChecker decides whether stored progress can be resumed against
// the remote resource. Accessors other than Check are valid only after
// Check has returned nil; Cause is valid only when not resumable.
type RemoteChecker interface {
	Check(ctx context.Context) error
	Resumable() bool
	InstanceLength() int64
	AcceptsRanges() bool
	ETag() string
	Cause() cause.ResumeFailedCause
}

// remoteCheck probes the remote and compares it to the stored info.
type remoteCheck struct {
	task   *task.Task
	info   *breakpoint.Info
	client *httpx.Client
	events *event.Dispatcher

	resumable      bool
	instanceLength int64
	acceptRanges   bool
	etag           string
	failedCause    cause.ResumeFailedCause
}

func newRemoteCheck(t *task.Task, info *breakpoint.Info, client *httpx.Client, events *event.Dispatcher) RemoteChecker {
	return &remoteCheck{task: t, info: info, client: client, events: events}
}

func (rc *remoteCheck) Check(ctx context.Context) error {
	rc.events.ProbeStart(rc.task, rc.task.Header())
	res, err := rc.client.Probe(ctx, rc.task.URL(), rc.task.Header())
	if err != nil {
		return err
	}
	rc.events.ProbeEnd(rc.task, res.Code, res.Header)

	rc.instanceLength = res.Size
	rc.acceptRanges = res.AcceptsRanges
	rc.etag = res.ETag

	switch {
	case rc.info.BlockCount() == 0 || rc.info.Offset() == 0:
		// Nothing stored to resume from.
		rc.failedCause = cause.FileNotExist
	case !res.AcceptsRanges:
		rc.failedCause = cause.RangeNotSupported
	case rc.info.ETag() != "" && res.ETag != "" && rc.info.ETag() != res.ETag:
		rc.failedCause = cause.ETagChanged
	case !rc.info.Chunked() && rc.info.TotalLength() != res.Size:
		rc.failedCause = cause.ContentLengthChanged
	default:
		rc.resumable = true
	}
	return nil
}

func (rc *remoteCheck) Resumable() bool { return rc.resumable }
func (rc *remoteCheck) InstanceLength() int64 { return rc.instanceLength }
func (rc *remoteCheck) AcceptsRanges() bool { return rc.acceptRanges }
func (rc *remoteCheck) ETag() string { return rc.etag }
func (rc *remoteCheck) Cause() cause.ResumeFailedCause { return rc.failedCause }

// LocalChecker verifies stored progress against what is actually on
// disk. Check declares no failure; Cause is valid only when dirty.
type LocalChecker interface {
	Check()
	Dirty() bool
	Cause() cause.ResumeFailedCause
}

// localCheck compares the info layout with the partial file.
type localCheck struct {
	info *breakpoint.Info
	sink *output.Sink

	dirty       bool
	failedCause cause.ResumeFailedCause
}

func newLocalCheck(info *breakpoint.Info, sink *output.Sink) LocalChecker {
	return &localCheck{info: info, sink: sink}
}

func (lc *localCheck) Check() {
	if lc.info.BlockCount() == 0 {
		lc.dirty = true
		lc.failedCause = cause.InfoDirty
		return
	}

	var fetched int64
	for i := 0; i < lc.info.BlockCount(); i++ {
		b := lc.info.Block(i)
		n := b.Fetched()
		if n < 0 || (b.ContentLength() >= 0 && n > b.ContentLength()) {
			lc.dirty = true
			lc.failedCause = cause.InfoDirty
			return
		}
		fetched += n
	}
	if !lc.info.Chunked() && fetched > lc.info.TotalLength() {
		lc.dirty = true
		lc.failedCause = cause.InfoDirty
		return
	}

	size, err := lc.sink.Size()
	if err != nil || (fetched > 0 && size == 0) {
		// Progress recorded but the partial bytes are gone.
		lc.dirty = true
		lc.failedCause = cause.FileNotExist
		return
	}
}

func (lc *localCheck) Dirty() bool { return lc.dirty }
func (lc *localCheck) Cause() cause.ResumeFailedCause { return lc.failedCause }
