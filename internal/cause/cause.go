// Package cause defines the terminal and resume-failure classifications
// shared by the breakpoint store, the call orchestrator and listeners.
package cause

// EndCause is the terminal classification of one attempt sequence.
// Exactly one applies per finished sequence.
type EndCause int

const (
	// Completed means every block finished and the output was committed.
	Completed EndCause = iota
	// Canceled means the call was canceled before finishing.
	Canceled
	// Error means the sequence ended with a recorded error.
	Error
	// FileBusy means the output path was occupied by another live task.
	FileBusy
	// PreAllocateFailed means output space could not be reserved.
	PreAllocateFailed
)

func (c EndCause) String() string {
	switch c {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Error:
		return "error"
	case FileBusy:
		return "file busy"
	case PreAllocateFailed:
		return "pre-allocate failed"
	default:
		return "unknown"
	}
}

// ResumeFailedCause is the reason stored progress was rejected and the
// transfer restarted from the beginning.
type ResumeFailedCause int

const (
	// ResumeNone is the zero value; no rejection happened.
	ResumeNone ResumeFailedCause = iota
	// InfoDirty means the stored block layout is inconsistent.
	InfoDirty
	// FileNotExist means progress was recorded but the partial file is gone.
	FileNotExist
	// ContentLengthChanged means the remote length no longer matches.
	ContentLengthChanged
	// ETagChanged means the remote resource was replaced.
	ETagChanged
	// RangeNotSupported means the server refuses byte-range requests.
	RangeNotSupported
	// PreconditionFailed means the server rejected the stored validator.
	PreconditionFailed
)

func (c ResumeFailedCause) String() string {
	switch c {
	case InfoDirty:
		return "info dirty"
	case FileNotExist:
		return "file not exist"
	case ContentLengthChanged:
		return "content length changed"
	case ETagChanged:
		return "etag changed"
	case RangeNotSupported:
		return "range not supported"
	case PreconditionFailed:
		return "precondition failed"
	default:
		return "none"
	}
}
