package breakpoint

import "sync/atomic"

// Block is one contiguous sub-range of the transfer. StartOffset and
// ContentLength are fixed at assembly time; the fetched counter is
// advanced by the single chain working the block. A ContentLength of -1
// means the length is unknown (chunked remote).
type Block struct {
	startOffset   int64
	contentLength int64
	fetched       atomic.Int64
}

// NewBlock builds a block covering [startOffset, startOffset+contentLength).
func NewBlock(startOffset, contentLength int64) *Block {
	return &Block{startOffset: startOffset, contentLength: contentLength}
}

// StartOffset returns the block's first byte position in the file.
func (b *Block) StartOffset() int64 { return b.startOffset }

// ContentLength returns the number of bytes the block covers.
func (b *Block) ContentLength() int64 { return b.contentLength }

// Fetched returns how many bytes of the block have been written.
func (b *Block) Fetched() int64 { return b.fetched.Load() }

// Advance records n more fetched bytes.
func (b *Block) Advance(n int64) { b.fetched.Add(n) }

// SetFetched overwrites the fetched count. Used when loading stored state.
func (b *Block) SetFetched(n int64) { b.fetched.Store(n) }

// RangeStart returns the absolute offset the next fetch should begin at.
func (b *Block) RangeStart() int64 { return b.startOffset + b.fetched.Load() }

// RangeEnd returns the absolute offset of the block's last byte,
// inclusive, or -1 when the length is unknown.
func (b *Block) RangeEnd() int64 {
	if b.contentLength < 0 {
		return -1
	}
	return b.startOffset + b.contentLength - 1
}

// Complete reports whether the block has all its bytes. A block of
// unknown length is never complete up front.
func (b *Block) Complete() bool {
	return b.contentLength >= 0 && b.fetched.Load() == b.contentLength
}

// ResetIfDirty zeroes a fetched count that cannot be trusted: negative,
// or larger than the block itself.
func (b *Block) ResetIfDirty() {
	n := b.fetched.Load()
	if n < 0 || (b.contentLength >= 0 && n > b.contentLength) {
		b.fetched.Store(0)
	}
}

// Info is the durable per-task record of transfer progress: the block
// layout plus the remote identity it was assembled against. The store
// owns persistence; the orchestrator holds one Info for the duration of
// an attempt and is its only writer outside the per-block counters.
type Info struct {
	id      string
	url     string
	etag    string
	total   int64
	chunked bool
	blocks  []*Block
}

// NewInfo builds an empty Info for the given task identity and URL.
func NewInfo(id, url string) *Info {
	return &Info{id: id, url: url}
}

// ID returns the owning task's identity.
func (i *Info) ID() string { return i.id }

// URL returns the source URL the layout was assembled against.
func (i *Info) URL() string { return i.url }

// ETag returns the stored remote validator, empty if none was recorded.
func (i *Info) ETag() string { return i.etag }

// SetETag records the remote validator observed on the last probe.
func (i *Info) SetETag(etag string) { i.etag = etag }

// TotalLength returns the expected length of the whole transfer, or -1
// when the remote length is unknown (chunked transfer).
func (i *Info) TotalLength() int64 {
	if i.chunked {
		return -1
	}
	return i.total
}

// Chunked reports whether the remote length is unknown.
func (i *Info) Chunked() bool { return i.chunked }

// BlockCount returns the number of blocks in the layout.
func (i *Info) BlockCount() int { return len(i.blocks) }

// Block returns the block at index idx.
func (i *Info) Block(idx int) *Block { return i.blocks[idx] }

// Offset returns the total bytes fetched across all blocks.
func (i *Info) Offset() int64 {
	var n int64
	for _, b := range i.blocks {
		n += b.Fetched()
	}
	return n
}

// AddBlock appends a block to the layout. Used when loading stored state.
func (i *Info) AddBlock(b *Block) { i.blocks = append(i.blocks, b) }

// Reassemble discards the current layout and splits the transfer fresh
// against the probed remote: ceil division by blockSize when ranges are
// accepted and the length is known, a single open block otherwise. All
// prior progress is lost.
func (i *Info) Reassemble(instanceLength int64, acceptRange bool, blockSize int64) {
	i.blocks = nil
	i.chunked = instanceLength < 0
	i.total = instanceLength

	if i.chunked || !acceptRange || blockSize <= 0 {
		length := instanceLength
		if i.chunked {
			length = -1
		}
		i.blocks = []*Block{NewBlock(0, length)}
		return
	}

	var offset int64
	for offset < instanceLength {
		length := blockSize
		if offset+length > instanceLength {
			length = instanceLength - offset
		}
		i.blocks = append(i.blocks, NewBlock(offset, length))
		offset += length
	}
	if len(i.blocks) == 0 {
		// Zero-length remote still gets one block so the layout is never empty.
		i.blocks = []*Block{NewBlock(0, 0)}
	}
}
