// Package buffer implements an ordered writer for non-seekable
// destinations. Concurrent range downloads complete in whatever order
// the network delivers them; OrderedWriterAt holds each chunk until
// every byte before it has been flushed, so the underlying writer only
// ever sees the stream in ascending offset order.
//
// swiftbackend uses it to reassemble the parallel ranged GETs of a
// whole-object UploadPartCopy into one contiguous part body.
package buffer

import (
	"io"
	"sync"
)

// OrderedWriterAt adapts an io.Writer into an io.WriterAt for writers
// whose chunks tile the output exactly: each WriteAt offset must equal
// the sum of the lengths of all chunks before it. Overlapping or gapped
// offsets are not detected and will stall the flush cursor.
type OrderedWriterAt struct {
	mu      sync.Mutex
	w       io.Writer
	written int64
	pending map[int64][]byte
}

func NewOrderedWriterAt(w io.Writer) *OrderedWriterAt {
	return &OrderedWriterAt{w: w, pending: map[int64][]byte{}}
}

// WriteAt accepts p destined for offset. A chunk ahead of the flush
// cursor is copied and parked; a chunk at the cursor is written through
// immediately, followed by every parked chunk that has become
// contiguous. An error flushing a previously parked chunk surfaces on
// the call that unblocked it.
func (o *OrderedWriterAt) WriteAt(p []byte, offset int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if offset != o.written {
		parked := make([]byte, len(p))
		copy(parked, p)
		o.pending[offset] = parked
		return len(p), nil
	}

	if err := o.flush(p); err != nil {
		return 0, err
	}
	for {
		next, ok := o.pending[o.written]
		if !ok {
			return len(p), nil
		}
		delete(o.pending, o.written)
		if err := o.flush(next); err != nil {
			return len(p), err
		}
	}
}

func (o *OrderedWriterAt) flush(p []byte) error {
	n, err := o.w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	o.written += int64(n)
	return nil
}

// Buffered reports how many chunks are parked waiting for an earlier
// offset to arrive. Zero once every submitted chunk has been flushed.
func (o *OrderedWriterAt) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
