//go:build linux
// +build linux

package bufferedfile

// ReadResult is the window of bytes a read actually filled. It may be
// shorter than requested, and is empty at or past end of file. Reads that
// were coalesced share the same backing array, so the bytes must not be
// modified.
type ReadResult struct {
	buf []byte
}

func newReadResult(buf []byte) *ReadResult {
	return &ReadResult{buf: buf}
}

func (r *ReadResult) Len() int {
	return len(r.buf)
}

func (r *ReadResult) IsEmpty() bool {
	return len(r.buf) == 0
}

// Bytes returns the filled window.
func (r *ReadResult) Bytes() []byte {
	return r.buf
}

// Slice returns buf[from:to] of the window, or false if the range is out of
// bounds.
func (r *ReadResult) Slice(from, to int) ([]byte, bool) {
	if from < 0 || to < from || to > len(r.buf) {
		return nil, false
	}
	return r.buf[from:to], true
}
