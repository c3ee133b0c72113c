//go:build linux
// +build linux

package bufferedfile

import (
	"context"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
)

// PendingWrite is an in-flight write. The engine owns the buffer until the
// write completes, and Buffer returns nil until then.
type PendingWrite struct {
	src     *reactor.Source
	path    string
	hasPath bool
	fd      int
}

// Done is closed when the write completes.
func (p *PendingWrite) Done() <-chan struct{} {
	return p.src.Done()
}

// Wait returns the number of bytes written. A short count is not an error.
// If ctx ends first, the write keeps going and Wait may be called again.
func (p *PendingWrite) Wait(ctx context.Context) (int, error) {
	n, err := p.src.Wait(ctx)
	if err != nil {
		return 0, enhance(IoFailure, "Writing", p.path, p.hasPath, p.fd, true, err)
	}
	return n, nil
}

// Buffer hands the buffer back once the write has completed.
func (p *PendingWrite) Buffer() []byte {
	return p.src.Buffer()
}
