//go:build linux
// +build linux

package bufferedfile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Meesho/BharatMLStack/bufferedfile/internal/file"
	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
)

// Kind classifies a failed file operation.
type Kind int

const (
	OpenFailure Kind = iota
	IoFailure
	RenameFailure
	RemoveFailure
	StatFailure
	CloseFailure
)

var (
	ErrOpenFailure   = errors.New("open failure")
	ErrIoFailure     = errors.New("i/o failure")
	ErrRenameFailure = errors.New("rename failure")
	ErrRemoveFailure = errors.New("remove failure")
	ErrStatFailure   = errors.New("stat failure")
	ErrCloseFailure  = errors.New("close failure")

	// ErrEngineUnavailable means the reactor a file was bound to is gone.
	// It is returned bare, never inside an EnhancedError.
	ErrEngineUnavailable = reactor.ErrUnavailable

	// ErrNoPath is the cause when Rename or Remove is called on a file that
	// has no path.
	ErrNoPath = file.ErrNoPath
)

var kindSentinels = map[Kind]error{
	OpenFailure:   ErrOpenFailure,
	IoFailure:     ErrIoFailure,
	RenameFailure: ErrRenameFailure,
	RemoveFailure: ErrRemoveFailure,
	StatFailure:   ErrStatFailure,
	CloseFailure:  ErrCloseFailure,
}

func (k Kind) String() string {
	if s, ok := kindSentinels[k]; ok {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// EnhancedError carries the operation, path and descriptor alongside the
// underlying cause.
type EnhancedError struct {
	Kind    Kind
	Op      string
	Path    string
	HasPath bool
	Fd      int
	HasFd   bool
	Err     error
}

func (e *EnhancedError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.HasPath {
		b.WriteByte(' ')
		b.WriteString(e.Path)
	}
	if e.HasFd {
		fmt.Fprintf(&b, " (fd %d)", e.Fd)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *EnhancedError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e's kind.
func (e *EnhancedError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// enhance wraps err once. Engine loss and abandoned waits pass through as
// they are.
func enhance(kind Kind, op string, path string, hasPath bool, fd int, hasFd bool, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEngineUnavailable) || isContextErr(err) {
		return err
	}
	var ee *EnhancedError
	if errors.As(err, &ee) {
		return err
	}
	return &EnhancedError{
		Kind:    kind,
		Op:      op,
		Path:    path,
		HasPath: hasPath,
		Fd:      fd,
		HasFd:   hasFd,
		Err:     err,
	}
}
