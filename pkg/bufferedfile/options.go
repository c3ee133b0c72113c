//go:build linux
// +build linux

package bufferedfile

import (
	"context"

	"github.com/Meesho/BharatMLStack/bufferedfile/internal/fs"
	"golang.org/x/sys/unix"
)

// OpenOptions configures how a file is opened. The zero value has no access
// mode and is rejected with EINVAL.
type OpenOptions struct {
	read        bool
	write       bool
	append      bool
	truncate    bool
	create      bool
	createNew   bool
	customFlags int
	mode        uint32
	scheduled   bool
}

func NewOpenOptions() *OpenOptions {
	return &OpenOptions{mode: fs.FILE_MODE}
}

func (o *OpenOptions) Read(v bool) *OpenOptions {
	o.read = v
	return o
}

func (o *OpenOptions) Write(v bool) *OpenOptions {
	o.write = v
	return o
}

// Append implies write access.
func (o *OpenOptions) Append(v bool) *OpenOptions {
	o.append = v
	return o
}

func (o *OpenOptions) Truncate(v bool) *OpenOptions {
	o.truncate = v
	return o
}

func (o *OpenOptions) Create(v bool) *OpenOptions {
	o.create = v
	return o
}

// CreateNew fails the open if the file already exists. It overrides Create
// and Truncate.
func (o *OpenOptions) CreateNew(v bool) *OpenOptions {
	o.createNew = v
	return o
}

// CustomFlags adds OS open flags. Access mode bits are ignored.
func (o *OpenOptions) CustomFlags(flags int) *OpenOptions {
	o.customFlags = flags
	return o
}

// Mode sets the permission bits used when the file is created.
func (o *OpenOptions) Mode(mode uint32) *OpenOptions {
	o.mode = mode
	return o
}

// WithReadScheduler coalesces identical concurrent reads on the opened file.
func (o *OpenOptions) WithReadScheduler() *OpenOptions {
	o.scheduled = true
	return o
}

func (o *OpenOptions) accessMode() (int, error) {
	switch {
	case o.read && !o.write && !o.append:
		return unix.O_RDONLY, nil
	case !o.read && o.write && !o.append:
		return unix.O_WRONLY, nil
	case o.read && o.write && !o.append:
		return unix.O_RDWR, nil
	case !o.read && o.append:
		return unix.O_WRONLY | unix.O_APPEND, nil
	case o.read && o.append:
		return unix.O_RDWR | unix.O_APPEND, nil
	default:
		return 0, unix.EINVAL
	}
}

func (o *OpenOptions) creationMode() (int, error) {
	switch {
	case !o.write && !o.append:
		if o.truncate || o.create || o.createNew {
			return 0, unix.EINVAL
		}
	case o.append:
		if o.truncate && !o.createNew {
			return 0, unix.EINVAL
		}
	}

	switch {
	case o.createNew:
		return unix.O_CREAT | unix.O_EXCL, nil
	case o.create && o.truncate:
		return unix.O_CREAT | unix.O_TRUNC, nil
	case o.create:
		return unix.O_CREAT, nil
	case o.truncate:
		return unix.O_TRUNC, nil
	default:
		return 0, nil
	}
}

// flags resolves the final OS flags.
func (o *OpenOptions) flags() (int, error) {
	access, err := o.accessMode()
	if err != nil {
		return 0, err
	}
	creation, err := o.creationMode()
	if err != nil {
		return 0, err
	}
	return unix.O_CLOEXEC | access | creation | (o.customFlags &^ unix.O_ACCMODE), nil
}

// Open opens path relative to the working directory.
func (o *OpenOptions) Open(ctx context.Context, path string) (*BufferedFile, error) {
	return OpenWithOptions(ctx, fs.AT_FDCWD, path, "Opening", o)
}
