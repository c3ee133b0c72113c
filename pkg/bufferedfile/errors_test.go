//go:build linux
// +build linux

package bufferedfile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestEnhancedErrorFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *EnhancedError
		want string
	}{
		{
			name: "path and fd",
			err:  &EnhancedError{Kind: IoFailure, Op: "Writing", Path: "/tmp/f", HasPath: true, Fd: 7, HasFd: true, Err: unix.ENOSPC},
			want: "Writing /tmp/f (fd 7): no space left on device",
		},
		{
			name: "path only",
			err:  &EnhancedError{Kind: OpenFailure, Op: "Opening", Path: "/tmp/f", HasPath: true, Err: unix.EACCES},
			want: "Opening /tmp/f: permission denied",
		},
		{
			name: "fd only",
			err:  &EnhancedError{Kind: CloseFailure, Op: "Closing", Fd: 3, HasFd: true, Err: unix.EIO},
			want: "Closing (fd 3): input/output error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestEnhancedErrorKinds(t *testing.T) {
	for kind, sentinel := range kindSentinels {
		err := enhance(kind, "Op", "p", true, 1, true, unix.EIO)
		assert.ErrorIs(t, err, sentinel, kind.String())
		assert.ErrorIs(t, err, unix.EIO)
		for other, s := range kindSentinels {
			if other != kind {
				assert.NotErrorIs(t, err, s)
			}
		}
	}
}

func TestEnhanceWrapsOnce(t *testing.T) {
	assert.NoError(t, enhance(IoFailure, "Reading", "", false, 0, false, nil))

	inner := enhance(IoFailure, "Reading", "p", true, 1, true, unix.EIO)
	outer := enhance(StatFailure, "Stating", "p", true, 1, true, fmt.Errorf("again: %w", inner))
	var ee *EnhancedError
	assert.True(t, errors.As(outer, &ee))
	assert.Equal(t, IoFailure, ee.Kind)

	assert.Same(t, ErrEngineUnavailable, enhance(IoFailure, "Reading", "p", true, 1, true, ErrEngineUnavailable))
	assert.Equal(t, context.DeadlineExceeded, enhance(IoFailure, "Reading", "p", true, 1, true, context.DeadlineExceeded))
}
