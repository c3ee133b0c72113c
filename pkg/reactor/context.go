//go:build linux
// +build linux

package reactor

import (
	"context"
	"sync"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/config"
	"github.com/rs/zerolog/log"
)

type ctxKey struct{}

var (
	defaultReactor *Reactor
	defaultOnce    sync.Once
)

// WithReactor returns a context whose file operations run on r.
func WithReactor(ctx context.Context, r *Reactor) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the reactor attached to ctx, or the process-wide
// default when none is.
func FromContext(ctx context.Context) *Reactor {
	if r, ok := ctx.Value(ctxKey{}).(*Reactor); ok && r != nil {
		return r
	}
	return Default()
}

// Default returns the lazily started process-wide reactor, configured from
// the environment.
func Default() *Reactor {
	defaultOnce.Do(func() {
		cfg := DefaultConfig()
		if env, err := config.Load(); err == nil {
			cfg = ConfigFromEnv(env)
		} else {
			log.Warn().Err(err).Msg("Invalid reactor configuration, using defaults")
		}
		r, err := New(cfg)
		if err != nil {
			log.Panic().Err(err).Msg("Failed to start default reactor")
		}
		defaultReactor = r
	})
	return defaultReactor
}
