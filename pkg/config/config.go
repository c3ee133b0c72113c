// Package config loads runtime settings for the reactor and its ambient
// services from the environment through viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	KeyRingDepth       = "BUFFEREDFILE_RING_DEPTH"
	KeyBlockingWorkers = "BUFFEREDFILE_BLOCKING_WORKERS"
	KeyQueueSize       = "BUFFEREDFILE_QUEUE_SIZE"
	KeyDisableIoUring  = "BUFFEREDFILE_DISABLE_IOURING"
	KeyAppName         = "APP_NAME"
	KeyAppEnv          = "APP_ENV"
	KeyAppLogLevel     = "APP_LOG_LEVEL"
)

// Env is the resolved configuration.
type Env struct {
	AppName         string
	AppEnv          string
	AppLogLevel     string
	RingDepth       uint32
	BlockingWorkers int
	QueueSize       int
	DisableIoUring  bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyRingDepth, 256)
	v.SetDefault(KeyBlockingWorkers, 8)
	v.SetDefault(KeyQueueSize, 1024)
	v.SetDefault(KeyDisableIoUring, false)
	v.SetDefault(KeyAppName, "bufferedfile")
	v.SetDefault(KeyAppLogLevel, "WARN")
}

// Init binds the global viper instance to the environment and registers
// defaults. The logger and metrics packages read from the same instance.
func Init() {
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())
}

// Load resolves the configuration from the global viper instance.
func Load() (Env, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom resolves the configuration from v, applying defaults for unset keys.
func LoadFrom(v *viper.Viper) (Env, error) {
	setDefaults(v)

	depth := v.GetInt(KeyRingDepth)
	if depth <= 0 || depth&(depth-1) != 0 || depth > 32768 {
		return Env{}, fmt.Errorf("invalid %s: %d, must be a power of two in [1, 32768]", KeyRingDepth, depth)
	}
	workers := v.GetInt(KeyBlockingWorkers)
	if workers <= 0 {
		return Env{}, fmt.Errorf("invalid %s: %d", KeyBlockingWorkers, workers)
	}
	queue := v.GetInt(KeyQueueSize)
	if queue <= 0 {
		return Env{}, fmt.Errorf("invalid %s: %d", KeyQueueSize, queue)
	}

	return Env{
		AppName:         strings.TrimSpace(v.GetString(KeyAppName)),
		AppEnv:          strings.TrimSpace(v.GetString(KeyAppEnv)),
		AppLogLevel:     strings.TrimSpace(v.GetString(KeyAppLogLevel)),
		RingDepth:       uint32(depth),
		BlockingWorkers: workers,
		QueueSize:       queue,
		DisableIoUring:  v.GetBool(KeyDisableIoUring),
	}, nil
}
