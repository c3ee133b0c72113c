package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Buffered file metric keys
const (
	KEY_OP_LATENCY      = "bufferedfile_op_latency"
	KEY_OP_COUNT        = "bufferedfile_op_count"
	KEY_READ_BYTES      = "bufferedfile_read_bytes"
	KEY_WRITE_BYTES     = "bufferedfile_write_bytes"
	KEY_SHORT_READ      = "bufferedfile_short_read_count"
	KEY_SHORT_WRITE     = "bufferedfile_short_write_count"
	KEY_FILES_OPENED    = "bufferedfile_files_opened"
	KEY_FILES_CLOSED    = "bufferedfile_files_closed"
	KEY_LEAKED_FDS      = "bufferedfile_leaked_fd_count"
	KEY_RING_FALLBACK   = "bufferedfile_ring_fallback_count"
	KEY_RING_INFLIGHT   = "bufferedfile_ring_inflight"
	KEY_BLOCKING_QUEUED = "bufferedfile_blocking_queue_length"
	KEY_COALESCED_READS = "bufferedfile_coalesced_read_count"
)

var (
	statsDClient    = getDefaultClient()
	samplingRate    = 0.1
	telegrafAddress = "localhost:8125"
	appName         = ""
	initialized     = false
	once            sync.Once

	// When false, all Timing/Count/Incr/Gauge calls are no-ops (zero allocations).
	// Controlled by BUFFEREDFILE_METRICS_ENABLED ("true"/"1" to enable).
	metricsEnabled = loadMetricsEnabled()
)

func loadMetricsEnabled() bool {
	v := os.Getenv("BUFFEREDFILE_METRICS_ENABLED")
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1"
}

// Init initializes the metrics client
func Init() {
	if initialized {
		log.Debug().Msgf("Metrics already initialized!")
		return
	}
	once.Do(func() {
		var err error
		if viper.IsSet("APP_METRIC_SAMPLING_RATE") {
			samplingRate = viper.GetFloat64("APP_METRIC_SAMPLING_RATE")
		}
		if addr := viper.GetString("TELEGRAF_ADDRESS"); addr != "" {
			telegrafAddress = addr
		}
		appName = viper.GetString("APP_NAME")
		globalTags := getGlobalTags()

		statsDClient, err = statsd.New(
			telegrafAddress,
			statsd.WithTags(globalTags),
		)
		if err != nil {
			log.Panic().AnErr("StatsD client initialization failed", err)
		}
		log.Info().Msgf("Metrics client initialized with telegraf address - %s, global tags - %v, and "+
			"sampling rate - %f, bufferedfile metrics enabled - %v", telegrafAddress, globalTags, samplingRate, metricsEnabled)
		initialized = true
	})
}

func getDefaultClient() *statsd.Client {
	client, _ := statsd.New("localhost:8125")
	return client
}

func getGlobalTags() []string {
	env := viper.GetString("APP_ENV")
	if len(env) == 0 {
		log.Warn().Msg("APP_ENV is not set")
	}
	service := viper.GetString("APP_NAME")
	if len(service) == 0 {
		log.Warn().Msg("APP_NAME is not set")
	}
	return []string{
		TagAsString(TagEnv, env),
		TagAsString(TagService, service),
	}
}

// SetEnabled overrides the environment switch. Intended for tools and tests.
func SetEnabled(enabled bool) {
	metricsEnabled = enabled
}

// Timing sends timing information. No-op when metrics are disabled.
func Timing(name string, value time.Duration, tags []string) {
	if !metricsEnabled || statsDClient == nil {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Timing(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().AnErr("Error occurred while doing statsd timing", err)
	}
}

// Count increases metric counter by value. No-op when metrics are disabled.
func Count(name string, value int64, tags []string) {
	if !metricsEnabled || statsDClient == nil {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Count(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().AnErr("Error occurred while doing statsd count", err)
	}
}

// Incr increases metric counter by 1. No-op when metrics are disabled.
func Incr(name string, tags []string) {
	if !metricsEnabled {
		return
	}
	Count(name, 1, tags)
}

// Gauge sets a gauge value. No-op when metrics are disabled.
func Gauge(name string, value float64, tags []string) {
	if !metricsEnabled || statsDClient == nil {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Gauge(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().AnErr("Error occurred while doing statsd gauge", err)
	}
}

// Enabled returns whether metrics are enabled.
// Call sites should check this before allocating tags to avoid heap allocations.
func Enabled() bool {
	return metricsEnabled
}

// GetOpTag tags a metric with the file operation and its outcome.
func GetOpTag(op string, err error) []string {
	result := TagValueSuccess
	if err != nil {
		result = TagValueFailure
	}
	return BuildTag(NewTag(TagOp, op), NewTag(TagResult, result))
}
