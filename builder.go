package quantiles

import (
	"log/slog"
	"time"

	"github.com/failsafe-go/quantiles/digest"
	"github.com/failsafe-go/quantiles/internal/buffer"
	"github.com/failsafe-go/quantiles/internal/util"
)

// DefaultWindowCount is the number of windows a sliding window estimator retains by default.
const DefaultWindowCount = 60

const (
	defaultFlushInterval = time.Second
	defaultShardCapacity = 1000
)

/*
Builder builds QuantileEstimator instances.

This type is not concurrency safe.
*/
type Builder interface {
	// WithCompression configures the compression of the estimator's digests, which bounds the number of centroids each
	// digest retains. Higher values are more accurate and use more memory.
	// The default value is 100.
	WithCompression(compression float64) Builder

	// WithFlushInterval configures the minimum time between flushes of buffered values that are triggered by writes.
	// Reads always flush buffered values.
	// The default value is 1s, or the window duration for sliding window estimators.
	WithFlushInterval(flushInterval time.Duration) Builder

	// WithSlidingWindow configures the estimator to only retain values for windowCount windows of windowDuration each.
	// Values age out one window at a time as the windows advance.
	// By default, values are retained forever.
	WithSlidingWindow(windowDuration time.Duration, windowCount int) Builder

	// WithBufferShards configures the number of independently locked write buffers, and the number of values each buffer
	// holds before compressing them. More shards reduce contention between concurrent writers.
	// The default values are GOMAXPROCS and 1000.
	WithBufferShards(shardCount int, shardCapacity int) Builder

	// WithLogger configures a logger which provides debug logging of flushes and window advances.
	WithLogger(logger *slog.Logger) Builder

	// OnFlush registers the listener to be called when buffered values are merged into a digest.
	OnFlush(listener func(event FlushedEvent)) Builder

	// Build returns a new QuantileEstimator using the builder's configuration.
	Build() QuantileEstimator
}

type config struct {
	clock          util.Clock
	logger         *slog.Logger
	compression    float64
	flushInterval  time.Duration
	windowDuration time.Duration
	windowCount    int
	shardCount     int
	shardCapacity  int
	onFlush        func(FlushedEvent)
}

var _ Builder = &config{}

// NewBuilder returns a Builder for estimators that retain every value, with a compression of 100 and a flush interval
// of 1s.
func NewBuilder() Builder {
	return &config{
		clock:         util.WallClock,
		compression:   digest.DefaultCompression,
		shardCapacity: defaultShardCapacity,
	}
}

// NewSimple returns a QuantileEstimator that retains every value, buffering writes for 1s.
func NewSimple() QuantileEstimator {
	return NewBuilder().Build()
}

// NewSlidingWindow returns a QuantileEstimator that retains values for windowCount windows of windowDuration each,
// buffering writes for windowDuration. See DefaultWindowCount.
func NewSlidingWindow(windowDuration time.Duration, windowCount int) QuantileEstimator {
	return NewBuilder().WithSlidingWindow(windowDuration, windowCount).Build()
}

func (c *config) WithCompression(compression float64) Builder {
	util.Assert(compression > 0, "compression must be > 0")
	c.compression = compression
	return c
}

func (c *config) WithFlushInterval(flushInterval time.Duration) Builder {
	util.Assert(flushInterval > 0, "flushInterval must be > 0")
	c.flushInterval = flushInterval
	return c
}

func (c *config) WithSlidingWindow(windowDuration time.Duration, windowCount int) Builder {
	util.Assert(windowDuration > 0, "windowDuration must be > 0")
	util.Assert(windowCount > 0, "windowCount must be > 0")
	c.windowDuration = windowDuration
	c.windowCount = windowCount
	return c
}

func (c *config) WithBufferShards(shardCount int, shardCapacity int) Builder {
	util.Assert(shardCount > 0, "shardCount must be > 0")
	util.Assert(shardCapacity > 0, "shardCapacity must be > 0")
	c.shardCount = shardCount
	c.shardCapacity = shardCapacity
	return c
}

func (c *config) WithLogger(logger *slog.Logger) Builder {
	c.logger = logger
	return c
}

func (c *config) OnFlush(listener func(event FlushedEvent)) Builder {
	c.onFlush = listener
	return c
}

func (c *config) Build() QuantileEstimator {
	bufferConfig := buffer.Config{
		Compression:   c.compression,
		FlushInterval: c.flushInterval,
		ShardCount:    c.shardCount,
		ShardCapacity: c.shardCapacity,
		Logger:        c.logger,
	}
	if c.onFlush != nil {
		listener := c.onFlush
		bufferConfig.OnFlush = func(values int, count float64) {
			listener(FlushedEvent{
				Values: values,
				Count:  count,
			})
		}
	}

	if c.windowCount > 0 {
		if bufferConfig.FlushInterval == 0 {
			bufferConfig.FlushInterval = c.windowDuration
		}
		return &estimator{
			clock:  c.clock,
			digest: buffer.NewSlidingWindow(bufferConfig, c.windowDuration, c.windowCount),
		}
	}

	if bufferConfig.FlushInterval == 0 {
		bufferConfig.FlushInterval = defaultFlushInterval
	}
	return &estimator{
		clock:  c.clock,
		digest: buffer.NewBufferedDigest(bufferConfig),
	}
}
