package buffer

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/failsafe-go/quantiles/digest"
	"github.com/failsafe-go/quantiles/internal/util"
)

// Config configures a BufferedDigest.
type Config struct {
	// Compression for the persistent digest.
	Compression float64

	// FlushInterval is the minimum time between flushes triggered by writes.
	FlushInterval time.Duration

	// ShardCount is the number of independently locked write buffers. Defaults to GOMAXPROCS when 0.
	ShardCount int

	// ShardCapacity is the number of values a shard buffers before spilling them into a shard local digest.
	ShardCapacity int

	// Logger, if not nil, receives debug logs for each flush.
	Logger *slog.Logger

	// OnFlush, if not nil, is called after each flush that merged values, with the number of values merged and the new
	// total count of the persistent digest.
	OnFlush func(values int, count float64)
}

// Snapshot is an immutable view of a BufferedDigest's persistent state.
type Snapshot struct {
	Digest *digest.Digest

	// Sum is the exact sum of all values merged into Digest.
	Sum float64
}

// Count returns the number of values in the snapshot.
func (s *Snapshot) Count() float64 {
	return s.Digest.Count()
}

// BufferedDigest accumulates raw values in sharded buffers and merges them into a persistent digest at most once per
// flush interval. Flushing happens as a side effect of AddValue and Snapshot rather than on a timer. Each flush builds a
// new digest and publishes it atomically, so a Snapshot never observes a partially merged digest.
//
// This type is concurrency safe.
type BufferedDigest struct {
	config        Config
	flushInterval int64
	shards        []shard
	nextShard     atomic.Uint32

	// Guards flushing. Writers try to acquire it and skip the flush if another goroutine is already flushing.
	flushing      *semaphore.Weighted
	lastFlushTime atomic.Int64
	snapshot      atomic.Pointer[Snapshot]
}

type shard struct {
	mu sync.Mutex
	// Guarded by mu
	values []float64
	spill  *digest.Digest
	sum    float64
}

// NewBufferedDigest returns a new BufferedDigest for the config.
func NewBufferedDigest(config Config) *BufferedDigest {
	util.Assert(config.FlushInterval > 0, "flushInterval must be > 0")
	if config.ShardCount <= 0 {
		config.ShardCount = runtime.GOMAXPROCS(0)
	}
	b := &BufferedDigest{
		config:        config,
		flushInterval: config.FlushInterval.Nanoseconds(),
		shards:        make([]shard, config.ShardCount),
		flushing:      semaphore.NewWeighted(1),
	}
	b.snapshot.Store(&Snapshot{Digest: digest.New(config.Compression)})
	return b
}

// AddValue adds the value at the unix nano time now. If a flush interval has elapsed since the last flush, pending
// values are flushed before the value is buffered.
func (b *BufferedDigest) AddValue(value float64, now int64) {
	if b.flushDue(now) && b.flushing.TryAcquire(1) {
		// Another goroutine may have flushed since flushDue was checked
		if b.flushDue(now) {
			b.flush(now)
		}
		b.flushing.Release(1)
	}

	s := &b.shards[b.nextShard.Add(1)%uint32(len(b.shards))]
	s.mu.Lock()
	s.values = append(s.values, value)
	s.sum += value
	if b.config.ShardCapacity > 0 && len(s.values) >= b.config.ShardCapacity {
		if s.spill == nil {
			s.spill = digest.New(b.config.Compression)
		}
		s.spill = s.spill.MergeValues(s.values)
		s.values = s.values[:0]
	}
	s.mu.Unlock()
}

// Snapshot flushes any pending values and returns the resulting persistent state.
func (b *BufferedDigest) Snapshot(now int64) *Snapshot {
	// Acquire cannot fail with a background context
	_ = b.flushing.Acquire(context.Background(), 1)
	defer b.flushing.Release(1)
	b.flush(now)
	return b.snapshot.Load()
}

// Reset discards all buffered and persistent state, as of the unix nano time now.
func (b *BufferedDigest) Reset(now int64) {
	_ = b.flushing.Acquire(context.Background(), 1)
	defer b.flushing.Release(1)
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		s.values = s.values[:0]
		s.spill = nil
		s.sum = 0
		s.mu.Unlock()
	}
	b.snapshot.Store(&Snapshot{Digest: digest.New(b.config.Compression)})
	b.lastFlushTime.Store(now)
}

// LastFlushTime returns the unix nano time of the most recent flush.
func (b *BufferedDigest) LastFlushTime() int64 {
	return b.lastFlushTime.Load()
}

func (b *BufferedDigest) flushDue(now int64) bool {
	return now-b.lastFlushTime.Load() >= b.flushInterval
}

// flush merges all buffered values into a new persistent digest. Callers must hold the flushing semaphore.
func (b *BufferedDigest) flush(now int64) {
	var values []float64
	var spills []*digest.Digest
	sum := 0.0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		values = append(values, s.values...)
		if s.spill != nil {
			spills = append(spills, s.spill)
			s.spill = nil
		}
		sum += s.sum
		s.values = s.values[:0]
		s.sum = 0
		s.mu.Unlock()
	}

	// The clock may have gone backwards, in which case the flush time is left alone
	if now > b.lastFlushTime.Load() {
		b.lastFlushTime.Store(now)
	}
	if len(values) == 0 && len(spills) == 0 {
		return
	}

	current := b.snapshot.Load()
	merged := current.Digest
	if len(spills) > 0 {
		merged = digest.Merge(b.config.Compression, append(spills, merged)...)
	}
	merged = merged.MergeValues(values)
	b.snapshot.Store(&Snapshot{
		Digest: merged,
		Sum:    current.Sum + sum,
	})

	flushed := len(values)
	for _, spill := range spills {
		flushed += int(spill.Count())
	}
	if b.config.Logger != nil && b.config.Logger.Enabled(context.Background(), slog.LevelDebug) {
		b.config.Logger.Debug("flushed buffered values",
			"values", flushed,
			"count", merged.Count(),
			"centroids", merged.Len())
	}
	if b.config.OnFlush != nil {
		b.config.OnFlush(flushed, merged.Count())
	}
}
