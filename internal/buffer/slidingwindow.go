package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/failsafe-go/quantiles/digest"
	"github.com/failsafe-go/quantiles/internal/util"
)

// SlidingWindow retains values for windowCount consecutive windows of windowDuration each. Each window buffers its
// writes in its own BufferedDigest. As time passes the ring advances to the next window, resetting any window that is
// reused, so values older than windowCount windows age out.
//
// This type is concurrency safe.
type SlidingWindow struct {
	config         Config
	windowDuration int64

	mu sync.RWMutex
	// Guarded by mu
	windows      []window
	live         *bitset.BitSet // Windows that cover a time slice within the retained horizon
	currentIndex int
	currentStart int64
	started      bool
}

type window struct {
	digest    *BufferedDigest
	startTime int64
}

// NewSlidingWindow returns a new SlidingWindow of windowCount windows of windowDuration, where each window is buffered
// according to the config.
func NewSlidingWindow(config Config, windowDuration time.Duration, windowCount int) *SlidingWindow {
	util.Assert(windowDuration > 0, "windowDuration must be > 0")
	util.Assert(windowCount > 0, "windowCount must be > 0")
	windows := make([]window, windowCount)
	for i := range windows {
		windows[i] = window{
			digest:    NewBufferedDigest(config),
			startTime: -1,
		}
	}
	return &SlidingWindow{
		config:         config,
		windowDuration: windowDuration.Nanoseconds(),
		windows:        windows,
		live:           bitset.New(uint(windowCount)),
	}
}

// AddValue adds the value to the window containing the unix nano time now, advancing the ring first if needed. A time
// earlier than the current window is recorded in the current window.
func (w *SlidingWindow) AddValue(value float64, now int64) {
	w.mu.RLock()
	if w.started && now < w.currentStart+w.windowDuration {
		w.windows[w.currentIndex].digest.AddValue(value, now)
		w.mu.RUnlock()
		return
	}
	w.mu.RUnlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance(now)
	w.windows[w.currentIndex].digest.AddValue(value, now)
}

// Snapshot advances the ring to the unix nano time now, then merges every window within the retained horizon into a new
// snapshot that is owned by the caller.
func (w *SlidingWindow) Snapshot(now int64) *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance(now)

	horizon := now - int64(len(w.windows))*w.windowDuration
	digests := make([]*digest.Digest, 0, w.live.Count())
	sum := 0.0
	for i, ok := w.live.NextSet(0); ok; i, ok = w.live.NextSet(i + 1) {
		win := &w.windows[i]
		if win.startTime+w.windowDuration <= horizon {
			continue
		}
		snapshot := win.digest.Snapshot(now)
		digests = append(digests, snapshot.Digest)
		sum += snapshot.Sum
	}

	return &Snapshot{
		Digest: digest.Merge(w.config.Compression, digests...),
		Sum:    sum,
	}
}

// CurrentWindowStart returns the unix nano start time of the current window, and whether the ring has started.
func (w *SlidingWindow) CurrentWindowStart() (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentStart, w.started
}

// advance moves the current window forward until it contains now. Callers must hold the write lock.
func (w *SlidingWindow) advance(now int64) {
	if !w.started {
		w.started = true
		w.currentIndex = 0
		w.currentStart = util.RoundDown(now, w.windowDuration)
		w.resetWindow(w.currentIndex, w.currentStart)
		return
	}

	// Tolerate a clock that goes backwards by staying in the current window
	elapsed := now - w.currentStart
	if elapsed < w.windowDuration {
		return
	}

	windowsToMove := elapsed / w.windowDuration
	if windowsToMove >= int64(len(w.windows)) {
		// Every window is stale
		w.live.ClearAll()
		for i := range w.windows {
			w.windows[i].digest.Reset(now)
			w.windows[i].startTime = -1
		}
		w.currentIndex = int((int64(w.currentIndex) + windowsToMove) % int64(len(w.windows)))
		w.currentStart += windowsToMove * w.windowDuration
		w.resetWindow(w.currentIndex, w.currentStart)
	} else {
		for i := int64(0); i < windowsToMove; i++ {
			w.currentIndex = (w.currentIndex + 1) % len(w.windows)
			w.currentStart += w.windowDuration
			w.resetWindow(w.currentIndex, w.currentStart)
		}
	}

	if w.config.Logger != nil && w.config.Logger.Enabled(context.Background(), slog.LevelDebug) {
		w.config.Logger.Debug("advanced sliding window",
			"windows", windowsToMove,
			"index", w.currentIndex,
			"start", time.Unix(0, w.currentStart))
	}
}

func (w *SlidingWindow) resetWindow(index int, startTime int64) {
	win := &w.windows[index]
	win.digest.Reset(startTime)
	win.startTime = startTime
	w.live.Set(uint(index))
}
