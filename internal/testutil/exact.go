package testutil

import (
	"math"
	"slices"
	"time"
)

// ExactWindow records timestamped values and computes exact quantiles over those within a retention period. It is used
// as an oracle for approximate estimators.
//
// This type is not concurrency safe.
type ExactWindow struct {
	retention time.Duration
	samples   []sample
}

type sample struct {
	value float64
	time  time.Time
}

// NewExactWindow returns an ExactWindow that retains values for the retention, or forever if retention is 0.
func NewExactWindow(retention time.Duration) *ExactWindow {
	return &ExactWindow{retention: retention}
}

// Add records the value at the time.
func (w *ExactWindow) Add(value float64, now time.Time) {
	w.samples = append(w.samples, sample{value: value, time: now})
}

// Values returns the sorted values recorded after now minus the retention.
func (w *ExactWindow) Values(now time.Time) []float64 {
	values := make([]float64, 0, len(w.samples))
	for _, s := range w.samples {
		if w.retention == 0 || s.time.After(now.Add(-w.retention)) {
			values = append(values, s.value)
		}
	}
	slices.Sort(values)
	return values
}

// Quantile returns the exact value at the quantile for the values retained as of now, else NaN if there are none.
func (w *ExactWindow) Quantile(q float64, now time.Time) float64 {
	values := w.Values(now)
	if len(values) == 0 {
		return math.NaN()
	}
	return values[int(math.Round(q*float64(len(values)-1)))]
}
