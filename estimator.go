package quantiles

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/failsafe-go/quantiles/internal/buffer"
	"github.com/failsafe-go/quantiles/internal/util"
)

// ErrInvalidQuantile is returned when a requested quantile is outside of [0, 1].
var ErrInvalidQuantile = errors.New("invalid quantile")

// ErrInvalidValue is returned when a NaN or infinite value is added to an estimator.
var ErrInvalidValue = errors.New("invalid value")

// QuantileEstimator estimates quantiles over a stream of values.
//
// This type is concurrency safe.
type QuantileEstimator interface {
	// AddValue adds the value at the current time. Returns ErrInvalidValue if the value is NaN or infinite, in which
	// case nothing is recorded.
	AddValue(value float64) error

	// AddValueAt adds the value at the time now. Returns ErrInvalidValue if the value is NaN or infinite, in which case
	// nothing is recorded.
	AddValueAt(value float64, now time.Time) error

	// EstimateQuantiles flushes any buffered values and returns estimates for the quantiles as of the current time. See
	// EstimateQuantilesAt.
	EstimateQuantiles(quantiles []float64) (QuantileEstimates, error)

	// EstimateQuantilesAt flushes any buffered values and returns estimates for the quantiles as of the time now. The
	// estimates are in the same order as the quantiles, and duplicate quantiles are each estimated. Returns
	// ErrInvalidQuantile if any quantile is outside of [0, 1]. If the estimator holds no values, Count is 0 and every
	// estimated value is NaN.
	EstimateQuantilesAt(quantiles []float64, now time.Time) (QuantileEstimates, error)
}

// QuantileEstimates is a snapshot of quantile estimates.
type QuantileEstimates struct {
	// Sum is the exact sum of the values the estimates were computed from.
	Sum float64

	// Count is the exact number of values the estimates were computed from.
	Count float64

	// Quantiles contains an estimate for each requested quantile, in request order.
	Quantiles []Quantile
}

// Quantile is an estimated Value for a Quantile.
type Quantile struct {
	Quantile float64
	Value    float64
}

// Value returns the estimated value for the first estimate matching the quantile, else false if the quantile was not
// estimated.
func (e QuantileEstimates) Value(quantile float64) (float64, bool) {
	for _, q := range e.Quantiles {
		if q.Quantile == quantile {
			return q.Value, true
		}
	}
	return 0, false
}

// IsEmpty returns whether the estimates were computed from no values.
func (e QuantileEstimates) IsEmpty() bool {
	return e.Count == 0
}

// snapshotter is implemented by the buffered digests that back the estimators.
type snapshotter interface {
	AddValue(value float64, now int64)
	Snapshot(now int64) *buffer.Snapshot
}

// estimator implements QuantileEstimator for a Simple or SlidingWindow snapshotter.
type estimator struct {
	clock  util.Clock
	digest snapshotter
}

var _ QuantileEstimator = &estimator{}

func (e *estimator) AddValue(value float64) error {
	return e.AddValueAt(value, e.clock.Now())
}

func (e *estimator) AddValueAt(value float64, now time.Time) error {
	if !util.IsFinite(value) {
		return fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}
	e.digest.AddValue(value, now.UnixNano())
	return nil
}

func (e *estimator) EstimateQuantiles(quantiles []float64) (QuantileEstimates, error) {
	return e.EstimateQuantilesAt(quantiles, e.clock.Now())
}

func (e *estimator) EstimateQuantilesAt(quantiles []float64, now time.Time) (QuantileEstimates, error) {
	for _, q := range quantiles {
		if math.IsNaN(q) || q < 0 || q > 1 {
			return QuantileEstimates{}, fmt.Errorf("%w: %v is not within [0, 1]", ErrInvalidQuantile, q)
		}
	}

	snapshot := e.digest.Snapshot(now.UnixNano())
	result := QuantileEstimates{
		Sum:       snapshot.Sum,
		Count:     snapshot.Count(),
		Quantiles: make([]Quantile, len(quantiles)),
	}
	for i, q := range quantiles {
		result.Quantiles[i] = Quantile{
			Quantile: q,
			Value:    snapshot.Digest.Quantile(q),
		}
	}
	return result, nil
}
