// Package digest provides a mergeable t-digest for estimating quantiles of a stream of float64 values in bounded
// memory. Accuracy is highest near the tails of the distribution and lowest near the median.
package digest

import (
	"math"
	"slices"
	"sort"

	"github.com/failsafe-go/quantiles/internal/util"
)

// DefaultCompression bounds a digest to roughly 100 centroids.
const DefaultCompression = 100.0

// Centroid summarizes Weight samples as a single point at Mean.
type Centroid struct {
	Mean   float64
	Weight float64
}

// Digest is a compressed summary of a weighted sample set. A Digest is immutable: every merge returns a new Digest and
// leaves the receiver untouched, so a Digest that has been published can be read by any number of goroutines.
//
// This type is concurrency safe.
type Digest struct {
	compression float64
	centroids   []Centroid
	count       float64
	min         float64
	max         float64
}

// New returns an empty Digest for the compression, which bounds the number of centroids the digest retains to at most
// compression+1. Higher compression values are more accurate and use more memory.
func New(compression float64) *Digest {
	util.Assert(compression > 0, "compression must be > 0")
	return &Digest{
		compression: compression,
		min:         math.NaN(),
		max:         math.NaN(),
	}
}

// Compression returns the compression the digest was created with.
func (d *Digest) Compression() float64 {
	return d.compression
}

// Count returns the total weight of values merged into the digest.
func (d *Digest) Count() float64 {
	return d.count
}

// IsEmpty returns whether nothing has been merged into the digest.
func (d *Digest) IsEmpty() bool {
	return len(d.centroids) == 0
}

// Min returns the exact smallest value merged into the digest, else NaN if the digest is empty.
func (d *Digest) Min() float64 {
	return d.min
}

// Max returns the exact largest value merged into the digest, else NaN if the digest is empty.
func (d *Digest) Max() float64 {
	return d.max
}

// Len returns the number of centroids in the digest.
func (d *Digest) Len() int {
	return len(d.centroids)
}

// Centroids returns a copy of the digest's centroids, ordered by mean.
func (d *Digest) Centroids() []Centroid {
	return slices.Clone(d.centroids)
}

// MergeValues returns a new Digest containing the digest's centroids plus the values, each with a weight of 1. The values
// slice is not modified.
func (d *Digest) MergeValues(values []float64) *Digest {
	if len(values) == 0 {
		return d
	}

	sorted := slices.Clone(values)
	sort.Float64s(sorted)

	// Merge the existing centroids and the sorted values into a single ordered sequence
	points := make([]Centroid, 0, len(d.centroids)+len(sorted))
	i, j := 0, 0
	for i < len(d.centroids) || j < len(sorted) {
		if j == len(sorted) || (i < len(d.centroids) && d.centroids[i].Mean <= sorted[j]) {
			points = append(points, d.centroids[i])
			i++
		} else {
			points = append(points, Centroid{Mean: sorted[j], Weight: 1})
			j++
		}
	}

	minValue, maxValue := sorted[0], sorted[len(sorted)-1]
	if !d.IsEmpty() {
		minValue = math.Min(minValue, d.min)
		maxValue = math.Max(maxValue, d.max)
	}
	return compress(d.compression, points, d.count+float64(len(sorted)), minValue, maxValue)
}

// MergeDigest returns a new Digest combining the digest with other, using the digest's compression. Other's centroids
// are merged as weighted points rather than being expanded back into raw values.
func (d *Digest) MergeDigest(other *Digest) *Digest {
	return Merge(d.compression, d, other)
}

// Merge returns a new Digest for the compression that combines all of the digests. Nil and empty digests are ignored.
func Merge(compression float64, digests ...*Digest) *Digest {
	size := 0
	nonEmpty := 0
	var last *Digest
	for _, d := range digests {
		if d != nil && !d.IsEmpty() {
			size += len(d.centroids)
			nonEmpty++
			last = d
		}
	}
	if nonEmpty == 0 {
		return New(compression)
	}
	if nonEmpty == 1 && last.compression == compression {
		return last
	}

	points := make([]Centroid, 0, size)
	count := 0.0
	minValue, maxValue := math.Inf(1), math.Inf(-1)
	for _, d := range digests {
		if d == nil || d.IsEmpty() {
			continue
		}
		points = append(points, d.centroids...)
		count += d.count
		minValue = math.Min(minValue, d.min)
		maxValue = math.Max(maxValue, d.max)
	}
	slices.SortStableFunc(points, func(a, b Centroid) int {
		switch {
		case a.Mean < b.Mean:
			return -1
		case a.Mean > b.Mean:
			return 1
		default:
			return 0
		}
	})
	return compress(compression, points, count, minValue, maxValue)
}

// compress walks the ordered points and combines neighbors into centroids, closing the current centroid whenever
// absorbing the next point would push its cumulative weight past the size limit for its position in the distribution.
func compress(compression float64, points []Centroid, count, minValue, maxValue float64) *Digest {
	result := &Digest{
		compression: compression,
		centroids:   make([]Centroid, 0, min(len(points), int(math.Ceil(compression))+1)),
		count:       count,
		min:         minValue,
		max:         maxValue,
	}

	k := 1.0
	limit := kToQ(k, compression) * count
	weightSoFar := points[0].Weight
	sumToMerge := points[0].Mean * points[0].Weight
	weightToMerge := points[0].Weight
	for _, next := range points[1:] {
		weightSoFar += next.Weight
		if weightSoFar <= limit {
			sumToMerge += next.Mean * next.Weight
			weightToMerge += next.Weight
			continue
		}

		result.centroids = append(result.centroids, newCentroid(sumToMerge, weightToMerge, minValue, maxValue))
		k++
		limit = kToQ(k, compression) * count
		sumToMerge = next.Mean * next.Weight
		weightToMerge = next.Weight
	}
	result.centroids = append(result.centroids, newCentroid(sumToMerge, weightToMerge, minValue, maxValue))
	return result
}

// newCentroid keeps the centroid mean within [minValue, maxValue], which floating point division may otherwise escape.
func newCentroid(sum, weight, minValue, maxValue float64) Centroid {
	return Centroid{
		Mean:   math.Max(minValue, math.Min(maxValue, sum/weight)),
		Weight: weight,
	}
}

// kToQ maps the k-th centroid boundary to the quantile at which it closes. Boundaries are packed quadratically toward
// both tails, so centroids near q=0 and q=1 hold fewer samples than those near the median.
func kToQ(k, compression float64) float64 {
	kDivD := k / compression
	if kDivD >= 1 {
		return 1
	}
	if kDivD >= 0.5 {
		base := 1 - kDivD
		return 1 - 2*base*base
	}
	return 2 * kDivD * kDivD
}

// Quantile returns the estimated value at the quantile, which should be in [0, 1]. Returns NaN if the digest is empty or
// the quantile is outside [0, 1]. Quantile 0 returns the exact min and quantile 1 returns the exact max.
//
// Each centroid is treated as sitting at the midpoint of the cumulative weight it covers, and the value at q*Count is
// linearly interpolated between the bounding centroids, or between a centroid and the exact min or max at either end.
func (d *Digest) Quantile(q float64) float64 {
	if d.IsEmpty() || math.IsNaN(q) || q < 0 || q > 1 {
		return math.NaN()
	}
	if q == 0 {
		return d.min
	}
	if q == 1 {
		return d.max
	}

	rank := q * d.count
	first := d.centroids[0]
	if rank <= first.Weight/2 {
		return interpolate(rank, 0, d.min, first.Weight/2, first.Mean)
	}

	cumulative := 0.0
	for i := 0; i < len(d.centroids)-1; i++ {
		c, next := d.centroids[i], d.centroids[i+1]
		left := cumulative + c.Weight/2
		right := cumulative + c.Weight + next.Weight/2
		if rank < right {
			return interpolate(rank, left, c.Mean, right, next.Mean)
		}
		cumulative += c.Weight
	}

	last := d.centroids[len(d.centroids)-1]
	return interpolate(rank, d.count-last.Weight/2, last.Mean, d.count, d.max)
}

// interpolate returns the value at x on the line between (x0, y0) and (x1, y1), clamped to [y0, y1].
func interpolate(x, x0, y0, x1, y1 float64) float64 {
	if x1 <= x0 {
		return y1
	}
	value := y0 + (x-x0)/(x1-x0)*(y1-y0)
	return math.Max(y0, math.Min(y1, value))
}
