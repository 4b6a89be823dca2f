package quantiles

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/failsafe-go/quantiles/internal/testutil"
)

func buildWithClock(builder Builder, clock *testutil.TestClock) QuantileEstimator {
	c := builder.(*config)
	c.clock = clock
	return c.Build()
}

func addValues(t *testing.T, estimator QuantileEstimator, now time.Time, values ...float64) {
	for _, v := range values {
		require.NoError(t, estimator.AddValueAt(v, now))
	}
}

// Asserts that adding 1..100 estimates a median close to 50 with an exact count and sum.
func TestSimple_Uniform(t *testing.T) {
	estimator := NewSimple()
	for i := 1; i <= 100; i++ {
		require.NoError(t, estimator.AddValueAt(float64(i), testutil.Time(0)))
	}

	estimates, err := estimator.EstimateQuantilesAt([]float64{.5}, testutil.Time(1000))
	require.NoError(t, err)
	assert.Equal(t, 100.0, estimates.Count)
	assert.Equal(t, 5050.0, estimates.Sum)
	require.Len(t, estimates.Quantiles, 1)
	assert.Equal(t, .5, estimates.Quantiles[0].Quantile)
	assert.InDelta(t, 50, estimates.Quantiles[0].Value, 2)
}

// Asserts that an estimator with no values returns NaN estimates and a zero count.
func TestEstimator_Empty(t *testing.T) {
	estimators := map[string]QuantileEstimator{
		"simple":         NewSimple(),
		"sliding window": NewSlidingWindow(time.Second, 3),
	}

	for name, estimator := range estimators {
		t.Run(name, func(t *testing.T) {
			estimates, err := estimator.EstimateQuantilesAt([]float64{0, .5, 1}, testutil.Time(0))
			require.NoError(t, err)
			assert.True(t, estimates.IsEmpty())
			assert.Equal(t, 0.0, estimates.Sum)
			assert.Len(t, estimates.Quantiles, 3)
			for _, q := range estimates.Quantiles {
				assert.True(t, math.IsNaN(q.Value))
			}
		})
	}
}

// Asserts that a single value is returned for every quantile.
func TestEstimator_SingleValue(t *testing.T) {
	estimators := map[string]QuantileEstimator{
		"simple":         NewSimple(),
		"sliding window": NewSlidingWindow(time.Second, 3),
	}

	for name, estimator := range estimators {
		t.Run(name, func(t *testing.T) {
			addValues(t, estimator, testutil.Time(0), 7.25)

			estimates, err := estimator.EstimateQuantilesAt([]float64{0, .01, .5, .99, 1}, testutil.Time(500))
			require.NoError(t, err)
			assert.Equal(t, 1.0, estimates.Count)
			for _, q := range estimates.Quantiles {
				assert.Equal(t, 7.25, q.Value)
			}
		})
	}
}

// Asserts that estimates are returned in request order, including duplicates.
func TestEstimator_QuantileOrder(t *testing.T) {
	estimator := NewSimple()
	for i := 1; i <= 1000; i++ {
		addValues(t, estimator, testutil.Time(0), float64(i))
	}

	quantiles := []float64{.99, .5, 0, .99, 1, .1}
	estimates, err := estimator.EstimateQuantilesAt(quantiles, testutil.Time(0))
	require.NoError(t, err)
	require.Len(t, estimates.Quantiles, len(quantiles))
	for i, q := range quantiles {
		assert.Equal(t, q, estimates.Quantiles[i].Quantile)
	}
	assert.Equal(t, estimates.Quantiles[0].Value, estimates.Quantiles[3].Value)
	assert.Equal(t, 1.0, estimates.Quantiles[2].Value)
	assert.Equal(t, 1000.0, estimates.Quantiles[4].Value)

	value, ok := estimates.Value(.1)
	assert.True(t, ok)
	assert.InDelta(t, 100, value, 5)
	_, ok = estimates.Value(.75)
	assert.False(t, ok)
}

// Asserts that quantiles outside of [0, 1] are rejected rather than clamped.
func TestEstimator_InvalidQuantile(t *testing.T) {
	estimator := NewSimple()
	addValues(t, estimator, testutil.Time(0), 1, 2, 3)

	for _, q := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		_, err := estimator.EstimateQuantilesAt([]float64{.5, q}, testutil.Time(0))
		assert.ErrorIs(t, err, ErrInvalidQuantile)
	}
}

// Asserts that NaN and infinite values are rejected and not recorded.
func TestEstimator_InvalidValue(t *testing.T) {
	estimator := NewSimple()
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := estimator.AddValueAt(v, testutil.Time(0))
		assert.True(t, errors.Is(err, ErrInvalidValue))
	}
	addValues(t, estimator, testutil.Time(0), 5)

	estimates, err := estimator.EstimateQuantilesAt([]float64{0, 1}, testutil.Time(0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, estimates.Count)
	assert.Equal(t, 5.0, estimates.Quantiles[0].Value)
	assert.Equal(t, 5.0, estimates.Quantiles[1].Value)
}

// Asserts that quantile 0 and 1 return the exact min and max, and that estimates are monotonic.
func TestEstimator_BoundariesAndMonotonicity(t *testing.T) {
	estimators := map[string]QuantileEstimator{
		"simple":         NewSimple(),
		"sliding window": NewSlidingWindow(time.Second, 10),
	}

	for name, estimator := range estimators {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			minValue, maxValue := math.Inf(1), math.Inf(-1)
			for i := 0; i < 20000; i++ {
				v := rng.ExpFloat64() * 100
				minValue = math.Min(minValue, v)
				maxValue = math.Max(maxValue, v)
				addValues(t, estimator, testutil.Time(int64(i/4)), v)
			}

			quantiles := make([]float64, 0, 1001)
			for i := 0; i <= 1000; i++ {
				quantiles = append(quantiles, float64(i)/1000)
			}
			estimates, err := estimator.EstimateQuantilesAt(quantiles, testutil.Time(5000))
			require.NoError(t, err)
			assert.Equal(t, 20000.0, estimates.Count)
			assert.Equal(t, minValue, estimates.Quantiles[0].Value)
			assert.Equal(t, maxValue, estimates.Quantiles[1000].Value)
			for i := 1; i < len(estimates.Quantiles); i++ {
				require.GreaterOrEqual(t, estimates.Quantiles[i].Value, estimates.Quantiles[i-1].Value)
			}
		})
	}
}

// Asserts that the simple estimator retains values indefinitely.
func TestSimple_RetainsValues(t *testing.T) {
	estimator := NewSimple()
	addValues(t, estimator, testutil.Time(0), 1, 2, 3)

	estimates, err := estimator.EstimateQuantilesAt([]float64{.5}, testutil.Time(int64(24*time.Hour/time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, 3.0, estimates.Count)
	assert.Equal(t, 6.0, estimates.Sum)
}

// Asserts that a value is visible once the flush interval has elapsed, even when no write triggered a flush.
func TestSimple_FlushLatency(t *testing.T) {
	var events []FlushedEvent
	estimator := NewBuilder().
		OnFlush(func(event FlushedEvent) {
			events = append(events, event)
		}).
		Build()
	addValues(t, estimator, testutil.Time(100), 10)
	assert.Empty(t, events)

	estimates, err := estimator.EstimateQuantilesAt([]float64{.5}, testutil.Time(1100))
	require.NoError(t, err)
	assert.Equal(t, 1.0, estimates.Count)
	assert.Equal(t, 10.0, estimates.Quantiles[0].Value)
	assert.Equal(t, []FlushedEvent{{Values: 1, Count: 1}}, events)
}

// Asserts that writes trigger at most one flush per flush interval.
func TestSimple_FlushesOncePerInterval(t *testing.T) {
	flushes := 0
	clock := testutil.NewTestClock(0)
	estimator := buildWithClock(NewBuilder().OnFlush(func(event FlushedEvent) {
		flushes++
	}), clock)

	for i := 0; i < 50; i++ {
		require.NoError(t, estimator.AddValue(float64(i)))
		clock.Advance(100 * time.Millisecond)
	}

	// Flushes at 1s, 2s, 3s and 4s each merge the previous second of values
	assert.Equal(t, 4, flushes)
	estimates, err := estimator.EstimateQuantiles([]float64{.5})
	require.NoError(t, err)
	assert.Equal(t, 50.0, estimates.Count)
	assert.Equal(t, 5, flushes)
}

// Asserts that values age out of a sliding window estimator once they are outside of the retained windows.
func TestSlidingWindow_Eviction(t *testing.T) {
	tests := []struct {
		name          string
		queryMillis   int64
		expectedCount float64
	}{
		{"within horizon", 2900, 1},
		{"outside horizon", 3500, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			estimator := NewSlidingWindow(time.Second, 3)
			addValues(t, estimator, testutil.Time(0), 99)

			estimates, err := estimator.EstimateQuantilesAt([]float64{.5}, testutil.Time(tc.queryMillis))
			require.NoError(t, err)
			assert.Equal(t, tc.expectedCount, estimates.Count)
			assert.Equal(t, 99*tc.expectedCount, estimates.Sum)
			if tc.expectedCount == 0 {
				assert.True(t, math.IsNaN(estimates.Quantiles[0].Value))
			} else {
				assert.Equal(t, 99.0, estimates.Quantiles[0].Value)
			}
		})
	}
}

// Asserts that a sliding window estimator only reflects recent values as the distribution shifts.
func TestSlidingWindow_ShiftingDistribution(t *testing.T) {
	clock := testutil.NewTestClock(0)
	estimator := buildWithClock(NewBuilder().WithSlidingWindow(time.Second, 5), clock)

	// 10 seconds of values around 100, then 5 seconds of values around 1000
	for s := 0; s < 15; s++ {
		base := 100.0
		if s >= 10 {
			base = 1000
		}
		for i := 0; i < 100; i++ {
			require.NoError(t, estimator.AddValue(base+float64(i%10)))
		}
		clock.Advance(time.Second)
	}
	clock.SetTime(14999)

	estimates, err := estimator.EstimateQuantiles([]float64{0, .5, 1})
	require.NoError(t, err)
	assert.Equal(t, 500.0, estimates.Count)
	assert.Equal(t, 1000.0, estimates.Quantiles[0].Value)
	assert.InDelta(t, 1004.5, estimates.Quantiles[1].Value, 5)
	assert.Equal(t, 1009.0, estimates.Quantiles[2].Value)
}

// Asserts that a clock going backwards does not lose values or rewind the sliding window.
func TestSlidingWindow_ClockGoesBackwards(t *testing.T) {
	estimator := NewSlidingWindow(time.Second, 3)
	addValues(t, estimator, testutil.Time(5000), 1)
	addValues(t, estimator, testutil.Time(2000), 2)

	estimates, err := estimator.EstimateQuantilesAt([]float64{.5}, testutil.Time(5500))
	require.NoError(t, err)
	assert.Equal(t, 2.0, estimates.Count)
	assert.Equal(t, 3.0, estimates.Sum)
}

// Asserts that concurrent writers and readers produce consistent estimates without losing values.
func TestEstimator_Concurrent(t *testing.T) {
	estimators := map[string]QuantileEstimator{
		"simple":         NewBuilder().WithBufferShards(4, 100).Build(),
		"sliding window": NewBuilder().WithSlidingWindow(time.Second, 60).WithBufferShards(4, 100).Build(),
	}

	for name, estimator := range estimators {
		t.Run(name, func(t *testing.T) {
			writers := 8
			perWriter := 5000
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						assert.NoError(t, estimator.AddValueAt(1, testutil.Time(int64(i))))
					}
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					estimates, err := estimator.EstimateQuantilesAt([]float64{.5}, testutil.Time(int64(i*250)))
					assert.NoError(t, err)
					assert.Equal(t, estimates.Count, estimates.Sum)
				}
			}()
			wg.Wait()

			estimates, err := estimator.EstimateQuantilesAt([]float64{.5}, testutil.Time(10000))
			require.NoError(t, err)
			assert.Equal(t, float64(writers*perWriter), estimates.Count)
			assert.Equal(t, float64(writers*perWriter), estimates.Sum)
		})
	}
}

func BenchmarkSimple_AddValue(b *testing.B) {
	estimator := NewSimple()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = estimator.AddValue(float64(i % 1000))
			i++
		}
	})
}

func BenchmarkSlidingWindow_AddValue(b *testing.B) {
	estimator := NewSlidingWindow(time.Second, DefaultWindowCount)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = estimator.AddValue(float64(i % 1000))
			i++
		}
	})
}

// Asserts that sliding window estimates track the exact quantiles of the values inside the retained windows.
func TestSlidingWindow_AgainstExact(t *testing.T) {
	clock := testutil.NewTestClock(0)
	estimator := buildWithClock(NewBuilder().WithSlidingWindow(time.Second, 10), clock)
	exact := testutil.NewExactWindow(10 * time.Second)
	rng := rand.New(rand.NewSource(42))

	// 30 seconds of latencies whose scale grows over time
	for i := 0; i < 30000; i++ {
		clock.SetTime(int64(i))
		v := rng.ExpFloat64() * float64(10+i/1000)
		require.NoError(t, estimator.AddValue(v))
		exact.Add(v, clock.Now())
	}

	// Window boundaries align with exact retention when querying at the end of a window
	clock.SetTime(29999)
	quantiles := []float64{0, .1, .5, .9, .99, 1}
	estimates, err := estimator.EstimateQuantiles(quantiles)
	require.NoError(t, err)
	assert.Equal(t, float64(len(exact.Values(clock.Now()))), estimates.Count)
	for i, q := range quantiles {
		expected := exact.Quantile(q, clock.Now())
		assert.InDelta(t, expected, estimates.Quantiles[i].Value, math.Max(1, expected*.1), "quantile %v", q)
	}
}
