package quantiles

// FlushedEvent indicates that buffered values were merged into an estimator's digest.
type FlushedEvent struct {
	// Values is the number of values that were merged.
	Values int

	// Count is the number of values in the digest that was flushed to, after the merge. For a sliding window estimator
	// this is the count of a single window.
	Count float64
}
