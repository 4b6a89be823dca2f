/*
Package quantiles estimates quantiles such as p50, p99 and p999 over a continuous stream of float64 values.

Estimators are built for very frequent concurrent writes and infrequent reads. Writes are buffered and periodically
merged into a t-digest, and reads flush any buffered values before estimating. Two estimators are available:

  - NewSimple returns an estimator that retains every value ever added.
  - NewSlidingWindow returns an estimator that only retains values from the most recent windows.

Estimates are approximate. Sum and Count are exact.
*/
package quantiles
