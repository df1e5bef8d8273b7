// Package mathx provides small statistics helpers used when combining
// per-monitor results.
package mathx

import "math"

// MeanStdErr returns the mean of xs and the standard error of that mean,
// sqrt((Σx² - n·mean²) / (n·(n-1))).  A single value has zero error.
// An empty slice returns zeros.
func MeanStdErr(xs []float64) (mean, stderr float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sum, sum2 float64
	for _, x := range xs {
		sum += x
		sum2 += x * x
	}
	mean = sum / n
	if len(xs) == 1 {
		return mean, 0
	}
	v := (sum2 - n*mean*mean) / (n * (n - 1))
	if v < 0 {
		// cancellation on identical values
		v = 0
	}
	return mean, math.Sqrt(v)
}
