// Package fit contains the numerical fitting routines: a weighted straight
// line fit and a general least squares solver with fixed parameters.
package fit

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNoData is returned when a fit is requested on an empty data set
	ErrNoData = errors.New("no data to fit")

	// ErrLength is returned when input slices have different lengths
	ErrLength = errors.New("input lengths differ")
)

// Line is the result of a straight line fit y = Intercept + Slope*x
type Line struct {
	Intercept    float64
	Slope        float64
	InterceptErr float64
	SlopeErr     float64

	// N is the number of points in the fit
	N int

	// Degenerate is true when the slope could not be determined: a single
	// point, or all points at the same x.  Slope and SlopeErr are zero.
	Degenerate bool
}

// At evaluates the line at x
func (l Line) At(x float64) float64 {
	return l.Intercept + l.Slope*x
}

// FitLine fits a first degree polynomial to (x, y) by weighted least squares.
// w may be nil for equal weights.
//
// The parameter errors are scaled by the reduced chi square, so a fit through
// points with no scatter has zero error.  Two points also have zero error,
// as there are no degrees of freedom left.
func FitLine(x, y, w []float64) (Line, error) {
	n := len(x)
	if n == 0 {
		return Line{}, ErrNoData
	}
	if len(y) != n || (w != nil && len(w) != n) {
		return Line{}, errors.Wrapf(ErrLength, "fit line to %d x, %d y, %d w", len(x), len(y), len(w))
	}
	if w == nil {
		w = make([]float64, n)
		for i := range w {
			w[i] = 1
		}
	}

	xbar, sw := stat.Mean(x, w), 0.
	var sxx float64
	for i := range x {
		d := x[i] - xbar
		sxx += w[i] * d * d
		sw += w[i]
	}
	if n == 1 || sxx == 0 {
		return Line{Intercept: stat.Mean(y, w), N: n, Degenerate: true}, nil
	}

	alpha, beta := stat.LinearRegression(x, y, w, false)
	ln := Line{Intercept: alpha, Slope: beta, N: n}
	dof := n - 2
	if dof < 1 {
		return ln, nil
	}
	var chi2 float64
	for i := range x {
		r := y[i] - alpha - beta*x[i]
		chi2 += w[i] * r * r
	}
	s2 := chi2 / float64(dof)
	ln.SlopeErr = math.Sqrt(s2 / sxx)
	ln.InterceptErr = math.Sqrt(s2 * (1/sw + xbar*xbar/sxx))
	return ln, nil
}
