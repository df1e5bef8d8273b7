package fit

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoConvergence is returned when the solver exhausts its iterations
	ErrNoConvergence = errors.New("least squares did not converge")

	// ErrMask is returned when the mask and parameter vector differ in length
	ErrMask = errors.New("mask and parameters differ in length")
)

// Point is one observation, the model evaluated at X should equal Y
type Point struct {
	X float64
	Y float64
}

// Model evaluates the fitted function at x for parameters a.
// It writes the partial derivatives with respect to each parameter into grad,
// which has the same length as a.
type Model func(x float64, a, grad []float64) float64

// Result holds the outcome of Solve
type Result struct {
	// Params is the fitted parameter vector, fixed parameters untouched
	Params []float64

	// Errors is the one sigma uncertainty of each parameter.  Fixed
	// parameters have zero error; parameters that could not be estimated are NaN.
	Errors []float64

	// ChiSq is the sum of squared residuals at Params
	ChiSq float64

	// Iterations is the number of outer iterations taken
	Iterations int
}

// Solver is a Levenberg-Marquardt least squares solver.  The zero value is
// usable and takes the defaults below.
type Solver struct {
	// MaxIter bounds the number of outer iterations, default 100
	MaxIter int

	// Tol is the convergence tolerance on the change of chi square, relative
	// and absolute, default 1e-10
	Tol float64
}

func (s Solver) maxIter() int {
	if s.MaxIter <= 0 {
		return 100
	}
	return s.MaxIter
}

func (s Solver) tol() float64 {
	if s.Tol <= 0 {
		return 1e-10
	}
	return s.Tol
}

// Solve fits m to data starting from a0.  Parameters whose mask entry is
// false are held at their starting value.
func (s Solver) Solve(data []Point, m Model, a0 []float64, mask []bool) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrNoData
	}
	if len(mask) != len(a0) {
		return Result{}, errors.Wrapf(ErrMask, "%d parameters, %d mask entries", len(a0), len(mask))
	}
	a := append([]float64(nil), a0...)
	var free []int
	for i, f := range mask {
		if f {
			free = append(free, i)
		}
	}
	chi := chiSq(data, m, a)
	res := Result{Params: a, Errors: make([]float64, len(a)), ChiSq: chi}
	if len(free) == 0 {
		return res, nil
	}

	var (
		lambda    = 1e-3
		tol       = s.tol()
		converged bool
		iter      int
	)
	for iter = 0; iter < s.maxIter() && !converged; iter++ {
		jtj, jtr := normal(data, m, a, free)
		improved := false
		for lambda < 1e15 {
			step, ok := damped(jtj, jtr, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			trial := append([]float64(nil), a...)
			for k, idx := range free {
				trial[idx] += step.AtVec(k)
			}
			c := chiSq(data, m, trial)
			if c <= chi {
				dc := chi - c
				a, chi = trial, c
				lambda = math.Max(lambda/10, 1e-15)
				improved = true
				converged = dc <= tol*chi+tol
				break
			}
			lambda *= 10
		}
		if !improved {
			// no downhill step at any damping: a is a minimum
			converged = true
		}
	}
	res.Params, res.ChiSq, res.Iterations = a, chi, iter
	if !converged {
		return res, errors.Wrapf(ErrNoConvergence, "after %d iterations, chi square %g", iter, chi)
	}

	dof := len(data) - len(free)
	if dof < 1 {
		dof = 1
	}
	jtj, _ := normal(data, m, a, free)
	var cov mat.Dense
	if err := cov.Inverse(jtj); err != nil {
		if _, ill := err.(mat.Condition); !ill {
			for _, idx := range free {
				res.Errors[idx] = math.NaN()
			}
			return res, nil
		}
	}
	scale := chi / float64(dof)
	for k, idx := range free {
		res.Errors[idx] = math.Sqrt(math.Abs(cov.At(k, k)) * scale)
	}
	return res, nil
}

func chiSq(data []Point, m Model, a []float64) float64 {
	grad := make([]float64, len(a))
	var c float64
	for _, p := range data {
		r := p.Y - m(p.X, a, grad)
		c += r * r
	}
	return c
}

// normal builds JᵀJ and Jᵀr over the free parameters
func normal(data []Point, m Model, a []float64, free []int) (*mat.Dense, *mat.VecDense) {
	n, nf := len(data), len(free)
	jac := mat.NewDense(n, nf, nil)
	r := mat.NewVecDense(n, nil)
	grad := make([]float64, len(a))
	for i, p := range data {
		for k := range grad {
			grad[k] = 0
		}
		r.SetVec(i, p.Y-m(p.X, a, grad))
		for k, idx := range free {
			jac.Set(i, k, grad[idx])
		}
	}
	jtj := mat.NewDense(nf, nf, nil)
	jtj.Mul(jac.T(), jac)
	jtr := mat.NewVecDense(nf, nil)
	jtr.MulVec(jac.T(), r)
	return jtj, jtr
}

// damped solves (JᵀJ + λ·diag(JᵀJ)) δ = Jᵀr
func damped(jtj *mat.Dense, jtr *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	nf, _ := jtj.Dims()
	a := mat.NewDense(nf, nf, nil)
	a.Copy(jtj)
	for i := 0; i < nf; i++ {
		d := jtj.At(i, i)
		if d == 0 {
			d = 1
		}
		a.Set(i, i, jtj.At(i, i)+lambda*d)
	}
	var step mat.VecDense
	if err := step.SolveVec(a, jtr); err != nil {
		if _, ill := err.(mat.Condition); !ill {
			return nil, false
		}
	}
	for i := 0; i < nf; i++ {
		if v := step.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return &step, true
}
