/*Package orbit finds corrector settings that cancel the beam offsets
measured in the magnets.

The corrected orbit comes from a regularized least squares problem.  There
is one equation per magnet with a ready position in the plane,

	Σj (aj - a0j)·Rij = -pi

and one per corrector anchoring it to its reference field,

	(aj - a0j)·wj = 0

with Rij the response of corrector j at magnet i in mm/T.  After each solve,
the weight of every active corrector found outside its limits is escalated
and the problem solved again, until all are within limits or the iteration
bound is hit.
*/
package orbit

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/fit"
	"github.com/pkg/errors"
)

var (
	// ErrNoCorrection is returned when no orbit within corrector limits is found
	ErrNoCorrection = errors.New("cannot find corrected orbit")

	// ErrNotMemorized is returned when correctors are applied or restored
	// before their fields were memorized
	ErrNotMemorized = errors.New("correctors have not been memorized")
)

// Config holds the solver tuning and the apply signs
type Config struct {
	// Weight is the initial regularization weight of every corrector
	Weight float64 `yaml:"Weight" koanf:"Weight"`

	// Escalation multiplies the weight of an out of limits corrector
	Escalation float64 `yaml:"Escalation" koanf:"Escalation"`

	// MaxIterations bounds the number of solves
	MaxIterations int `yaml:"MaxIterations" koanf:"MaxIterations"`

	// SignX and SignY scale the change pushed by Apply in each plane
	SignX float64 `yaml:"SignX" koanf:"SignX"`
	SignY float64 `yaml:"SignY" koanf:"SignY"`

	// FitMaxIter and FitTol are passed to the least squares fitter
	FitMaxIter int     `yaml:"FitMaxIter" koanf:"FitMaxIter"`
	FitTol     float64 `yaml:"FitTol" koanf:"FitTol"`
}

// DefaultConfig returns a weight of 0.01 tripled up to 10 times, unit signs,
// and the fitter defaults
func DefaultConfig() Config {
	return Config{
		Weight:        0.01,
		Escalation:    3,
		MaxIterations: 10,
		SignX:         1,
		SignY:         1,
	}
}

// Sign returns the apply sign of a plane
func (c Config) Sign(p device.Plane) float64 {
	if p == device.Vertical {
		return c.SignY
	}
	return c.SignX
}

// Setting is the solved field of one corrector.  Err is zero for fixed
// correctors and when the fit could not estimate it.
type Setting struct {
	Corrector string  `json:"corrector"`
	Reference float64 `json:"reference"`
	Field     float64 `json:"field"`
	Err       float64 `json:"err"`
	Fixed     bool    `json:"fixed"`
}

// Delta returns the change from the reference field
func (s Setting) Delta() float64 {
	return s.Field - s.Reference
}

// Point is the position in one magnet before and after a correction
type Point struct {
	Magnet    string  `json:"magnet"`
	Measured  float64 `json:"measured"`
	Err       float64 `json:"err"`
	Predicted float64 `json:"predicted"`
}

// Correction is the outcome of a successful Find
type Correction struct {
	Plane      device.Plane `json:"-"`
	Settings   []Setting    `json:"settings"`
	Orbit      []Point      `json:"orbit"`
	Iterations int          `json:"iterations"`
}

// Solver finds corrections
type Solver struct {
	Config Config
}

// NewSolver returns a Solver with the given configuration
func NewSolver(cfg Config) *Solver {
	return &Solver{Config: cfg}
}

// LimitError is returned by Find when correctors remain outside their
// limits after every solve.  Its cause is ErrNoCorrection.
type LimitError struct {
	Plane      device.Plane
	Correctors []string
	Solves     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s correctors %s out of limits after %d solves",
		ErrNoCorrection, e.Plane, strings.Join(e.Correctors, ", "), e.Solves)
}

// Cause returns ErrNoCorrection
func (e *LimitError) Cause() error { return ErrNoCorrection }

// Unwrap returns ErrNoCorrection
func (e *LimitError) Unwrap() error { return ErrNoCorrection }

// problem is the least squares system of one Find call
type problem struct {
	nEqs    int
	pos     []float64
	errs    []float64
	magnets []*device.Magnet
	init    []float64
	weight  []float64
	coeff   [][]float64
}

// eval is a fit.Model over the equation index x
func (p *problem) eval(x float64, a, grad []float64) float64 {
	i := int(x)
	var res float64
	if i < p.nEqs {
		for j := range a {
			res += (a[j] - p.init[j]) * p.coeff[i][j]
			grad[j] = p.coeff[i][j]
		}
		return res
	}
	j := i - p.nEqs
	grad[j] = p.weight[j]
	return (a[j] - p.init[j]) * p.weight[j]
}

// Find solves for the fields of correctors, all assumed to steer in plane,
// that cancel the positions of magnets in that plane.  Magnets whose
// position is not ready in the plane are ignored.
//
// The reference of a corrector is its memorized field, or its live field if
// it was never memorized.  Inactive correctors are held at their live field.
// On success the live field of every corrector is set to the solution; on
// failure nothing is changed and the error wraps ErrNoCorrection.
func (s *Solver) Find(plane device.Plane, correctors []*device.Corrector, magnets []*device.Magnet) (*Correction, error) {
	cfg := s.Config
	if len(correctors) == 0 {
		return nil, errors.Wrapf(ErrNoCorrection, "no %s correctors", plane)
	}
	p := &problem{}
	for _, m := range magnets {
		v, e, ok := m.Position().Axis(plane)
		if !ok {
			continue
		}
		p.magnets = append(p.magnets, m)
		p.pos = append(p.pos, v)
		p.errs = append(p.errs, e)
	}
	p.nEqs = len(p.magnets)
	if p.nEqs == 0 {
		return nil, errors.Wrapf(ErrNoCorrection, "no magnet with a %s position", plane)
	}

	nVars := len(correctors)
	p.init = make([]float64, nVars)
	p.weight = make([]float64, nVars)
	a := make([]float64, nVars)
	mask := make([]bool, nVars)
	for j, c := range correctors {
		ref, ok := c.Memorized()
		if !ok {
			ref = c.LiveField()
		}
		p.init[j] = ref
		p.weight[j] = cfg.Weight
		if c.Active() {
			a[j], mask[j] = ref, true
		} else {
			a[j] = c.LiveField()
		}
	}
	p.coeff = make([][]float64, p.nEqs)
	for i, m := range p.magnets {
		p.coeff[i] = make([]float64, nVars)
		for j, c := range correctors {
			p.coeff[i][j] = c.Coefficient(m.ID)
		}
	}

	data := make([]fit.Point, 0, p.nEqs+nVars)
	for i := 0; i < p.nEqs; i++ {
		data = append(data, fit.Point{X: float64(i), Y: -p.pos[i]})
	}
	for j := 0; j < nVars; j++ {
		data = append(data, fit.Point{X: float64(p.nEqs + j), Y: 0})
	}

	fitter := fit.Solver{MaxIter: cfg.FitMaxIter, Tol: cfg.FitTol}
	var (
		res  fit.Result
		out  []string
		iter int
	)
	for iter = 1; iter <= cfg.MaxIterations; iter++ {
		var err error
		res, err = fitter.Solve(data, p.eval, a, mask)
		if err != nil {
			return nil, errors.Wrapf(ErrNoCorrection, "%s: %v", plane, err)
		}
		out = out[:0]
		for j, c := range correctors {
			if c.Active() && !c.Limits.Check(res.Params[j]) {
				out = append(out, c.ID)
				p.weight[j] *= cfg.Escalation
			}
		}
		if len(out) == 0 {
			break
		}
	}
	if len(out) > 0 {
		return nil, &LimitError{Plane: plane, Correctors: out, Solves: cfg.MaxIterations}
	}

	corr := &Correction{Plane: plane, Iterations: iter}
	grad := make([]float64, nVars)
	for i, m := range p.magnets {
		corr.Orbit = append(corr.Orbit, Point{
			Magnet:    m.ID,
			Measured:  p.pos[i],
			Err:       p.errs[i],
			Predicted: p.pos[i] + p.eval(float64(i), res.Params, grad),
		})
	}
	for j, c := range correctors {
		c.SetLiveField(res.Params[j])
		e := res.Errors[j]
		if math.IsNaN(e) {
			e = 0
		}
		corr.Settings = append(corr.Settings, Setting{
			Corrector: c.ID,
			Reference: p.init[j],
			Field:     res.Params[j],
			Err:       e,
			Fixed:     !mask[j],
		})
		log.Printf("corrector %s dB = %s T", c.ID, formatDelta(res.Params[j]-p.init[j], res.Errors[j]))
	}
	return corr, nil
}

func formatDelta(v, e float64) string {
	return fmt.Sprintf("%.6e +- %.6e", v, e)
}
