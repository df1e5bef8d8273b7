/*Package calib turns shaking measurements into beam offsets.

For each magnet, the readings of every monitor are regressed against the
magnet field to get a sensitivity in mm per T/m.  With the optics between
magnet and monitor, each sensitivity converts to an estimate of the beam
offset inside the magnet, and the estimates of all monitors are averaged.
The pipeline also computes the response of every corrector at every magnet,
which the orbit solver needs.
*/
package calib

import (
	"math"
	"sort"

	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/fit"
	"github.com/nasa-jpl/quadshaker/lattice"
	"github.com/nasa-jpl/quadshaker/mathx"
	"github.com/pkg/errors"
)

// LightSpeed is the speed of light in m/s
const LightSpeed = 2.997924e8

// DefaultRatioThreshold is the |coefficient|/error ratio above which a
// monitor is considered in a Summary
const DefaultRatioThreshold = 2.5

// Pipeline computes coefficients, offsets, and positions of the magnets
// of a Registry
type Pipeline struct {
	Registry *device.Registry
	Model    lattice.Model

	// MinRatio is the smallest |coefficient|/error of an offset used in a
	// position, per axis
	MinRatio float64

	// MinTransfer is the smallest |M01| (x) or |M23| (y) of an offset used
	// in a position
	MinTransfer float64

	// RatioThreshold is the ratio a monitor must exceed to be the max
	// monitor of a Summary, DefaultRatioThreshold if zero
	RatioThreshold float64
}

// downstream returns true if to is strictly after from
func (p *Pipeline) downstream(from, to string) (bool, error) {
	a, err := p.Model.Position(from)
	if err != nil {
		return false, err
	}
	b, err := p.Model.Position(to)
	if err != nil {
		return false, err
	}
	return b > a, nil
}

type series struct {
	field, x, y []float64
}

// Coefficients regresses the samples of m, storing one coefficient per
// downstream monitor.  Offsets and the position of m are invalidated.
//
// A monitor with a single sample, or whose samples all share one field,
// gets a zero coefficient with zero error, which no offset is computed from.
func (p *Pipeline) Coefficients(m *device.Magnet) error {
	m.ClearResults()
	var (
		order []string
		data  = map[string]*series{}
	)
	for _, s := range m.Samples() {
		for _, r := range s.Readings {
			d, ok := data[r.Monitor]
			if !ok {
				d = &series{}
				data[r.Monitor] = d
				order = append(order, r.Monitor)
			}
			d.field = append(d.field, s.Readback)
			d.x = append(d.x, r.X)
			d.y = append(d.y, r.Y)
		}
	}
	for _, mon := range order {
		down, err := p.downstream(m.ID, mon)
		if err != nil {
			return errors.Wrapf(err, "coefficients of magnet %s at monitor %s", m.ID, mon)
		}
		if !down {
			continue
		}
		d := data[mon]
		lx, err := fit.FitLine(d.field, d.x, nil)
		if err != nil {
			return errors.Wrapf(err, "fit x of magnet %s at monitor %s", m.ID, mon)
		}
		ly, err := fit.FitLine(d.field, d.y, nil)
		if err != nil {
			return errors.Wrapf(err, "fit y of magnet %s at monitor %s", m.ID, mon)
		}
		m.SetCoefficient(mon, device.Coefficient{X: lx.Slope, ErrX: lx.SlopeErr, Y: ly.Slope, ErrY: ly.SlopeErr})
	}
	return nil
}

// Offsets converts the coefficients of m into offsets with
//
//	x = -cx·(W0·β·γ/(L·c))/M01
//	y =  cy·(W0·β·γ/(L·c))/M23
//
// both negated for vertically focusing magnets.  Pairs with a non-positive
// coefficient error or a zero transfer element are skipped.
func (p *Pipeline) Offsets(m *device.Magnet) error {
	m.ClearOffsets()
	coeffs := m.Coefficients()
	if len(coeffs) == 0 {
		return nil
	}
	k, err := Rigidity(p.Model, m.ID)
	if err != nil {
		return err
	}
	if m.Vertical {
		k = -k
	}
	for _, mon := range sortedKeys(coeffs) {
		c := coeffs[mon]
		down, err := p.downstream(m.ID, mon)
		if err != nil {
			return errors.Wrapf(err, "offsets of magnet %s at monitor %s", m.ID, mon)
		}
		if !down {
			continue
		}
		m01, err := p.Model.TransferElement(m.ID, mon, lattice.M01)
		if err != nil {
			return errors.Wrapf(err, "m01 from magnet %s to monitor %s", m.ID, mon)
		}
		m23, err := p.Model.TransferElement(m.ID, mon, lattice.M23)
		if err != nil {
			return errors.Wrapf(err, "m23 from magnet %s to monitor %s", m.ID, mon)
		}
		if c.ErrX <= 0 || c.ErrY <= 0 || m01 == 0 || m23 == 0 {
			continue
		}
		m.SetOffset(mon, device.Offset{
			X:      -c.X * k / m01,
			Y:      c.Y * k / m23,
			RatioX: math.Abs(c.X) / c.ErrX,
			RatioY: math.Abs(c.Y) / c.ErrY,
			M01:    m01,
			M23:    m23,
		})
	}
	return nil
}

// accept reports if an offset passes the thresholds on each axis
func (p *Pipeline) accept(o device.Offset) (x, y bool) {
	x = o.RatioX >= p.MinRatio && math.Abs(o.M01) >= p.MinTransfer
	y = o.RatioY >= p.MinRatio && math.Abs(o.M23) >= p.MinTransfer
	return x, y
}

// Position averages the accepted offsets of active monitors into the
// position of m, stores it, and returns it.  An axis is ready if at least
// one monitor contributed; a single monitor gives zero error.
func (p *Pipeline) Position(m *device.Magnet) device.Position {
	var xs, ys []float64
	offs := m.Offsets()
	for _, mon := range sortedKeys(offs) {
		bpm, err := p.Registry.Monitor(mon)
		if err != nil || !bpm.Active() {
			continue
		}
		o := offs[mon]
		okX, okY := p.accept(o)
		if okX {
			xs = append(xs, o.X)
		}
		if okY {
			ys = append(ys, o.Y)
		}
	}
	var pos device.Position
	if len(xs) > 0 {
		pos.X, pos.ErrX = mathx.MeanStdErr(xs)
		pos.XReady = true
	}
	if len(ys) > 0 {
		pos.Y, pos.ErrY = mathx.MeanStdErr(ys)
		pos.YReady = true
	}
	m.SetPosition(pos)
	return pos
}

// Calibrate runs Coefficients, Offsets and Position on m.  It suits the
// Calibrate hook of a shaking procedure.
func (p *Pipeline) Calibrate(m *device.Magnet) error {
	if err := p.Coefficients(m); err != nil {
		return err
	}
	if err := p.Offsets(m); err != nil {
		return err
	}
	p.Position(m)
	return nil
}

// Rigidity returns W0·β·γ/(L·c) at element id, the factor between a
// field gradient sensitivity and a beam offset
func Rigidity(model lattice.Model, id string) (float64, error) {
	beam, err := model.BeamState(id)
	if err != nil {
		return 0, errors.Wrapf(err, "beam at %s", id)
	}
	l, err := model.EffectiveLength(id)
	if err != nil {
		return 0, errors.Wrapf(err, "length of %s", id)
	}
	if l == 0 {
		return 0, errors.Errorf("%s has zero effective length", id)
	}
	k := beam.RestEnergy * beam.Beta() * beam.Gamma / (l * LightSpeed)
	if k == 0 {
		return 0, errors.Errorf("beam at rest at %s", id)
	}
	return k, nil
}

// Response returns the orbit shift at magnet per unit field of corrector,
// in mm per T:
//
//	(L·c/(W0·β·γ))·M·1000
//
// with M the M01 (horizontal) or M23 (vertical) element from corrector to
// magnet.  A magnet not downstream of the corrector has zero response.
func Response(model lattice.Model, corrector string, plane device.Plane, magnet string) (float64, error) {
	from, err := model.Position(corrector)
	if err != nil {
		return 0, err
	}
	to, err := model.Position(magnet)
	if err != nil {
		return 0, err
	}
	if to <= from {
		return 0, nil
	}
	k, err := Rigidity(model, corrector)
	if err != nil {
		return 0, err
	}
	block := lattice.M01
	if plane == device.Vertical {
		block = lattice.M23
	}
	me, err := model.TransferElement(corrector, magnet, block)
	if err != nil {
		return 0, err
	}
	return me / k * 1000, nil
}

// CorrectorCoefficients stores the Response of every corrector at every
// magnet of the registry
func (p *Pipeline) CorrectorCoefficients() error {
	magnets := p.Registry.Magnets()
	for _, c := range p.Registry.Correctors() {
		c.ClearCoefficients()
		for _, m := range magnets {
			r, err := Response(p.Model, c.ID, c.Plane, m.ID)
			if err != nil {
				return errors.Wrapf(err, "response of corrector %s at magnet %s", c.ID, m.ID)
			}
			c.SetCoefficient(m.ID, r)
		}
	}
	return nil
}

// Analyze recomputes offsets and positions of every active magnet from its
// stored coefficients, then the corrector responses
func (p *Pipeline) Analyze() error {
	for _, m := range p.Registry.ActiveMagnets() {
		if err := p.Offsets(m); err != nil {
			return err
		}
		p.Position(m)
	}
	return p.CorrectorCoefficients()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
