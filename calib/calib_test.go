package calib_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/nasa-jpl/quadshaker/calib"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/lattice"
	"github.com/nasa-jpl/quadshaker/util"
	"github.com/pkg/errors"
)

// stub is a lattice.Model with hand-picked transfer elements
type stub struct {
	pos    map[string]float64
	length map[string]float64
	m      map[[2]string][2]float64 // m01, m23
	beam   lattice.BeamState
}

func (s stub) Position(id string) (float64, error) {
	p, ok := s.pos[id]
	if !ok {
		return 0, errors.Wrap(lattice.ErrUnknownElement, id)
	}
	return p, nil
}

func (s stub) EffectiveLength(id string) (float64, error) { return s.length[id], nil }

func (s stub) BeamState(string) (lattice.BeamState, error) { return s.beam, nil }

func (s stub) TransferElement(from, to string, b lattice.Block) (float64, error) {
	if s.pos[to] <= s.pos[from] {
		return 0, nil
	}
	m := s.m[[2]string{from, to}]
	if b == lattice.M23 {
		return m[1], nil
	}
	return m[0], nil
}

const noise = 0.01

// fixture has Q1 at 1 m, BPM0 upstream, BPM1 and BPM2 downstream
func fixture() (*calib.Pipeline, *device.Registry, stub) {
	model := stub{
		pos:    map[string]float64{"C1": 0.2, "BPM0": 0.5, "Q1": 1, "BPM1": 2, "BPM2": 3, "Q2": 4},
		length: map[string]float64{"Q1": 0.5, "Q2": 0.5, "C1": 0.3},
		m: map[[2]string][2]float64{
			{"Q1", "BPM1"}: {2, 4},
			{"Q1", "BPM2"}: {3, 0},
			{"C1", "Q1"}:   {0.8, 0.4},
			{"C1", "Q2"}:   {1.5, 2.5},
		},
		beam: lattice.BeamState{RestEnergy: 938e6, Gamma: 2},
	}
	reg := device.NewRegistry()
	reg.AddMagnet(device.NewMagnet("Q1", "Q1:set", "", false))
	reg.AddMagnet(device.NewMagnet("Q2", "Q2:set", "", false))
	for _, id := range []string{"BPM0", "BPM1", "BPM2"} {
		reg.AddMonitor(device.NewMonitor(id, id+":X", id+":Y"))
	}
	reg.AddCorrector(device.NewCorrector("C1", device.Horizontal, "C1:set", "", util.Limiter{Min: -1, Max: 1}))
	return &calib.Pipeline{Registry: reg, Model: model}, reg, model
}

// shake records three samples on m with slopes sx, sy at every monitor and
// a residual pattern that gives each slope an error of noise·√3
func shake(m *device.Magnet, sx, sy float64) {
	pattern := []float64{noise, -2 * noise, noise}
	for i, f := range []float64{9, 10, 11} {
		var rd []device.Reading
		for _, mon := range []string{"BPM0", "BPM1", "BPM2"} {
			rd = append(rd, device.Reading{Monitor: mon, X: sx*f + pattern[i], Y: sy*f - pattern[i]})
		}
		m.AddSample(device.NewSample(f, f, rd))
	}
}

func rigidity(b lattice.BeamState, l float64) float64 {
	return b.RestEnergy * b.Beta() * b.Gamma / (l * calib.LightSpeed)
}

func TestCoefficientsDownstreamOnly(t *testing.T) {
	p, reg, _ := fixture()
	q1, _ := reg.Magnet("Q1")
	shake(q1, 0.3, -0.2)
	if err := p.Coefficients(q1); err != nil {
		t.Fatal(err)
	}
	if _, ok := q1.Coefficient("BPM0"); ok {
		t.Errorf("upstream monitor got a coefficient")
	}
	c, ok := q1.Coefficient("BPM1")
	if !ok {
		t.Fatal("expected a coefficient at BPM1")
	}
	want := device.Coefficient{X: 0.3, ErrX: noise * math.Sqrt(3), Y: -0.2, ErrY: noise * math.Sqrt(3)}
	if diff := cmp.Diff(want, c, cmpopts.EquateApprox(1e-9, 1e-12)); diff != "" {
		t.Errorf("coefficient mismatch (-want +got):\n%s", diff)
	}
}

func TestOffsetConversion(t *testing.T) {
	p, reg, model := fixture()
	q1, _ := reg.Magnet("Q1")
	shake(q1, 0.3, -0.2)
	if err := p.Calibrate(q1); err != nil {
		t.Fatal(err)
	}
	k := rigidity(model.beam, 0.5)
	o, ok := q1.Offset("BPM1")
	if !ok {
		t.Fatal("expected an offset at BPM1")
	}
	ratio := 0.3 / (noise * math.Sqrt(3))
	want := device.Offset{
		X:      -0.3 * k / 2,
		Y:      -0.2 * k / 4,
		RatioX: ratio,
		RatioY: 0.2 / (noise * math.Sqrt(3)),
		M01:    2,
		M23:    4,
	}
	if diff := cmp.Diff(want, o, cmpopts.EquateApprox(1e-9, 0)); diff != "" {
		t.Errorf("offset mismatch (-want +got):\n%s", diff)
	}
	// BPM2 has m23 == 0
	if _, ok := q1.Offset("BPM2"); ok {
		t.Errorf("offset stored for a zero transfer element")
	}
	if _, ok := q1.Offset("BPM0"); ok {
		t.Errorf("offset stored for an upstream monitor")
	}
	pos := q1.Position()
	if !pos.XReady || !pos.YReady || pos.ErrX != 0 {
		t.Errorf("expected a single monitor position, got %+v", pos)
	}
}

func TestVerticalMagnetFlipsSign(t *testing.T) {
	p, reg, _ := fixture()
	q1, _ := reg.Magnet("Q1")
	shake(q1, 0.3, -0.2)
	p.Calibrate(q1)
	h, _ := q1.Offset("BPM1")
	q1.Vertical = true
	p.Calibrate(q1)
	v, _ := q1.Offset("BPM1")
	if math.Abs(h.X+v.X) > 1e-12 || math.Abs(h.Y+v.Y) > 1e-12 {
		t.Errorf("expected both axes to flip, horizontal %+v vertical %+v", h, v)
	}
}

func TestSingleSampleHasNoOffset(t *testing.T) {
	p, reg, _ := fixture()
	q1, _ := reg.Magnet("Q1")
	q1.AddSample(device.NewSample(10, 10, []device.Reading{{Monitor: "BPM1", X: 1, Y: 1}}))
	if err := p.Calibrate(q1); err != nil {
		t.Fatal(err)
	}
	c, ok := q1.Coefficient("BPM1")
	if !ok {
		t.Fatal("expected the single sample coefficient to be stored")
	}
	if c.ErrX != 0 || c.ErrY != 0 {
		t.Errorf("expected zero error, got %+v", c)
	}
	if len(q1.Offsets()) != 0 {
		t.Errorf("expected no offsets from a zero error coefficient")
	}
	if pos := q1.Position(); pos.XReady || pos.YReady {
		t.Errorf("expected position not ready, got %+v", pos)
	}
}

func TestCalibrateIsIdempotent(t *testing.T) {
	p, reg, _ := fixture()
	q1, _ := reg.Magnet("Q1")
	shake(q1, 0.3, -0.2)
	p.Calibrate(q1)
	c1, o1, pos1 := q1.Coefficients(), q1.Offsets(), q1.Position()
	p.Calibrate(q1)
	if diff := cmp.Diff(c1, q1.Coefficients()); diff != "" {
		t.Errorf("coefficients changed:\n%s", diff)
	}
	if diff := cmp.Diff(o1, q1.Offsets()); diff != "" {
		t.Errorf("offsets changed:\n%s", diff)
	}
	if diff := cmp.Diff(pos1, q1.Position()); diff != "" {
		t.Errorf("position changed:\n%s", diff)
	}
}

func TestPositionAggregation(t *testing.T) {
	p, reg, _ := fixture()
	q1, _ := reg.Magnet("Q1")
	q1.SetOffset("BPM1", device.Offset{X: 1, Y: 2, RatioX: 10, RatioY: 10, M01: 1, M23: 1})
	q1.SetOffset("BPM2", device.Offset{X: 3, Y: 4, RatioX: 10, RatioY: 1, M01: 1, M23: 1})
	pos := p.Position(q1)
	if pos.X != 2 || math.Abs(pos.ErrX-1) > 1e-12 {
		t.Errorf("expected x = 2 +/- 1, got %f +/- %f", pos.X, pos.ErrX)
	}

	p.MinRatio = 5
	pos = p.Position(q1)
	if pos.Y != 2 || pos.ErrY != 0 {
		t.Errorf("expected the low ratio y offset to be rejected, got %+v", pos)
	}

	bpm2, _ := reg.Monitor("BPM2")
	bpm2.SetActive(false)
	pos = p.Position(q1)
	if pos.X != 1 || pos.ErrX != 0 {
		t.Errorf("expected the inactive monitor to be ignored, got %+v", pos)
	}

	p.MinTransfer = 5
	pos = p.Position(q1)
	if pos.XReady || pos.YReady {
		t.Errorf("expected nothing ready under a high transfer threshold, got %+v", pos)
	}
}

func TestCorrectorCoefficients(t *testing.T) {
	p, reg, model := fixture()
	if err := p.CorrectorCoefficients(); err != nil {
		t.Fatal(err)
	}
	c1, _ := reg.Corrector("C1")
	k := 1 / rigidity(model.beam, 0.3)
	for id, me := range map[string]float64{"Q1": 0.8, "Q2": 1.5} {
		want := k * me * 1000
		if got := c1.Coefficient(id); math.Abs(got-want) > 1e-9*math.Abs(want) {
			t.Errorf("coefficient at %s = %g, want %g", id, got, want)
		}
	}

	// a vertical corrector downstream of Q1 uses m23 and sees Q1 as upstream
	model.pos["C2"] = 2.5
	model.length["C2"] = 0.3
	model.m[[2]string{"C2", "Q2"}] = [2]float64{9, 0.5}
	reg.AddCorrector(device.NewCorrector("C2", device.Vertical, "C2:set", "", util.Limiter{}))
	if err := p.CorrectorCoefficients(); err != nil {
		t.Fatal(err)
	}
	c2, _ := reg.Corrector("C2")
	if c2.Coefficient("Q1") != 0 {
		t.Errorf("expected zero response upstream of the corrector")
	}
	if got, want := c2.Coefficient("Q2"), k*0.5*1000; math.Abs(got-want) > 1e-9*want {
		t.Errorf("expected the vertical corrector to use m23, got %g want %g", got, want)
	}
}

func TestSummarize(t *testing.T) {
	p, reg, _ := fixture()
	q1, _ := reg.Magnet("Q1")
	q1.SetCoefficient("BPM1", device.Coefficient{X: 1, ErrX: 0.1, Y: 0.1, ErrY: 0.1})
	q1.SetCoefficient("BPM2", device.Coefficient{X: 5, ErrX: 1, Y: 0.2, ErrY: 0})
	s := p.Summarize(q1)
	if s.BestX.Monitor != "BPM1" || s.MaxX.Monitor != "BPM2" {
		t.Errorf("unexpected x picks %+v %+v", s.BestX, s.MaxX)
	}
	// BPM1 y ratio is 1, below threshold; BPM2 y has no error
	if s.BestY.Monitor != "BPM1" || s.MaxY.Monitor != "None" {
		t.Errorf("unexpected y picks %+v %+v", s.BestY, s.MaxY)
	}
}

func TestUnknownMonitorIsAnError(t *testing.T) {
	p, reg, _ := fixture()
	q1, _ := reg.Magnet("Q1")
	q1.AddSample(device.NewSample(1, 1, []device.Reading{{Monitor: "GHOST"}}))
	err := p.Coefficients(q1)
	if errors.Cause(err) != lattice.ErrUnknownElement {
		t.Errorf("expected ErrUnknownElement, got %v", err)
	}
}
