package session

import (
	"github.com/nasa-jpl/quadshaker/calib"
	"github.com/nasa-jpl/quadshaker/channel"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/lattice"
	"github.com/pkg/errors"
)

// term is one contribution to a derived channel: scale times the value of
// a plain channel, less its starting value
type term struct {
	pv    string
	base  float64
	scale float64
}

func (t term) eval(get func(string) float64) float64 {
	return t.scale * (get(t.pv) - t.base)
}

// beamMagnet is the simulated response of the monitors to one magnet
type beamMagnet struct {
	term
	offX, offY float64

	// correctors shift the beam inside the magnet
	shiftX, shiftY []term
}

func (b beamMagnet) offsets(get func(string) float64) (x, y float64) {
	x, y = b.offX, b.offY
	for _, t := range b.shiftX {
		x += t.eval(get)
	}
	for _, t := range b.shiftY {
		y += t.eval(get)
	}
	return x, y
}

// newMockBeam returns a channel.Mock that behaves like the beam line of reg
// under model.  The beam passes each magnet with the configured offset plus
// the shift of upstream correctors; shaking a magnet steers the beam at
// downstream monitors in proportion to that offset, with the transfer
// element and rigidity that the calibration inverts.
func newMockBeam(cfg MockConfig, reg *device.Registry, model lattice.Model, validationPV string) (*channel.Mock, error) {
	mock := channel.NewMock()
	mock.SetNoise(cfg.Noise, cfg.Seed)
	follow := func(readback, set string) {
		if readback != "" && readback != set {
			mock.Derive(readback, func(get func(string) float64) float64 { return get(set) })
		}
	}
	for _, m := range reg.Magnets() {
		mock.Set(m.SetPV, cfg.Field)
		follow(m.ReadbackPV, m.SetPV)
	}
	for _, c := range reg.Correctors() {
		mock.Set(c.SetPV, 0)
		follow(c.ReadbackPV, c.SetPV)
	}
	if validationPV != "" {
		var n int
		mock.Derive(validationPV, func(func(string) float64) float64 {
			n++
			return float64(50 + n%2)
		})
	}

	magnets := map[string]beamMagnet{}
	for _, m := range reg.Magnets() {
		b := beamMagnet{term: term{pv: m.SetPV, base: cfg.Field}}
		if off := cfg.Offsets[m.ID]; len(off) == 2 {
			b.offX, b.offY = off[0], off[1]
		}
		for _, c := range reg.Correctors() {
			r, err := calib.Response(model, c.ID, c.Plane, m.ID)
			if err != nil {
				return nil, errors.Wrapf(err, "mock response of %s at %s", c.ID, m.ID)
			}
			if r == 0 {
				continue
			}
			t := term{pv: c.SetPV, scale: r}
			if c.Plane == device.Vertical {
				b.shiftY = append(b.shiftY, t)
			} else {
				b.shiftX = append(b.shiftX, t)
			}
		}
		magnets[m.ID] = b
	}

	for _, mon := range reg.Monitors() {
		var xs, ys []beamMagnet
		for _, m := range reg.Magnets() {
			m01, err := model.TransferElement(m.ID, mon.ID, lattice.M01)
			if err != nil {
				return nil, errors.Wrapf(err, "mock optics from %s to %s", m.ID, mon.ID)
			}
			m23, err := model.TransferElement(m.ID, mon.ID, lattice.M23)
			if err != nil {
				return nil, errors.Wrapf(err, "mock optics from %s to %s", m.ID, mon.ID)
			}
			if m01 == 0 && m23 == 0 {
				continue
			}
			k, err := calib.Rigidity(model, m.ID)
			if err != nil {
				return nil, err
			}
			if m.Vertical {
				k = -k
			}
			bx, by := magnets[m.ID], magnets[m.ID]
			bx.scale = -m01 / k
			by.scale = m23 / k
			xs = append(xs, bx)
			ys = append(ys, by)
		}
		mock.Derive(mon.XPV, func(get func(string) float64) float64 {
			var v float64
			for _, b := range xs {
				off, _ := b.offsets(get)
				v += off * b.eval(get)
			}
			return v
		})
		mock.Derive(mon.YPV, func(get func(string) float64) float64 {
			var v float64
			for _, b := range ys {
				_, off := b.offsets(get)
				v += off * b.eval(get)
			}
			return v
		})
	}
	return mock, nil
}
