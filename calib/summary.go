package calib

import (
	"math"

	"github.com/nasa-jpl/quadshaker/device"
)

// Pick is one monitor's coefficient on one axis
type Pick struct {
	Monitor string  `json:"monitor"`
	Coeff   float64 `json:"coeff"`
	Err     float64 `json:"err"`
}

// Summary names the most useful monitors of a magnet per axis.  Best has
// the highest |coefficient|/error; Max has the largest |coefficient| among
// monitors above the ratio threshold.  Monitor is "None" when nothing qualifies.
type Summary struct {
	Magnet string `json:"magnet"`
	BestX  Pick   `json:"bestX"`
	MaxX   Pick   `json:"maxX"`
	BestY  Pick   `json:"bestY"`
	MaxY   Pick   `json:"maxY"`
}

// Summarize builds the Summary of m from its coefficients
func (p *Pipeline) Summarize(m *device.Magnet) Summary {
	thresh := p.RatioThreshold
	if thresh == 0 {
		thresh = DefaultRatioThreshold
	}
	coeffs := m.Coefficients()
	s := Summary{Magnet: m.ID}
	s.BestX, s.MaxX = pick(coeffs, thresh, func(c device.Coefficient) (float64, float64) { return c.X, c.ErrX })
	s.BestY, s.MaxY = pick(coeffs, thresh, func(c device.Coefficient) (float64, float64) { return c.Y, c.ErrY })
	return s
}

func pick(coeffs map[string]device.Coefficient, thresh float64, axis func(device.Coefficient) (float64, float64)) (best, max Pick) {
	best, max = Pick{Monitor: "None"}, Pick{Monitor: "None"}
	var bestRatio float64
	for _, mon := range sortedKeys(coeffs) {
		v, e := axis(coeffs[mon])
		if e <= 0 {
			continue
		}
		r := math.Abs(v) / e
		if r > bestRatio {
			bestRatio = r
			best = Pick{Monitor: mon, Coeff: v, Err: e}
		}
		if r > thresh && math.Abs(v) > math.Abs(max.Coeff) {
			max = Pick{Monitor: mon, Coeff: v, Err: e}
		}
	}
	return best, max
}
