/*Package device holds the beamline entities touched by a quadrupole shaking
calibration: magnets being shaken, monitors reading the beam, and correctors
steering it.

Entities are stored once in a Registry and referenced everywhere else by their
string id.  All entity methods are safe for concurrent use; a scan worker may
record samples on a magnet while an HTTP handler reads its results.
*/
package device

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Plane is a transverse plane of the beam
type Plane int

const (
	// Horizontal is the x plane
	Horizontal Plane = iota

	// Vertical is the y plane
	Vertical
)

// String satisfies fmt.Stringer
func (p Plane) String() string {
	switch p {
	case Horizontal:
		return "x"
	case Vertical:
		return "y"
	default:
		return fmt.Sprintf("Plane(%d)", int(p))
	}
}

// ErrBadPlane is returned by ParsePlane when the input names no plane
var ErrBadPlane = errors.New("plane must be one of x, h, horizontal, y, v, vertical")

// ParsePlane converts a string to a Plane, case insensitive
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(s) {
	case "x", "h", "horizontal":
		return Horizontal, nil
	case "y", "v", "vertical":
		return Vertical, nil
	}
	return 0, errors.Wrapf(ErrBadPlane, "parse %q", s)
}

// Reading is one monitor's position at the end of a scan step, in mm
type Reading struct {
	Monitor string  `json:"monitor"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Sample is the record of one scan step.  A Sample is not modified after it
// has been recorded on its magnet.
type Sample struct {
	// Requested is the field setpoint pushed to the magnet
	Requested float64 `json:"requested"`

	// Readback is the field read back from the magnet after settling
	Readback float64 `json:"readback"`

	// Readings holds one entry per active monitor, in registry order
	Readings []Reading `json:"readings"`
}

// NewSample copies readings into a new Sample
func NewSample(requested, readback float64, readings []Reading) Sample {
	r := make([]Reading, len(readings))
	copy(r, readings)
	return Sample{Requested: requested, Readback: readback, Readings: r}
}

// Coefficient is the sensitivity of one monitor to the field of one magnet,
// per axis, in mm per T/m
type Coefficient struct {
	X    float64 `json:"x"`
	ErrX float64 `json:"errX"`
	Y    float64 `json:"y"`
	ErrY float64 `json:"errY"`
}

// Offset is the beam offset inside a magnet inferred from one monitor, in mm
type Offset struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	RatioX float64 `json:"ratioX"`
	RatioY float64 `json:"ratioY"`
	M01    float64 `json:"m01"`
	M23    float64 `json:"m23"`
}

// Position is the aggregate beam offset in a magnet over all monitors
type Position struct {
	X      float64 `json:"x"`
	ErrX   float64 `json:"errX"`
	XReady bool    `json:"xReady"`
	Y      float64 `json:"y"`
	ErrY   float64 `json:"errY"`
	YReady bool    `json:"yReady"`
}

// Axis returns the value, error, and readiness of one plane
func (p Position) Axis(plane Plane) (float64, float64, bool) {
	if plane == Vertical {
		return p.Y, p.ErrY, p.YReady
	}
	return p.X, p.ErrX, p.XReady
}
