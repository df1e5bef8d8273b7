package device

import (
	"sync"

	"github.com/nasa-jpl/quadshaker/util"
)

// Corrector is a dipole steering magnet
type Corrector struct {
	// ID is the unique name of the corrector
	ID string

	// Plane is the plane the corrector steers in
	Plane Plane

	// SetPV is the channel the field setpoint is written to
	SetPV string

	// ReadbackPV is the channel the field is read back from.
	// If empty, SetPV is read.
	ReadbackPV string

	// Limits bounds the field the corrector can be driven to, in T
	Limits util.Limiter

	mu        sync.RWMutex
	active    bool
	memField  float64
	memorized bool
	live      float64
	coeffs    map[string]float64
}

// NewCorrector returns an active corrector
func NewCorrector(id string, plane Plane, setPV, readbackPV string, limits util.Limiter) *Corrector {
	return &Corrector{
		ID:         id,
		Plane:      plane,
		SetPV:      setPV,
		ReadbackPV: readbackPV,
		Limits:     limits,
		active:     true,
		coeffs:     map[string]float64{},
	}
}

// ReadPV returns the channel the field should be read from
func (c *Corrector) ReadPV() string {
	if c.ReadbackPV == "" {
		return c.SetPV
	}
	return c.ReadbackPV
}

// Active returns true if the corrector may be moved by a correction
func (c *Corrector) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// SetActive sets the active flag
func (c *Corrector) SetActive(b bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = b
}

// Memorize captures the reference field of a correction cycle.
// The live field is reset to it.
func (c *Corrector) Memorize(field float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memField = field
	c.live = field
	c.memorized = true
}

// Memorized returns the reference field and if Memorize was ever called
func (c *Corrector) Memorized() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memField, c.memorized
}

// LiveField returns the working field value
func (c *Corrector) LiveField() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// SetLiveField sets the working field value
func (c *Corrector) SetLiveField(f float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = f
}

// SetCoefficient stores the orbit response in a magnet, mm per T
func (c *Corrector) SetCoefficient(magnet string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coeffs == nil {
		c.coeffs = map[string]float64{}
	}
	c.coeffs[magnet] = v
}

// Coefficient returns the orbit response in a magnet, zero when unknown
func (c *Corrector) Coefficient(magnet string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coeffs[magnet]
}

// ClearCoefficients drops all magnet responses
func (c *Corrector) ClearCoefficients() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coeffs = map[string]float64{}
}
