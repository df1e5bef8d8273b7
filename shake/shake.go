/*Package shake implements the quadrupole shaking measurement as a
scan.Procedure.

Every active magnet is stepped through a set of field setpoints around its
present value (or from zero, for trim windings), every active monitor is read
at each setpoint, and the samples are recorded on the magnet.  When the last
sample of a magnet is taken, the magnet is restored and handed to the
Calibrate hook right away, so results stream in while the scan continues.
*/
package shake

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/nasa-jpl/quadshaker/channel"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/util"
	"github.com/pkg/errors"
)

// historyLen is the number of validation readings kept for display
const historyLen = 50

// ErrConfig is returned by Initialize for an unusable configuration
var ErrConfig = errors.New("invalid shake configuration")

// Config holds the shape of the field sweep
type Config struct {
	// DeltaPercent is the half width of the sweep of regular magnets, in
	// percent of the present setpoint
	DeltaPercent float64 `yaml:"DeltaPercent" koanf:"DeltaPercent"`

	// MaxTrimField is the upper end of the 0..max sweep of trim windings
	MaxTrimField float64 `yaml:"MaxTrimField" koanf:"MaxTrimField"`

	// Points is the number of setpoints per magnet, at least 2
	Points int `yaml:"Points" koanf:"Points"`

	// Averaging is the number of samples taken at each setpoint
	Averaging int `yaml:"Averaging" koanf:"Averaging"`

	// ValidationPV is the channel that must change and land in
	// [ValidMin, ValidMax] for a step to count.  Empty disables validation.
	ValidationPV string  `yaml:"ValidationPV" koanf:"ValidationPV"`
	ValidMin     float64 `yaml:"ValidMin" koanf:"ValidMin"`
	ValidMax     float64 `yaml:"ValidMax" koanf:"ValidMax"`
}

// DefaultConfig returns ±5 %, trims to 20, 3 points, no averaging, and a
// validation band of [0, 100]
func DefaultConfig() Config {
	return Config{
		DeltaPercent: 5,
		MaxTrimField: 20,
		Points:       3,
		Averaging:    1,
		ValidMin:     0,
		ValidMax:     100,
	}
}

// Setpoints returns the sweep of a magnet whose present setpoint is set
func (c Config) Setpoints(set float64, trim bool) []float64 {
	if trim {
		return util.Linspace(0, c.MaxTrimField, c.Points)
	}
	d := math.Abs(set) * c.DeltaPercent / 100
	return util.Linspace(set-d, set+d, c.Points)
}

type slot struct {
	magnet   *device.Magnet
	setpoint float64
}

// Procedure shakes magnets.  It satisfies scan.Procedure.
type Procedure struct {
	reg    *device.Registry
	access channel.Access

	// Calibrate is called with each magnet once its samples are complete
	// and its field restored.  An error is logged and kept in Failures.
	Calibrate func(*device.Magnet) error

	mu       sync.Mutex
	cfg      Config
	slots    []slot
	index    int
	history  []float64
	failures map[string]error
}

// New returns a procedure over the active magnets and monitors of reg.
// If access also implements channel.Watcher, it is used for validation.
func New(reg *device.Registry, access channel.Access, cfg Config) *Procedure {
	return &Procedure{reg: reg, access: access, cfg: cfg, failures: map[string]error{}}
}

// Config returns the sweep configuration
func (p *Procedure) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// SetConfig replaces the sweep configuration, effective at the next Initialize
func (p *Procedure) SetConfig(c Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = c
}

// Initialize memorizes every active magnet, clears its samples, and lays
// out the steps of all magnets end to end
func (p *Procedure) Initialize() error {
	cfg := p.Config()
	if cfg.Points < 2 {
		return errors.Wrapf(ErrConfig, "%d points per magnet, need at least 2", cfg.Points)
	}
	if cfg.Averaging < 1 {
		cfg.Averaging = 1
	}
	var slots []slot
	for _, m := range p.reg.ActiveMagnets() {
		set, err := p.access.Get(m.SetPV)
		if err != nil {
			return errors.Wrapf(err, "read setpoint of magnet %s", m.ID)
		}
		field, err := p.access.Get(m.ReadPV())
		if err != nil {
			return errors.Wrapf(err, "read field of magnet %s", m.ID)
		}
		m.Memorize(set, field)
		m.ClearSamples()
		for _, sp := range cfg.Setpoints(set, m.Trim) {
			for k := 0; k < cfg.Averaging; k++ {
				slots = append(slots, slot{magnet: m, setpoint: sp})
			}
		}
	}
	p.mu.Lock()
	p.slots = slots
	p.index = 0
	p.history = nil
	p.failures = map[string]error{}
	p.mu.Unlock()
	return nil
}

// Start logs the size of the run
func (p *Procedure) Start() error {
	p.mu.Lock()
	n := len(p.slots)
	p.mu.Unlock()
	log.Printf("shake: starting scan of %d steps", n)
	return nil
}

// HasNextStep satisfies scan.Procedure
func (p *Procedure) HasNextStep() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index < len(p.slots)
}

func (p *Procedure) current() (slot, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index >= len(p.slots) {
		return slot{}, p.index, false
	}
	return p.slots[p.index], p.index, true
}

// MakeStep pushes the setpoint of the present step
func (p *Procedure) MakeStep() error {
	s, _, ok := p.current()
	if !ok {
		return nil
	}
	cfg := p.Config()
	if w, isW := p.access.(channel.Watcher); isW && cfg.ValidationPV != "" {
		if err := w.Mark(cfg.ValidationPV); err != nil {
			return errors.Wrapf(err, "mark validation before shaking magnet %s", s.magnet.ID)
		}
	}
	if err := p.access.Put(s.magnet.SetPV, s.setpoint); err != nil {
		return errors.Wrapf(err, "shake magnet %s to %g", s.magnet.ID, s.setpoint)
	}
	return nil
}

// ValidateStep accepts the step if the validation channel changed since
// MakeStep and lies within its band
func (p *Procedure) ValidateStep() bool {
	cfg := p.Config()
	w, isW := p.access.(channel.Watcher)
	if !isW || cfg.ValidationPV == "" {
		return true
	}
	changed, err := w.ChangedSinceMark(cfg.ValidationPV)
	if err != nil {
		log.Printf("shake: %v", err)
		return false
	}
	v, err := p.access.Get(cfg.ValidationPV)
	if err != nil {
		log.Printf("shake: read validation: %v", err)
		return false
	}
	p.mu.Lock()
	p.history = append(p.history, v)
	if len(p.history) > historyLen {
		p.history = p.history[len(p.history)-historyLen:]
	}
	p.mu.Unlock()
	return changed && v >= cfg.ValidMin && v <= cfg.ValidMax
}

// AccountStep reads the magnet and every active monitor into a new sample.
// After the last sample of a magnet, the magnet is restored and calibrated.
func (p *Procedure) AccountStep() error {
	s, idx, ok := p.current()
	if !ok {
		return nil
	}
	m := s.magnet
	readback, err := p.access.Get(m.ReadPV())
	if err != nil {
		return errors.Wrapf(err, "read back magnet %s", m.ID)
	}
	m.SetField(readback)
	var readings []device.Reading
	for _, mon := range p.reg.ActiveMonitors() {
		x, err := p.access.Get(mon.XPV)
		if err != nil {
			return errors.Wrapf(err, "read x of monitor %s", mon.ID)
		}
		y, err := p.access.Get(mon.YPV)
		if err != nil {
			return errors.Wrapf(err, "read y of monitor %s", mon.ID)
		}
		mon.SetReading(x, y)
		readings = append(readings, device.Reading{Monitor: mon.ID, X: x, Y: y})
	}
	m.AddSample(device.NewSample(s.setpoint, readback, readings))

	p.mu.Lock()
	p.index = idx + 1
	last := p.index >= len(p.slots) || p.slots[p.index].magnet != m
	p.mu.Unlock()
	if !last {
		return nil
	}
	if err := p.restore(m); err != nil {
		return err
	}
	if p.Calibrate != nil {
		if err := p.Calibrate(m); err != nil {
			log.Printf("shake: calibrate magnet %s: %v", m.ID, err)
			p.mu.Lock()
			p.failures[m.ID] = errors.Wrapf(err, "calibrate magnet %s", m.ID)
			p.mu.Unlock()
		}
	}
	return nil
}

// restore writes the memorized setpoint back to a magnet
func (p *Procedure) restore(m *device.Magnet) error {
	set, field, ok := m.Memorized()
	if !ok {
		return nil
	}
	if err := p.access.Put(m.SetPV, set); err != nil {
		return errors.Wrapf(err, "restore magnet %s", m.ID)
	}
	m.SetField(field)
	return nil
}

// RestoreInitialState restores every magnet of the run.  All magnets are
// attempted; the first error is returned.
func (p *Procedure) RestoreInitialState() error {
	p.mu.Lock()
	var ms []*device.Magnet
	for i, s := range p.slots {
		if i == 0 || p.slots[i-1].magnet != s.magnet {
			ms = append(ms, s.magnet)
		}
	}
	p.mu.Unlock()
	var first error
	for _, m := range ms {
		if err := p.restore(m); err != nil {
			log.Printf("shake: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// OnError restores the magnet of the step in progress
func (p *Procedure) OnError(cause error) {
	s, _, ok := p.current()
	if !ok {
		return
	}
	if err := p.restore(s.magnet); err != nil {
		log.Printf("shake: after %v: %v", cause, err)
	}
}

// OnFinished restores the magnet of the next step when the run ends with
// steps remaining, and logs where the run ended
func (p *Procedure) OnFinished() {
	if s, _, ok := p.current(); ok {
		if err := p.restore(s.magnet); err != nil {
			log.Printf("shake: %v", err)
		}
	}
	p.mu.Lock()
	i, n := p.index, len(p.slots)
	p.mu.Unlock()
	log.Printf("shake: finished at step %d of %d", i, n)
}

// Progress returns 100·index/(steps-1), zero for a single step
func (p *Procedure) Progress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.slots)
	if n <= 1 {
		return 0
	}
	pct := 100 * p.index / (n - 1)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Message names the magnet being shaken
func (p *Procedure) Message() string {
	s, _, ok := p.current()
	if !ok {
		return ""
	}
	return fmt.Sprintf("Quad: %s", s.magnet.ID)
}

// Steps returns the total number of steps of the run
func (p *Procedure) Steps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// ValidationHistory returns the most recent validation readings, oldest first
func (p *Procedure) ValidationHistory() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.history...)
}

// Failures returns the calibration errors of the run keyed by magnet id
func (p *Procedure) Failures() map[string]error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]error, len(p.failures))
	for k, v := range p.failures {
		out[k] = v
	}
	return out
}
