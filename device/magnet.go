package device

import (
	"strings"
	"sync"
)

// Magnet is a quadrupole whose field is shaken during calibration
type Magnet struct {
	// ID is the unique name of the magnet, e.g. "HEBT1:QH01"
	ID string

	// SetPV is the channel the field setpoint is written to
	SetPV string

	// ReadbackPV is the channel the field is read back from.
	// If empty, SetPV is read.
	ReadbackPV string

	// Trim is true for wide range trim windings, which are shaken from zero
	// instead of around their present field
	Trim bool

	// Vertical is true for vertically focusing magnets, which flips the sign of
	// both offsets
	Vertical bool

	mu        sync.RWMutex
	active    bool
	field     float64
	memSet    float64
	memField  float64
	memorized bool
	samples   []Sample
	coeffs    map[string]Coefficient
	offsets   map[string]Offset
	position  Position
}

// NewMagnet returns an active magnet
func NewMagnet(id, setPV, readbackPV string, trim bool) *Magnet {
	return &Magnet{
		ID:         id,
		SetPV:      setPV,
		ReadbackPV: readbackPV,
		Trim:       trim,
		Vertical:   IsVerticalID(id),
		active:     true,
		coeffs:     map[string]Coefficient{},
		offsets:    map[string]Offset{},
	}
}

// IsVerticalID guesses the focusing orientation from a magnet name.  Names
// containing ":QV" or ":QTV" are vertical.
func IsVerticalID(id string) bool {
	return strings.Contains(id, ":QV") || strings.Contains(id, ":QTV")
}

// ReadPV returns the channel the field should be read from
func (m *Magnet) ReadPV() string {
	if m.ReadbackPV == "" {
		return m.SetPV
	}
	return m.ReadbackPV
}

// Active returns true if the magnet takes part in scans and corrections
func (m *Magnet) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive sets the active flag
func (m *Magnet) SetActive(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = b
}

// Field returns the last known field
func (m *Magnet) Field() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.field
}

// SetField updates the last known field
func (m *Magnet) SetField(f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.field = f
}

// Memorize stores the setpoint and readback to restore to after a scan
func (m *Magnet) Memorize(setpoint, field float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memSet = setpoint
	m.memField = field
	m.field = field
	m.memorized = true
}

// Memorized returns the stored setpoint and field, and if Memorize was ever called
func (m *Magnet) Memorized() (setpoint, field float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memSet, m.memField, m.memorized
}

// AddSample appends a sample to the measurement set
func (m *Magnet) AddSample(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
}

// Samples returns a copy of the measurement set
func (m *Magnet) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// ClearSamples empties the measurement set and invalidates every result
// derived from it
func (m *Magnet) ClearSamples() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
	m.clearResults()
}

// ClearResults drops coefficients, offsets and the position while keeping samples
func (m *Magnet) ClearResults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearResults()
}

func (m *Magnet) clearResults() {
	m.coeffs = map[string]Coefficient{}
	m.offsets = map[string]Offset{}
	m.position = Position{}
}

// SetCoefficient stores the sensitivity to a monitor
func (m *Magnet) SetCoefficient(monitor string, c Coefficient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.coeffs == nil {
		m.coeffs = map[string]Coefficient{}
	}
	m.coeffs[monitor] = c
}

// Coefficient returns the sensitivity to a monitor and if it exists
func (m *Magnet) Coefficient(monitor string) (Coefficient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coeffs[monitor]
	return c, ok
}

// Coefficients returns a copy of all sensitivities keyed by monitor id
func (m *Magnet) Coefficients() map[string]Coefficient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Coefficient, len(m.coeffs))
	for k, v := range m.coeffs {
		out[k] = v
	}
	return out
}

// SetOffset stores the offset inferred from a monitor
func (m *Magnet) SetOffset(monitor string, o Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offsets == nil {
		m.offsets = map[string]Offset{}
	}
	m.offsets[monitor] = o
}

// Offset returns the offset inferred from a monitor and if it exists
func (m *Magnet) Offset(monitor string) (Offset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offsets[monitor]
	return o, ok
}

// Offsets returns a copy of all offsets keyed by monitor id
func (m *Magnet) Offsets() map[string]Offset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Offset, len(m.offsets))
	for k, v := range m.offsets {
		out[k] = v
	}
	return out
}

// ClearOffsets drops all offsets and the position, keeping coefficients
func (m *Magnet) ClearOffsets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = map[string]Offset{}
	m.position = Position{}
}

// SetPosition stores the aggregate offset
func (m *Magnet) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = p
}

// Position returns the aggregate offset
func (m *Magnet) Position() Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}
