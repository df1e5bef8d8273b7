package device

import "sync"

// Monitor is a beam position monitor
type Monitor struct {
	// ID is the unique name of the monitor
	ID string

	// XPV and YPV are the channels of the horizontal and vertical positions
	XPV string
	YPV string

	mu     sync.RWMutex
	active bool
	x, y   float64
}

// NewMonitor returns an active monitor
func NewMonitor(id, xpv, ypv string) *Monitor {
	return &Monitor{ID: id, XPV: xpv, YPV: ypv, active: true}
}

// Active returns true if the monitor's readings are used
func (m *Monitor) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive sets the active flag
func (m *Monitor) SetActive(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = b
}

// SetReading stores the latest positions
func (m *Monitor) SetReading(x, y float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.x, m.y = x, y
}

// Reading returns the latest positions
func (m *Monitor) Reading() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Reading{Monitor: m.ID, X: m.x, Y: m.y}
}
