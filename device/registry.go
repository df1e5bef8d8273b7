package device

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicate is returned when an id is registered twice
	ErrDuplicate = errors.New("id already registered")

	// ErrNotFound is returned when an id is not registered
	ErrNotFound = errors.New("id not registered")
)

// Registry owns every entity and preserves insertion order, which is the
// beamline order when populated from a lattice
type Registry struct {
	mu         sync.RWMutex
	magnets    map[string]*Magnet
	monitors   map[string]*Monitor
	correctors map[string]*Corrector
	magOrder   []string
	monOrder   []string
	corOrder   []string
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		magnets:    map[string]*Magnet{},
		monitors:   map[string]*Monitor{},
		correctors: map[string]*Corrector{},
	}
}

// AddMagnet registers a magnet
func (r *Registry) AddMagnet(m *Magnet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.magnets[m.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "add magnet %s", m.ID)
	}
	r.magnets[m.ID] = m
	r.magOrder = append(r.magOrder, m.ID)
	return nil
}

// AddMonitor registers a monitor
func (r *Registry) AddMonitor(m *Monitor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.monitors[m.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "add monitor %s", m.ID)
	}
	r.monitors[m.ID] = m
	r.monOrder = append(r.monOrder, m.ID)
	return nil
}

// AddCorrector registers a corrector
func (r *Registry) AddCorrector(c *Corrector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.correctors[c.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "add corrector %s", c.ID)
	}
	r.correctors[c.ID] = c
	r.corOrder = append(r.corOrder, c.ID)
	return nil
}

// Magnet looks up a magnet by id
func (r *Registry) Magnet(id string) (*Magnet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.magnets[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "magnet %s", id)
	}
	return m, nil
}

// Monitor looks up a monitor by id
func (r *Registry) Monitor(id string) (*Monitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "monitor %s", id)
	}
	return m, nil
}

// Corrector looks up a corrector by id
func (r *Registry) Corrector(id string) (*Corrector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.correctors[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "corrector %s", id)
	}
	return c, nil
}

// Magnets returns every magnet in registration order
func (r *Registry) Magnets() []*Magnet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Magnet, 0, len(r.magOrder))
	for _, id := range r.magOrder {
		out = append(out, r.magnets[id])
	}
	return out
}

// ActiveMagnets returns the active magnets in registration order
func (r *Registry) ActiveMagnets() []*Magnet {
	all := r.Magnets()
	out := all[:0]
	for _, m := range all {
		if m.Active() {
			out = append(out, m)
		}
	}
	return out
}

// Monitors returns every monitor in registration order
func (r *Registry) Monitors() []*Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Monitor, 0, len(r.monOrder))
	for _, id := range r.monOrder {
		out = append(out, r.monitors[id])
	}
	return out
}

// ActiveMonitors returns the active monitors in registration order
func (r *Registry) ActiveMonitors() []*Monitor {
	all := r.Monitors()
	out := all[:0]
	for _, m := range all {
		if m.Active() {
			out = append(out, m)
		}
	}
	return out
}

// Correctors returns every corrector in registration order
func (r *Registry) Correctors() []*Corrector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Corrector, 0, len(r.corOrder))
	for _, id := range r.corOrder {
		out = append(out, r.correctors[id])
	}
	return out
}

// CorrectorsIn returns every corrector of one plane, active or not
func (r *Registry) CorrectorsIn(p Plane) []*Corrector {
	all := r.Correctors()
	out := all[:0]
	for _, c := range all {
		if c.Plane == p {
			out = append(out, c)
		}
	}
	return out
}
