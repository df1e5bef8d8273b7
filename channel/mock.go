package channel

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Mock is an in-memory stand-in for the hardware.  Plain channels hold the
// last value put; derived channels compute their value from other channels,
// which models a beam responding to magnets.  Derived readings may carry
// Gaussian noise.
//
// Mock is safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	values  map[string]float64
	derived map[string]func(get func(string) float64) float64
	failing map[string]error
	history map[string][]float64
	noise   float64
	rng     *rand.Rand
	marks   valueMarks
}

// NewMock returns an empty Mock
func NewMock() *Mock {
	return &Mock{
		values:  map[string]float64{},
		derived: map[string]func(func(string) float64) float64{},
		failing: map[string]error{},
		history: map[string][]float64{},
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Set sets a plain channel without recording it as a put
func (m *Mock) Set(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}

// Derive makes name a computed channel.  get returns the value of a plain
// channel, zero if it does not exist.
func (m *Mock) Derive(name string, fn func(get func(string) float64) float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.derived[name] = fn
}

// Fail makes every get and put of name return err.  A nil err clears it.
func (m *Mock) Fail(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, name)
		return
	}
	m.failing[name] = err
}

// SetNoise adds zero mean Gaussian noise of standard deviation sigma to
// derived channels, drawn from a source seeded with seed
func (m *Mock) SetNoise(sigma float64, seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noise = sigma
	m.rng = rand.New(rand.NewSource(seed))
}

// Puts returns every value put to name, in order
func (m *Mock) Puts(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.history[name]...)
}

// Get satisfies Getter
func (m *Mock) Get(name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(name)
}

func (m *Mock) get(name string) (float64, error) {
	if err := m.failing[name]; err != nil {
		return 0, errors.Wrapf(err, "get %s", name)
	}
	if fn, ok := m.derived[name]; ok {
		v := fn(func(s string) float64 { return m.values[s] })
		if m.noise > 0 {
			v += m.rng.NormFloat64() * m.noise
		}
		return v, nil
	}
	v, ok := m.values[name]
	if !ok {
		return 0, errors.Wrapf(ErrUnknown, "get %s", name)
	}
	return v, nil
}

// Put satisfies Putter
func (m *Mock) Put(name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing[name]; err != nil {
		return errors.Wrapf(err, "put %s", name)
	}
	if _, ok := m.derived[name]; ok {
		return errors.Errorf("put %s: channel is read only", name)
	}
	m.values[name] = value
	m.history[name] = append(m.history[name], value)
	return nil
}

// Mark satisfies Watcher
func (m *Mock) Mark(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks.mark(getterFunc(m.get), name)
}

// ChangedSinceMark satisfies Watcher
func (m *Mock) ChangedSinceMark(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks.changed(getterFunc(m.get), name)
}

type getterFunc func(string) (float64, error)

func (g getterFunc) Get(name string) (float64, error) { return g(name) }
