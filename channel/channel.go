// Package channel reads and writes named process values: magnet fields,
// monitor positions, and the optional beam validation signal.
package channel

import "github.com/pkg/errors"

var (
	// ErrUnknown is returned when a channel name is not known to the gateway
	ErrUnknown = errors.New("unknown channel")

	// ErrProtocol is returned when the gateway sends something unparseable
	ErrProtocol = errors.New("malformed gateway response")
)

// Getter reads the present value of a channel
type Getter interface {
	Get(name string) (float64, error)
}

// Putter writes a value to a channel
type Putter interface {
	Put(name string, value float64) error
}

// Access can read and write channels
type Access interface {
	Getter
	Putter
}

// Watcher detects a change of a channel relative to a mark
type Watcher interface {
	// Mark remembers the present state of a channel
	Mark(name string) error

	// ChangedSinceMark returns true if the channel changed since the last Mark.
	// A channel that was never marked is reported as changed.
	ChangedSinceMark(name string) (bool, error)
}

// AccessWatcher is an Access that can also watch channels
type AccessWatcher interface {
	Access
	Watcher
}

// valueMarks implements Watcher by comparing values on top of a Getter
type valueMarks struct {
	marks map[string]float64
}

func (v *valueMarks) mark(g Getter, name string) error {
	f, err := g.Get(name)
	if err != nil {
		return errors.Wrapf(err, "mark %s", name)
	}
	if v.marks == nil {
		v.marks = map[string]float64{}
	}
	v.marks[name] = f
	return nil
}

func (v *valueMarks) changed(g Getter, name string) (bool, error) {
	f, err := g.Get(name)
	if err != nil {
		return false, errors.Wrapf(err, "watch %s", name)
	}
	old, ok := v.marks[name]
	return !ok || old != f, nil
}
