package orbit

import (
	"github.com/nasa-jpl/quadshaker/channel"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/pkg/errors"
)

// Memorize reads the field of every corrector and stores it as the
// reference of the next correction.  It stops at the first corrector that
// cannot be read.
func Memorize(g channel.Getter, correctors []*device.Corrector) error {
	for _, c := range correctors {
		f, err := g.Get(c.ReadPV())
		if err != nil {
			return errors.Wrapf(err, "cannot read field of %s", c.ID)
		}
		c.Memorize(f)
	}
	return nil
}

// Restore writes the memorized field of every corrector back to hardware
// and resets its live field
func Restore(p channel.Putter, correctors []*device.Corrector) error {
	for _, c := range correctors {
		mem, ok := c.Memorized()
		if !ok {
			return errors.Wrapf(ErrNotMemorized, "restore %s", c.ID)
		}
		if err := p.Put(c.SetPV, mem); err != nil {
			return errors.Wrapf(err, "cannot set field of %s", c.ID)
		}
		c.SetLiveField(mem)
	}
	return nil
}

// Apply pushes mem + sign·(live - mem) to every active corrector and makes
// it the new live field.  Every corrector must have been memorized.
func Apply(p channel.Putter, correctors []*device.Corrector, sign float64) error {
	for _, c := range correctors {
		if _, ok := c.Memorized(); !ok {
			return errors.Wrapf(ErrNotMemorized, "apply %s", c.ID)
		}
	}
	for _, c := range correctors {
		if !c.Active() {
			continue
		}
		mem, _ := c.Memorized()
		v := mem + sign*(c.LiveField()-mem)
		if err := p.Put(c.SetPV, v); err != nil {
			return errors.Wrapf(err, "cannot set field of %s", c.ID)
		}
		c.SetLiveField(v)
	}
	return nil
}
