/*Package scan drives a pluggable measurement procedure through a paced
sequence of steps.

A Runner owns one Procedure.  After Initialize and Start, a single worker
goroutine repeats

	MakeStep, wait one TimeStep, ValidateStep (retrying up to MaxTries), AccountStep

until the procedure has no next step or a stop is requested.  The wait models
the settling time of real hardware and is the only place the worker sleeps;
Stop interrupts it immediately.
*/
package scan

// Procedure is a measurement that can be run step by step by a Runner.
// Embed Base to take the no-op defaults for the optional hooks.
type Procedure interface {
	// Initialize prepares a new run.  It is called with no worker active.
	Initialize() error

	// Start is called once when a run begins, not on resume
	Start() error

	// HasNextStep returns true while steps remain
	HasNextStep() bool

	// MakeStep applies the next step to the hardware
	MakeStep() error

	// ValidateStep returns true if the step settled acceptably.
	// It is only called when validation is enabled on the Runner.
	ValidateStep() bool

	// AccountStep records the result of the step and advances to the next
	AccountStep() error

	// RestoreInitialState returns the hardware to its state before the run
	RestoreInitialState() error

	// OnError is called when a run aborts, before OnFinished
	OnError(err error)

	// OnFinished is called whenever the worker exits
	OnFinished()

	// Progress returns the percentage of the run completed
	Progress() int
}

// Messenger is implemented by procedures that describe what they are doing
type Messenger interface {
	Message() string
}

// Base provides default hooks for a Procedure
type Base struct{}

// Initialize does nothing
func (Base) Initialize() error { return nil }

// Start does nothing
func (Base) Start() error { return nil }

// ValidateStep always accepts
func (Base) ValidateStep() bool { return true }

// RestoreInitialState does nothing
func (Base) RestoreInitialState() error { return nil }

// OnError does nothing
func (Base) OnError(error) {}

// OnFinished does nothing
func (Base) OnFinished() {}

// Progress is always zero
func (Base) Progress() int { return 0 }
