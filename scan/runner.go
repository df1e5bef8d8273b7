package scan

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// State is the state of a Runner
type State int

const (
	// Idle means no run has been initialized
	Idle State = iota

	// Ready means a run is initialized and may be started
	Ready

	// Running means the worker is making or accounting a step
	Running

	// AwaitingStep means the worker is waiting for a step to settle
	AwaitingStep

	// Paused means a stop was observed between steps; the run may be resumed
	Paused

	// Finished is reported while the procedure's completion hooks run
	Finished

	// Aborted means the run failed or was stopped in the middle of a step
	Aborted
)

var stateNames = [...]string{"idle", "ready", "running", "awaiting step", "paused", "finished", "aborted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

var (
	// ErrValidation is returned when a step fails validation MaxTries times
	ErrValidation = errors.New("cannot validate step")

	// ErrAborted is returned when a stop interrupts a step
	ErrAborted = errors.New("scan aborted")

	// ErrNotReady is returned by Start and Resume from the wrong state
	ErrNotReady = errors.New("scan not ready")

	// ErrBusy is returned by Initialize when a previous run does not stop in time
	ErrBusy = errors.New("previous scan still running")

	// errPaused ends the loop cleanly at a step boundary
	errPaused = errors.New("paused")
)

// Config holds the timing of a Runner
type Config struct {
	// TimeStep is the settling time after each step
	TimeStep time.Duration `yaml:"TimeStep" koanf:"TimeStep"`

	// MaxTries is the number of attempts at a step before the run fails
	MaxTries int `yaml:"MaxTries" koanf:"MaxTries"`

	// Validate enables ValidateStep
	Validate bool `yaml:"Validate" koanf:"Validate"`
}

// DefaultConfig returns a 1 s time step and 5 tries, without validation
func DefaultConfig() Config {
	return Config{TimeStep: time.Second, MaxTries: 5}
}

// Runner executes a Procedure on one worker goroutine at a time
type Runner struct {
	proc Procedure

	// ctl serializes the control methods
	ctl sync.Mutex

	mu      sync.Mutex
	cfg     Config
	state   State
	running bool
	err     error
	message string
	spent   bool
	stopCh  chan struct{}
	stopOne *sync.Once
	done    chan struct{}

	stop atomic.Bool
}

// NewRunner returns an Idle runner for p
func NewRunner(p Procedure, cfg Config) *Runner {
	done := make(chan struct{})
	close(done)
	return &Runner{proc: p, cfg: cfg, done: done}
}

// Config returns the timing configuration
func (r *Runner) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig replaces the timing configuration.  A run in progress picks up
// the change at its next step.
func (r *Runner) SetConfig(c Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = c
}

// State returns the present state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Running returns true while a worker is active
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Err returns the error that ended the last run, if any
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Message describes the present activity
func (r *Runner) Message() string {
	r.mu.Lock()
	msg := r.message
	r.mu.Unlock()
	if msg == "" {
		if m, ok := r.proc.(Messenger); ok {
			return m.Message()
		}
	}
	return msg
}

// Progress returns the percentage of the run completed
func (r *Runner) Progress() int {
	return r.proc.Progress()
}

// Errored returns true if the last run ended with an error
func (r *Runner) Errored() bool {
	return r.Err() != nil
}

// Done returns a channel that is closed when the present worker exits.
// With no worker, the channel is already closed.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the present worker exits and returns Err
func (r *Runner) Wait() error {
	<-r.Done()
	return r.Err()
}

// Initialize stops any run in progress, waiting up to one time step for
// it to exit, then initializes the procedure.  A paused or aborted run is
// restored to its initial state first.
func (r *Runner) Initialize() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if r.Running() {
		r.signalStop()
		select {
		case <-r.Done():
		case <-time.After(r.Config().TimeStep):
			return ErrBusy
		}
	}
	switch r.State() {
	case Paused, Aborted:
		if err := r.proc.RestoreInitialState(); err != nil {
			return errors.Wrap(err, "restore before initialize")
		}
	}
	return r.initialize()
}

// initialize runs the procedure's Initialize and ends in Ready, or Idle
// on error
func (r *Runner) initialize() error {
	r.setMessage("")
	if err := r.proc.Initialize(); err != nil {
		r.mu.Lock()
		r.state, r.err = Idle, err
		r.mu.Unlock()
		return errors.Wrap(err, "initialize scan")
	}
	r.mu.Lock()
	r.state, r.err, r.spent = Ready, nil, false
	r.mu.Unlock()
	return nil
}

// Start begins an initialized run.  It is a no-op while a run is active.
// Starting again after a completed run initializes the procedure anew.
func (r *Runner) Start() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if r.Running() {
		return nil
	}
	if st := r.State(); st != Ready {
		return errors.Wrapf(ErrNotReady, "start from %s", st)
	}
	r.mu.Lock()
	spent := r.spent
	r.mu.Unlock()
	if spent {
		if err := r.initialize(); err != nil {
			return err
		}
	}
	if err := r.proc.Start(); err != nil {
		return errors.Wrap(err, "start scan")
	}
	r.launch()
	return nil
}

// Resume continues a paused or aborted run from the step it stopped at.
// It is a no-op while a run is active.
func (r *Runner) Resume() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if r.Running() {
		return nil
	}
	r.mu.Lock()
	st, spent := r.state, r.spent
	r.mu.Unlock()
	switch {
	case st == Ready && spent:
		return errors.Wrap(ErrNotReady, "resume a completed run")
	case st == Ready, st == Paused, st == Aborted:
	default:
		return errors.Wrapf(ErrNotReady, "resume from %s", st)
	}
	r.launch()
	return nil
}

// Stop requests the active run to stop.  A stop between steps pauses the
// run; a stop during a step aborts it.  The call does not wait.
//
// With no active run, Stop on a paused or aborted run restores the
// procedure's initial state and initializes it again.
func (r *Runner) Stop() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if r.Running() {
		r.signalStop()
		return nil
	}
	switch r.State() {
	case Paused, Aborted:
	default:
		return nil
	}
	if err := r.proc.RestoreInitialState(); err != nil {
		return errors.Wrap(err, "restore after stop")
	}
	if err := r.proc.Initialize(); err != nil {
		return errors.Wrap(err, "initialize after stop")
	}
	r.mu.Lock()
	r.state, r.err, r.spent = Ready, nil, false
	r.mu.Unlock()
	r.setMessage("")
	return nil
}

func (r *Runner) signalStop() {
	r.stop.Store(true)
	r.mu.Lock()
	once, ch := r.stopOne, r.stopCh
	r.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ch) })
	}
}

func (r *Runner) launch() {
	r.stop.Store(false)
	r.mu.Lock()
	r.running = true
	r.state = Running
	r.err = nil
	r.message = ""
	r.stopCh = make(chan struct{})
	r.stopOne = &sync.Once{}
	r.done = make(chan struct{})
	stop, done := r.stopCh, r.done
	r.mu.Unlock()
	go r.work(stop, done)
}

func (r *Runner) work(stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	r.finish(r.loop(stop))
}

func (r *Runner) loop(stop <-chan struct{}) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic in scan step: %v", rec)
		}
	}()
	for {
		if r.stop.Load() {
			return errPaused
		}
		if !r.proc.HasNextStep() {
			return nil
		}
		cfg := r.Config()
		tries := 0
		for {
			r.setState(Running)
			if err := r.proc.MakeStep(); err != nil {
				return errors.Wrap(err, "make step")
			}
			r.setState(AwaitingStep)
			t := time.NewTimer(cfg.TimeStep)
			select {
			case <-stop:
				t.Stop()
				return ErrAborted
			case <-t.C:
			}
			if r.stop.Load() {
				return ErrAborted
			}
			r.setState(Running)
			if !cfg.Validate || r.proc.ValidateStep() {
				break
			}
			tries++
			r.setMessage("Can not validate!")
			if tries >= cfg.MaxTries {
				return errors.Wrapf(ErrValidation, "after %d tries", tries)
			}
		}
		r.setMessage("")
		if err := r.proc.AccountStep(); err != nil {
			return errors.Wrap(err, "account step")
		}
	}
}

func (r *Runner) finish(err error) {
	final := Ready
	switch {
	case err == errPaused:
		err = nil
		final = Paused
		r.hook("finish", r.proc.OnFinished)
		if !r.hasNext() {
			final = r.restore()
		}
	case err != nil:
		final = Aborted
		log.Printf("scan aborted: %v", err)
		r.setMessage(err.Error())
		r.hook("error", func() { r.proc.OnError(err) })
		r.hook("finish", r.proc.OnFinished)
	default:
		r.setState(Finished)
		r.hook("finish", r.proc.OnFinished)
		if r.hasNext() {
			final = Paused
		} else {
			final = r.restore()
		}
	}
	r.mu.Lock()
	if err != nil {
		r.err = err
	}
	r.state = final
	r.spent = final == Ready
	r.running = false
	r.mu.Unlock()
}

// restore runs RestoreInitialState and returns the state to end in
func (r *Runner) restore() State {
	var rerr error
	r.hook("restore", func() { rerr = r.proc.RestoreInitialState() })
	if rerr != nil {
		log.Printf("scan restore failed: %v", rerr)
		r.mu.Lock()
		r.err = errors.Wrap(rerr, "restore initial state")
		r.mu.Unlock()
		return Aborted
	}
	return Ready
}

func (r *Runner) hasNext() (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	return r.proc.HasNextStep()
}

// hook runs a procedure callback, logging instead of propagating a panic
func (r *Runner) hook(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("scan %s hook panicked: %v", name, rec)
		}
	}()
	fn()
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Runner) setMessage(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.message = m
}
