/*Package session ties the pieces of a calibration together.

A Session owns the device registry, the channel access (hardware gateway or
simulated beam), the accelerator model, the shaking scan and its runner, the
calibration pipeline, the orbit solver, and the archive.  The machine
snapshot id of a run lives here too, and is stamped on archived files.

Each magnet is calibrated as soon as the scan restores it; analysis and
correction are requested explicitly.
*/
package session

import (
	"io"
	"log"
	"sync"

	"github.com/nasa-jpl/quadshaker/archive"
	"github.com/nasa-jpl/quadshaker/calib"
	"github.com/nasa-jpl/quadshaker/channel"
	"github.com/nasa-jpl/quadshaker/comm"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/lattice"
	"github.com/nasa-jpl/quadshaker/orbit"
	"github.com/nasa-jpl/quadshaker/scan"
	"github.com/nasa-jpl/quadshaker/shake"
	"github.com/nasa-jpl/quadshaker/util"
	"github.com/pkg/errors"
)

// NoSnapshot is the snapshot id when none was taken
const NoSnapshot int64 = -1

// Session is one calibration and correction campaign
type Session struct {
	Registry *device.Registry
	Access   channel.AccessWatcher
	Model    lattice.Model
	Shaker   *shake.Procedure
	Runner   *scan.Runner
	Pipeline *calib.Pipeline
	Solver   *orbit.Solver
	Recorder *archive.Recorder

	// Mock is the simulated beam line, nil against hardware
	Mock *channel.Mock

	pool *comm.Pool

	// calMu serializes calibration of streamed magnets with analysis and
	// correction over all of them
	calMu sync.Mutex

	mu          sync.Mutex
	cfg         Config
	snapshot    int64
	corrections map[device.Plane]*orbit.Correction
}

// Open loads the lattice named in cfg and returns a new Session
func Open(cfg Config) (*Session, error) {
	seq, err := lattice.LoadFile(cfg.Lattice)
	if err != nil {
		return nil, err
	}
	return New(cfg, seq)
}

// New builds a Session on model.  Every device of cfg must be an element
// of the model.
func New(cfg Config, model lattice.Model) (*Session, error) {
	reg, err := buildRegistry(cfg, model)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Registry:    reg,
		Model:       model,
		cfg:         cfg,
		snapshot:    NoSnapshot,
		corrections: map[device.Plane]*orbit.Correction{},
	}
	if cfg.Mock.Enabled {
		s.Mock, err = newMockBeam(cfg.Mock, reg, model, cfg.Shake.ValidationPV)
		if err != nil {
			return nil, err
		}
		s.Access = s.Mock
	} else {
		g := cfg.Gateway
		rd := comm.NewRemoteDevice(g.Addr, g.Serial)
		rd.Baud = g.Baud
		rd.Timeout = util.SecsToDuration(g.Timeout)
		s.pool = comm.NewPool(g.PoolSize, rd.Timeout*10, rd.Maker())
		s.Access = channel.NewRemote(s.pool, g.PutRate)
	}

	s.Pipeline = &calib.Pipeline{
		Registry:       reg,
		Model:          model,
		MinRatio:       cfg.Analysis.MinRatio,
		MinTransfer:    cfg.Analysis.MinTransfer,
		RatioThreshold: cfg.Analysis.RatioThreshold,
	}
	s.Solver = orbit.NewSolver(cfg.Solver)
	s.Recorder = archive.NewRecorder(cfg.Archive.Root, cfg.Archive.Prefix, cfg.Archive.Enabled)
	s.Shaker = shake.New(reg, s.Access, cfg.Shake)
	s.Shaker.Calibrate = s.calibrate
	s.Runner = scan.NewRunner(s.Shaker, cfg.Scan)
	return s, nil
}

func buildRegistry(cfg Config, model lattice.Model) (*device.Registry, error) {
	reg := device.NewRegistry()
	known := func(id string) error {
		_, err := model.Position(id)
		return err
	}
	for _, c := range cfg.Magnets {
		if err := known(c.ID); err != nil {
			return nil, err
		}
		m := device.NewMagnet(c.ID, c.SetPV, c.ReadbackPV, c.Trim)
		m.Vertical = m.Vertical || c.Vertical
		m.SetActive(!c.Inactive)
		if err := reg.AddMagnet(m); err != nil {
			return nil, err
		}
	}
	for _, c := range cfg.Monitors {
		if err := known(c.ID); err != nil {
			return nil, err
		}
		m := device.NewMonitor(c.ID, c.XPV, c.YPV)
		m.SetActive(!c.Inactive)
		if err := reg.AddMonitor(m); err != nil {
			return nil, err
		}
	}
	for _, c := range cfg.Correctors {
		if err := known(c.ID); err != nil {
			return nil, err
		}
		plane, err := device.ParsePlane(c.Plane)
		if err != nil {
			return nil, errors.Wrapf(err, "corrector %s", c.ID)
		}
		corr := device.NewCorrector(c.ID, plane, c.SetPV, c.ReadbackPV, c.Limits)
		corr.SetActive(!c.Inactive)
		if err := reg.AddCorrector(corr); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Close stops a running scan and closes gateway connections
func (s *Session) Close() error {
	if s.Runner.Running() {
		s.Runner.Stop()
		s.Runner.Wait()
	}
	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}

// Config returns the configuration of the session
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetScanConfig replaces the scan timing, effective at the next step
func (s *Session) SetScanConfig(c scan.Config) {
	s.mu.Lock()
	s.cfg.Scan = c
	s.mu.Unlock()
	s.Runner.SetConfig(c)
}

// Snapshot returns the machine snapshot id of the run, NoSnapshot if none
func (s *Session) Snapshot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// SetSnapshot records the machine snapshot id of the run.  Zero or less
// clears it.
func (s *Session) SetSnapshot(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id <= 0 {
		id = NoSnapshot
	}
	s.snapshot = id
}

// calibrate is the streaming hook of the shaker
func (s *Session) calibrate(m *device.Magnet) error {
	s.calMu.Lock()
	err := s.Pipeline.Calibrate(m)
	s.calMu.Unlock()
	if err != nil {
		return err
	}
	pos := m.Position()
	log.Printf("magnet %s x = %.4g +- %.2g, y = %.4g +- %.2g", m.ID, pos.X, pos.ErrX, pos.Y, pos.ErrY)
	name, err := s.Recorder.RecordSamples(m, s.Snapshot())
	if err != nil {
		log.Printf("archive samples of %s: %v", m.ID, err)
	} else if name != "" {
		log.Printf("archived %s", name)
	}
	return nil
}

// Analyze recomputes offsets, positions, and corrector responses
func (s *Session) Analyze() error {
	s.calMu.Lock()
	defer s.calMu.Unlock()
	return s.Pipeline.Analyze()
}

// Summaries returns the Summary of every active magnet
func (s *Session) Summaries() []calib.Summary {
	var out []calib.Summary
	for _, m := range s.Registry.ActiveMagnets() {
		out = append(out, s.Pipeline.Summarize(m))
	}
	return out
}

// FindCorrection solves for the correctors of a plane.  The result is kept
// until the next call for the same plane.
func (s *Session) FindCorrection(plane device.Plane) (*orbit.Correction, error) {
	s.mu.Lock()
	delete(s.corrections, plane)
	s.mu.Unlock()
	s.calMu.Lock()
	corr, err := s.Solver.Find(plane, s.Registry.CorrectorsIn(plane), s.Registry.ActiveMagnets())
	s.calMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.corrections[plane] = corr
	s.mu.Unlock()
	return corr, nil
}

// Correction returns the last correction found for a plane
func (s *Session) Correction(plane device.Plane) (*orbit.Correction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.corrections[plane]
	return c, ok
}

// ApplyCorrection pushes the live fields of the correctors of a plane
func (s *Session) ApplyCorrection(plane device.Plane) error {
	sign := s.Config().Solver.Sign(plane)
	return orbit.Apply(s.Access, s.Registry.CorrectorsIn(plane), sign)
}

// MemorizeCorrectors reads every corrector as the reference of a correction
func (s *Session) MemorizeCorrectors() error {
	return orbit.Memorize(s.Access, s.Registry.Correctors())
}

// RestoreCorrectors writes the memorized fields back to every corrector
func (s *Session) RestoreCorrectors() error {
	return orbit.Restore(s.Access, s.Registry.Correctors())
}

// DumpOrbit writes the measured orbit of the active magnets to w
func (s *Session) DumpOrbit(w io.Writer) error {
	return archive.WriteOrbit(w, s.Snapshot(), s.Registry.Magnets())
}

// RecordOrbit writes the measured orbit to the archive and returns the path
func (s *Session) RecordOrbit() (string, error) {
	return s.Recorder.RecordOrbit(s.Snapshot(), s.Registry.Magnets())
}

// Magnets returns every magnet in beamline order
func (s *Session) Magnets() []*device.Magnet {
	return s.Registry.Magnets()
}

// Magnet returns the magnet with the given id
func (s *Session) Magnet(id string) (*device.Magnet, error) {
	return s.Registry.Magnet(id)
}

// Summarize returns the Summary of m
func (s *Session) Summarize(m *device.Magnet) calib.Summary {
	return s.Pipeline.Summarize(m)
}

// Recording returns true if samples are archived as magnets are calibrated
func (s *Session) Recording() bool {
	return s.Recorder.Enabled()
}

// SetRecording turns the archive of samples on or off
func (s *Session) SetRecording(b bool) {
	s.Recorder.SetEnabled(b)
}
