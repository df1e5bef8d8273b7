package session_test

import (
	"bufio"
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/lattice"
	"github.com/nasa-jpl/quadshaker/session"
	"github.com/nasa-jpl/quadshaker/util"
	"github.com/pkg/errors"
)

const beamline = `
Beam:
  RestEnergy: 938.272e6
  KineticEnergy: 1.0e9
Elements:
  - {ID: DCH1, Type: corrector, Position: 0.2, Length: 0.3}
  - {ID: DCV1, Type: corrector, Position: 0.4, Length: 0.3}
  - {ID: "HEBT:QH01", Type: quad, Position: 1.0, Length: 0.2, K1: 2.5}
  - {ID: BPM1, Type: monitor, Position: 2.0}
  - {ID: "HEBT:QV02", Type: quad, Position: 3.0, Length: 0.2, K1: -2.5}
  - {ID: BPM2, Type: monitor, Position: 4.0}
  - {ID: BPM3, Type: monitor, Position: 5.0}
`

var offsets = map[string][]float64{
	"HEBT:QH01": {0.5, -0.3},
	"HEBT:QV02": {-0.2, 0.4},
}

func config() session.Config {
	cfg := session.DefaultConfig()
	cfg.Mock = session.MockConfig{Enabled: true, Field: 10, Noise: 1e-5, Seed: 7, Offsets: offsets}
	cfg.Scan.TimeStep = time.Millisecond
	cfg.Shake.Averaging = 3
	cfg.Magnets = []session.MagnetConfig{
		{ID: "HEBT:QH01", SetPV: "QH01:B"},
		{ID: "HEBT:QV02", SetPV: "QV02:B"},
	}
	for _, id := range []string{"BPM1", "BPM2", "BPM3"} {
		cfg.Monitors = append(cfg.Monitors, session.MonitorConfig{ID: id, XPV: id + ":X", YPV: id + ":Y"})
	}
	cfg.Correctors = []session.CorrectorConfig{
		{ID: "DCH1", Plane: "x", SetPV: "DCH1:B", Limits: util.Limiter{Min: -1, Max: 1}},
		{ID: "DCV1", Plane: "y", SetPV: "DCV1:B", Limits: util.Limiter{Min: -1, Max: 1}},
	}
	return cfg
}

func open(t *testing.T, cfg session.Config) *session.Session {
	t.Helper()
	seq, err := lattice.LoadYaml(strings.NewReader(beamline))
	if err != nil {
		t.Fatal(err)
	}
	s, err := session.New(cfg, seq)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func shakeAll(t *testing.T, s *session.Session) {
	t.Helper()
	if err := s.Runner.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.Runner.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Runner.Wait(); err != nil {
		t.Fatal(err)
	}
	if f := s.Shaker.Failures(); len(f) != 0 {
		t.Fatalf("calibration failures: %v", f)
	}
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestScanRecoversOffsets(t *testing.T) {
	s := open(t, config())
	shakeAll(t, s)
	for id, want := range offsets {
		m, _ := s.Registry.Magnet(id)
		pos := m.Position()
		if !pos.XReady || !pos.YReady {
			t.Fatalf("%s position not ready: %+v", id, pos)
		}
		if !near(pos.X, want[0], 0.02) || !near(pos.Y, want[1], 0.02) {
			t.Errorf("%s at (%g, %g), want (%g, %g)", id, pos.X, pos.Y, want[0], want[1])
		}
		if set, _ := s.Access.Get(m.SetPV); set != 10 {
			t.Errorf("%s left at %g after the scan", id, set)
		}
	}
}

func TestCorrectionPredictsOrbit(t *testing.T) {
	s := open(t, config())
	shakeAll(t, s)
	if err := s.Analyze(); err != nil {
		t.Fatal(err)
	}
	if err := s.MemorizeCorrectors(); err != nil {
		t.Fatal(err)
	}
	planes := []device.Plane{device.Horizontal, device.Vertical}
	for _, p := range planes {
		if _, err := s.FindCorrection(p); err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if err := s.ApplyCorrection(p); err != nil {
			t.Fatal(err)
		}
	}

	shakeAll(t, s)
	for _, p := range planes {
		corr, ok := s.Correction(p)
		if !ok {
			t.Fatalf("no %s correction kept", p)
		}
		for _, pt := range corr.Orbit {
			m, _ := s.Registry.Magnet(pt.Magnet)
			got, _, _ := m.Position().Axis(p)
			if !near(got, pt.Predicted, 0.03) {
				t.Errorf("%s %s measured %g after correction, predicted %g", pt.Magnet, p, got, pt.Predicted)
			}
		}
	}

	if err := s.RestoreCorrectors(); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Access.Get("DCH1:B"); v != 0 {
		t.Errorf("DCH1 restored to %g", v)
	}
}

func TestApplyBeforeMemorize(t *testing.T) {
	s := open(t, config())
	if err := s.ApplyCorrection(device.Horizontal); err == nil {
		t.Errorf("expected an error applying unmemorized correctors")
	}
}

func TestSnapshotAndDump(t *testing.T) {
	s := open(t, config())
	if s.Snapshot() != session.NoSnapshot {
		t.Errorf("expected no snapshot, got %d", s.Snapshot())
	}
	s.SetSnapshot(1234)
	var buf bytes.Buffer
	if err := s.DumpOrbit(&buf); err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(&buf)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 3 || lines[0] != "1234" || lines[1] != "HEBT:QH01 nan nan nan nan" {
		t.Errorf("unexpected dump %q", lines)
	}
	s.SetSnapshot(0)
	if s.Snapshot() != session.NoSnapshot {
		t.Errorf("expected SetSnapshot(0) to clear, got %d", s.Snapshot())
	}
}

func TestArchiveDuringScan(t *testing.T) {
	cfg := config()
	cfg.Archive = session.ArchiveConfig{Root: t.TempDir(), Prefix: "q", Enabled: true}
	s := open(t, cfg)
	shakeAll(t, s)
	files, _ := filepath.Glob(filepath.Join(cfg.Archive.Root, "*", "q*.fits"))
	if len(files) != 2 {
		t.Errorf("expected one file per magnet, got %v", files)
	}
}

func TestUnknownDevice(t *testing.T) {
	cfg := config()
	cfg.Monitors = append(cfg.Monitors, session.MonitorConfig{ID: "BPM9"})
	seq, _ := lattice.LoadYaml(strings.NewReader(beamline))
	_, err := session.New(cfg, seq)
	if errors.Cause(err) != lattice.ErrUnknownElement {
		t.Errorf("expected ErrUnknownElement, got %v", err)
	}
}

func TestOpenLoadsLattice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lattice.yml")
	if err := os.WriteFile(path, []byte(beamline), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config()
	cfg.Lattice = path
	s, err := session.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if n := len(s.Registry.Magnets()); n != 2 {
		t.Errorf("expected 2 magnets, got %d", n)
	}
}

func TestAnalyzeDuringScan(t *testing.T) {
	s := open(t, config())
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				s.Analyze()
			}
		}
	}()
	shakeAll(t, s)
	close(stop)
	<-done

	got := map[string]device.Position{}
	for _, m := range s.Magnets() {
		got[m.ID] = m.Position()
	}
	if err := s.Analyze(); err != nil {
		t.Fatal(err)
	}
	for _, m := range s.Magnets() {
		if want := m.Position(); got[m.ID] != want {
			t.Errorf("%s at %+v after a concurrent scan, %+v after a quiet analysis", m.ID, got[m.ID], want)
		}
	}
}
