package shake_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/quadshaker/channel"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/scan"
	"github.com/nasa-jpl/quadshaker/shake"
	"github.com/pkg/errors"
)

func ExampleConfig_Setpoints() {
	c := shake.DefaultConfig()
	fmt.Println(c.Setpoints(10, false))
	fmt.Println(c.Setpoints(10, true))
	// Output:
	// [9.5 10 10.5]
	// [0 10 20]
}

// beamline returns two magnets and one monitor on a mock
func beamline(t *testing.T) (*device.Registry, *channel.Mock) {
	t.Helper()
	reg := device.NewRegistry()
	hw := channel.NewMock()
	for _, id := range []string{"Q1", "Q2"} {
		id := id
		if err := reg.AddMagnet(device.NewMagnet(id, id+":set", id+":rb", false)); err != nil {
			t.Fatal(err)
		}
		hw.Set(id+":set", 10)
		hw.Derive(id+":rb", func(get func(string) float64) float64 { return get(id + ":set") })
	}
	reg.AddMonitor(device.NewMonitor("BPM1", "BPM1:X", "BPM1:Y"))
	hw.Derive("BPM1:X", func(get func(string) float64) float64 { return 0.1*get("Q1:set") + 0.2*get("Q2:set") })
	hw.Derive("BPM1:Y", func(get func(string) float64) float64 { return -0.3 * get("Q1:set") })
	return reg, hw
}

func fast(validate bool) scan.Config {
	return scan.Config{TimeStep: time.Millisecond, MaxTries: 3, Validate: validate}
}

func runScan(t *testing.T, p *shake.Procedure, cfg scan.Config) error {
	t.Helper()
	r := scan.NewRunner(p, cfg)
	if err := r.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	return r.Wait()
}

func TestFullScan(t *testing.T) {
	reg, hw := beamline(t)
	cfg := shake.DefaultConfig()
	cfg.Averaging = 2
	p := shake.New(reg, hw, cfg)

	var (
		mu        sync.Mutex
		order     []string
		restoreOK = true
	)
	p.Calibrate = func(m *device.Magnet) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, m.ID)
		puts := hw.Puts(m.SetPV)
		if puts[len(puts)-1] != 10 {
			restoreOK = false
		}
		return nil
	}
	if err := runScan(t, p, fast(false)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Q1", "Q2"}, order); diff != "" {
		t.Errorf("calibration order (-want +got):\n%s", diff)
	}
	if !restoreOK {
		t.Errorf("a magnet was calibrated before its field was restored")
	}
	q1, _ := reg.Magnet("Q1")
	samples := q1.Samples()
	if len(samples) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(samples))
	}
	if samples[0].Requested != 9.5 || samples[5].Requested != 10.5 {
		t.Errorf("unexpected sweep %v .. %v", samples[0].Requested, samples[5].Requested)
	}
	if got := samples[0].Readings[0]; got.Monitor != "BPM1" || got.X != 0.1*9.5+0.2*10 {
		t.Errorf("unexpected reading %+v", got)
	}
	want := []float64{9.5, 9.5, 10, 10, 10.5, 10.5, 10, 10}
	if diff := cmp.Diff(want, hw.Puts("Q1:set")); diff != "" {
		t.Errorf("Q1 puts (-want +got):\n%s", diff)
	}
	if p.Progress() != 100 {
		t.Errorf("expected 100%% progress, got %d", p.Progress())
	}
}

func TestTrimSweep(t *testing.T) {
	reg, hw := beamline(t)
	q2, _ := reg.Magnet("Q2")
	q2.Trim = true
	p := shake.New(reg, hw, shake.DefaultConfig())
	if err := runScan(t, p, fast(false)); err != nil {
		t.Fatal(err)
	}
	var req []float64
	for _, s := range q2.Samples() {
		req = append(req, s.Requested)
	}
	if diff := cmp.Diff([]float64{0, 10, 20}, req); diff != "" {
		t.Errorf("trim sweep (-want +got):\n%s", diff)
	}
}

func TestInactiveMagnetSkipped(t *testing.T) {
	reg, hw := beamline(t)
	q1, _ := reg.Magnet("Q1")
	q1.SetActive(false)
	p := shake.New(reg, hw, shake.DefaultConfig())
	if err := p.Initialize(); err != nil {
		t.Fatal(err)
	}
	if p.Steps() != 3 {
		t.Errorf("expected 3 steps for one magnet, got %d", p.Steps())
	}
}

func TestMonitorFailureRestoresMagnet(t *testing.T) {
	reg, hw := beamline(t)
	hw.Fail("BPM1:Y", errors.New("monitor offline"))
	p := shake.New(reg, hw, shake.DefaultConfig())
	err := runScan(t, p, fast(false))
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	puts := hw.Puts("Q1:set")
	if puts[len(puts)-1] != 10 {
		t.Errorf("expected Q1 restored to 10, puts %v", puts)
	}
	if len(hw.Puts("Q2:set")) != 0 {
		t.Errorf("Q2 should not have been touched")
	}
}

func TestValidationPasses(t *testing.T) {
	reg, hw := beamline(t)
	n := 0.
	hw.Derive("BEAM", func(func(string) float64) float64 { n++; return 50 + n })
	cfg := shake.DefaultConfig()
	cfg.ValidationPV = "BEAM"
	p := shake.New(reg, hw, cfg)
	if err := runScan(t, p, fast(true)); err != nil {
		t.Fatal(err)
	}
	if len(p.ValidationHistory()) != 6 {
		t.Errorf("expected one validation reading per step, got %d", len(p.ValidationHistory()))
	}
}

func TestValidationOutOfBand(t *testing.T) {
	reg, hw := beamline(t)
	n := 0.
	hw.Derive("BEAM", func(func(string) float64) float64 { n++; return 500 + n })
	cfg := shake.DefaultConfig()
	cfg.ValidationPV = "BEAM"
	p := shake.New(reg, hw, cfg)
	err := runScan(t, p, fast(true))
	if errors.Cause(err) != scan.ErrValidation {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	puts := hw.Puts("Q1:set")
	if puts[len(puts)-1] != 10 {
		t.Errorf("expected Q1 restored after the failed run, puts %v", puts)
	}
}

func TestTooFewPoints(t *testing.T) {
	reg, hw := beamline(t)
	cfg := shake.DefaultConfig()
	cfg.Points = 1
	err := shake.New(reg, hw, cfg).Initialize()
	if errors.Cause(err) != shake.ErrConfig {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestProgressAndMessage(t *testing.T) {
	reg, hw := beamline(t)
	p := shake.New(reg, hw, shake.DefaultConfig())
	if err := p.Initialize(); err != nil {
		t.Fatal(err)
	}
	if p.Message() != "Quad: Q1" {
		t.Errorf("unexpected message %q", p.Message())
	}
	for i := 0; i < 3; i++ {
		p.MakeStep()
		p.AccountStep()
	}
	// 3 of 6 steps done: 100*3/5
	if p.Progress() != 60 {
		t.Errorf("expected 60%% progress, got %d", p.Progress())
	}
	if p.Message() != "Quad: Q2" {
		t.Errorf("unexpected message %q", p.Message())
	}
}

// pauser stops its runner after the first step is accounted
type pauser struct {
	*shake.Procedure
	r    *scan.Runner
	once sync.Once
}

func (p *pauser) AccountStep() error {
	err := p.Procedure.AccountStep()
	p.once.Do(func() { p.r.Stop() })
	return err
}

func TestPauseRestoresMagnet(t *testing.T) {
	reg, hw := beamline(t)
	p := &pauser{Procedure: shake.New(reg, hw, shake.DefaultConfig())}
	p.r = scan.NewRunner(p, fast(false))
	if err := p.r.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := p.r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.r.Wait(); err != nil {
		t.Fatal(err)
	}
	if p.r.State() != scan.Paused {
		t.Fatalf("expected Paused, got %s", p.r.State())
	}
	if v, _ := hw.Get("Q1:set"); v != 10 {
		t.Errorf("Q1 left at %g after pause, want 10", v)
	}

	if err := p.r.Initialize(); err != nil {
		t.Fatal(err)
	}
	q1, _ := reg.Magnet("Q1")
	if set, _, ok := q1.Memorized(); !ok || set != 10 {
		t.Errorf("Q1 restore point %g after re-initialize, want 10", set)
	}
}

func TestCalibrationFailureIsKept(t *testing.T) {
	reg, hw := beamline(t)
	p := shake.New(reg, hw, shake.DefaultConfig())
	p.Calibrate = func(m *device.Magnet) error {
		if m.ID == "Q2" {
			return errors.New("no transfer to any monitor")
		}
		return nil
	}
	if err := runScan(t, p, fast(false)); err != nil {
		t.Fatal(err)
	}
	f := p.Failures()
	if len(f) != 1 || f["Q2"] == nil {
		t.Fatalf("expected a failure for Q2 only, got %v", f)
	}
	if got := f["Q2"].Error(); got != "calibrate magnet Q2: no transfer to any monitor" {
		t.Errorf("failure message %q", got)
	}
}
