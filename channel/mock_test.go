package channel_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/quadshaker/channel"
	"github.com/pkg/errors"
)

func TestMockDerived(t *testing.T) {
	m := channel.NewMock()
	m.Set("Q", 2)
	m.Derive("BPM:X", func(get func(string) float64) float64 { return 0.5 * get("Q") })
	v, err := m.Get("BPM:X")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("expected 1, got %f", v)
	}
	m.Put("Q", 4)
	v, _ = m.Get("BPM:X")
	if v != 2 {
		t.Errorf("expected derived channel to follow its input, got %f", v)
	}
}

func TestMockNoiseIsSeeded(t *testing.T) {
	read := func() []float64 {
		m := channel.NewMock()
		m.Derive("B", func(func(string) float64) float64 { return 0 })
		m.SetNoise(0.1, 7)
		var out []float64
		for i := 0; i < 3; i++ {
			v, _ := m.Get("B")
			out = append(out, v)
		}
		return out
	}
	a, b := read(), read()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed gave different noise:\n%s", diff)
	}
	if a[0] == 0 || math.Abs(a[0]) > 1 {
		t.Errorf("implausible noise sample %f", a[0])
	}
}

func TestMockFailAndHistory(t *testing.T) {
	m := channel.NewMock()
	boom := errors.New("supply tripped")
	m.Put("Q", 1)
	m.Fail("Q", boom)
	if err := m.Put("Q", 2); errors.Cause(err) != boom {
		t.Errorf("expected injected failure, got %v", err)
	}
	m.Fail("Q", nil)
	m.Put("Q", 3)
	if diff := cmp.Diff([]float64{1, 3}, m.Puts("Q")); diff != "" {
		t.Errorf("put history mismatch (-want +got):\n%s", diff)
	}
}

func TestMockUnknown(t *testing.T) {
	_, err := channel.NewMock().Get("nope")
	if errors.Cause(err) != channel.ErrUnknown {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
}

func TestMockDerivedIsReadOnly(t *testing.T) {
	m := channel.NewMock()
	m.Derive("B", func(func(string) float64) float64 { return 0 })
	if err := m.Put("B", 1); err == nil {
		t.Errorf("expected put to a derived channel to fail")
	}
}

func TestMockWatch(t *testing.T) {
	m := channel.NewMock()
	m.Set("V", 5)
	changed, _ := m.ChangedSinceMark("V")
	if !changed {
		t.Errorf("expected an unmarked channel to read as changed")
	}
	m.Mark("V")
	changed, _ = m.ChangedSinceMark("V")
	if changed {
		t.Errorf("expected no change right after mark")
	}
	m.Set("V", 6)
	changed, _ = m.ChangedSinceMark("V")
	if !changed {
		t.Errorf("expected a change after set")
	}
}

var _ channel.AccessWatcher = channel.NewMock()
