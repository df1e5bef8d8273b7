package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/quadshaker/util"
)

func ExampleLinspace() {
	fmt.Println(util.Linspace(-1, 1, 5))
	// Output: [-1 -0.5 0 0.5 1]
}

func ExampleLinspace_single() {
	fmt.Println(util.Linspace(3, 10, 1))
	// Output: [3]
}

func ExampleLimiter_Check() {
	l := util.Limiter{Min: -2, Max: 2}
	fmt.Println(l.Check(1.5), l.Check(2.5))
	// Output: true false
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestLimiterClampInside(t *testing.T) {
	l := util.Limiter{Min: -1, Max: 1}
	if out := l.Clamp(0.25); out != 0.25 {
		t.Errorf("expected in range value to pass through unchanged, got %f", out)
	}
}

func TestLinspaceEndpoints(t *testing.T) {
	out := util.Linspace(0.1, 0.7, 7)
	if len(out) != 7 {
		t.Fatalf("expected 7 points, got %d", len(out))
	}
	if out[0] != 0.1 || out[6] != 0.7 {
		t.Errorf("expected endpoints 0.1 and 0.7, got %f and %f", out[0], out[6])
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}
