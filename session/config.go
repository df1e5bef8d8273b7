package session

import (
	"github.com/nasa-jpl/quadshaker/orbit"
	"github.com/nasa-jpl/quadshaker/scan"
	"github.com/nasa-jpl/quadshaker/shake"
	"github.com/nasa-jpl/quadshaker/util"
)

// MagnetConfig describes one quadrupole
type MagnetConfig struct {
	ID         string `yaml:"ID" koanf:"ID"`
	SetPV      string `yaml:"SetPV" koanf:"SetPV"`
	ReadbackPV string `yaml:"ReadbackPV" koanf:"ReadbackPV"`

	// Trim marks a trim winding, swept from zero
	Trim bool `yaml:"Trim" koanf:"Trim"`

	// Vertical marks a vertically focusing magnet.  Ids with :QV or :QTV
	// are vertical without it.
	Vertical bool `yaml:"Vertical" koanf:"Vertical"`

	Inactive bool `yaml:"Inactive" koanf:"Inactive"`
}

// MonitorConfig describes one beam position monitor
type MonitorConfig struct {
	ID       string `yaml:"ID" koanf:"ID"`
	XPV      string `yaml:"XPV" koanf:"XPV"`
	YPV      string `yaml:"YPV" koanf:"YPV"`
	Inactive bool   `yaml:"Inactive" koanf:"Inactive"`
}

// CorrectorConfig describes one dipole corrector
type CorrectorConfig struct {
	ID string `yaml:"ID" koanf:"ID"`

	// Plane is "x" or "y"
	Plane      string       `yaml:"Plane" koanf:"Plane"`
	SetPV      string       `yaml:"SetPV" koanf:"SetPV"`
	ReadbackPV string       `yaml:"ReadbackPV" koanf:"ReadbackPV"`
	Limits     util.Limiter `yaml:"Limits" koanf:"Limits"`
	Inactive   bool         `yaml:"Inactive" koanf:"Inactive"`
}

// GatewayConfig is the connection to the channel gateway
type GatewayConfig struct {
	// Addr is host:port, or a serial port name if Serial is set
	Addr   string `yaml:"Addr" koanf:"Addr"`
	Serial bool   `yaml:"Serial" koanf:"Serial"`
	Baud   int    `yaml:"Baud" koanf:"Baud"`

	// PoolSize is the maximum number of open connections
	PoolSize int `yaml:"PoolSize" koanf:"PoolSize"`

	// Timeout bounds every read and write, in seconds
	Timeout float64 `yaml:"Timeout" koanf:"Timeout"`

	// PutRate is the maximum number of puts per second, zero for no limit
	PutRate float64 `yaml:"PutRate" koanf:"PutRate"`
}

// MockConfig replaces the gateway with a simulated beam line
type MockConfig struct {
	Enabled bool `yaml:"Enabled" koanf:"Enabled"`

	// Field is the starting setpoint of every magnet
	Field float64 `yaml:"Field" koanf:"Field"`

	// Noise is the standard deviation of monitor readings
	Noise float64 `yaml:"Noise" koanf:"Noise"`
	Seed  int64   `yaml:"Seed" koanf:"Seed"`

	// Offsets are the true beam offsets in the magnets by id, [x, y]
	Offsets map[string][]float64 `yaml:"Offsets" koanf:"Offsets"`
}

// AnalysisConfig holds the calibration thresholds
type AnalysisConfig struct {
	MinRatio       float64 `yaml:"MinRatio" koanf:"MinRatio"`
	MinTransfer    float64 `yaml:"MinTransfer" koanf:"MinTransfer"`
	RatioThreshold float64 `yaml:"RatioThreshold" koanf:"RatioThreshold"`
}

// ArchiveConfig controls recording of samples and orbits
type ArchiveConfig struct {
	Root    string `yaml:"Root" koanf:"Root"`
	Prefix  string `yaml:"Prefix" koanf:"Prefix"`
	Enabled bool   `yaml:"Enabled" koanf:"Enabled"`
}

// Config is the full configuration of a Session
type Config struct {
	// Addr is the address the HTTP server listens on
	Addr string `yaml:"Addr" koanf:"Addr"`

	Mock    MockConfig    `yaml:"Mock" koanf:"Mock"`
	Gateway GatewayConfig `yaml:"Gateway" koanf:"Gateway"`

	// Lattice is the path to the lattice YAML file
	Lattice string `yaml:"Lattice" koanf:"Lattice"`

	Magnets    []MagnetConfig    `yaml:"Magnets" koanf:"Magnets"`
	Monitors   []MonitorConfig   `yaml:"Monitors" koanf:"Monitors"`
	Correctors []CorrectorConfig `yaml:"Correctors" koanf:"Correctors"`

	Scan     scan.Config    `yaml:"Scan" koanf:"Scan"`
	Shake    shake.Config   `yaml:"Shake" koanf:"Shake"`
	Analysis AnalysisConfig `yaml:"Analysis" koanf:"Analysis"`
	Solver   orbit.Config   `yaml:"Solver" koanf:"Solver"`
	Archive  ArchiveConfig  `yaml:"Archive" koanf:"Archive"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() Config {
	return Config{
		Addr: ":8000",
		Mock: MockConfig{Field: 10, Seed: 1},
		Gateway: GatewayConfig{
			Addr:     "localhost:5064",
			PoolSize: 4,
			Timeout:  3,
			PutRate:  20,
		},
		Lattice:  "lattice.yml",
		Scan:     scan.DefaultConfig(),
		Shake:    shake.DefaultConfig(),
		Analysis: AnalysisConfig{RatioThreshold: 2.5},
		Solver:   orbit.DefaultConfig(),
		Archive:  ArchiveConfig{Root: "data", Prefix: "quadshaker"},
	}
}
