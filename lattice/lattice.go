/*Package lattice answers the beam optics questions a calibration needs:
where an element sits, how long it is, what the beam looks like there, and
the linear transfer matrix between two elements.

Model is the interface consumed by the analysis.  Sequence is a small
implementation for straight, constant energy lines built from thin lens
quadrupoles and drifts, loaded from YAML.
*/
package lattice

import (
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v2"
)

// Block selects a 2x2 block element of the 4x4 transverse transfer matrix
type Block struct {
	Row int
	Col int
}

var (
	// M01 is the horizontal position response to horizontal angle
	M01 = Block{0, 1}

	// M23 is the vertical position response to vertical angle
	M23 = Block{2, 3}

	// ErrUnknownElement is returned for ids not in the model
	ErrUnknownElement = errors.New("element not in lattice")
)

// BeamState is the reference particle at an element.  Energies are in eV.
type BeamState struct {
	RestEnergy    float64
	Gamma         float64
	KineticEnergy float64
}

// Beta returns the Lorentz beta
func (b BeamState) Beta() float64 {
	if b.Gamma <= 1 {
		return 0
	}
	return math.Sqrt(1 - 1/(b.Gamma*b.Gamma))
}

// Model is the accelerator model consumed by the calibration
type Model interface {
	// TransferElement returns one element of the transfer matrix from the
	// exit of element from to element to.  It is zero if to is not
	// downstream of from.
	TransferElement(from, to string, b Block) (float64, error)

	// BeamState returns the reference particle at an element
	BeamState(id string) (BeamState, error)

	// EffectiveLength returns the magnetic length of an element, in m
	EffectiveLength(id string) (float64, error)

	// Position returns the longitudinal position of an element center, in m
	Position(id string) (float64, error)
}

// Element is one entry of a Sequence
type Element struct {
	ID string `yaml:"ID"`

	// Type is one of quad, corrector, monitor, marker.  Only quads focus.
	Type string `yaml:"Type"`

	// Position is the center of the element along the line, in m
	Position float64 `yaml:"Position"`

	// Length is the effective magnetic length, in m
	Length float64 `yaml:"Length"`

	// K1 is the normalized focusing strength, 1/m^2, positive focuses x
	K1 float64 `yaml:"K1"`
}

// Beam sets the reference particle of a Sequence
type Beam struct {
	// RestEnergy in eV
	RestEnergy float64 `yaml:"RestEnergy"`

	// KineticEnergy in eV
	KineticEnergy float64 `yaml:"KineticEnergy"`
}

// Sequence is a straight beamline of thin elements with a constant energy
// beam.  It implements Model.
type Sequence struct {
	Beam     Beam      `yaml:"Beam"`
	Elements []Element `yaml:"Elements"`

	index map[string]int
}

// NewSequence sorts the elements by position and indexes them by id
func NewSequence(beam Beam, elems []Element) (*Sequence, error) {
	s := &Sequence{Beam: beam, Elements: append([]Element(nil), elems...)}
	return s, s.build()
}

// LoadYaml reads a Sequence from r
func LoadYaml(r io.Reader) (*Sequence, error) {
	s := &Sequence{}
	if err := yaml.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "decode lattice")
	}
	return s, s.build()
}

// LoadFile reads a Sequence from a YAML file
func LoadFile(path string) (*Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := LoadYaml(f)
	return s, errors.Wrapf(err, "load %s", path)
}

func (s *Sequence) build() error {
	sort.SliceStable(s.Elements, func(i, j int) bool {
		return s.Elements[i].Position < s.Elements[j].Position
	})
	s.index = make(map[string]int, len(s.Elements))
	for i, e := range s.Elements {
		if _, dup := s.index[e.ID]; dup {
			return errors.Errorf("duplicate lattice element %s", e.ID)
		}
		s.index[e.ID] = i
	}
	if s.Beam.RestEnergy <= 0 {
		return errors.New("beam rest energy must be positive")
	}
	return nil
}

func (s *Sequence) element(id string) (Element, error) {
	i, ok := s.index[id]
	if !ok {
		return Element{}, errors.Wrapf(ErrUnknownElement, "%s", id)
	}
	return s.Elements[i], nil
}

// Ids returns the ids of every element of a type, in beamline order.
// An empty type matches everything.
func (s *Sequence) Ids(typ string) []string {
	var out []string
	for _, e := range s.Elements {
		if typ == "" || strings.EqualFold(e.Type, typ) {
			out = append(out, e.ID)
		}
	}
	return out
}

// Position satisfies Model
func (s *Sequence) Position(id string) (float64, error) {
	e, err := s.element(id)
	return e.Position, err
}

// EffectiveLength satisfies Model
func (s *Sequence) EffectiveLength(id string) (float64, error) {
	e, err := s.element(id)
	return e.Length, err
}

// BeamState satisfies Model
func (s *Sequence) BeamState(id string) (BeamState, error) {
	if _, err := s.element(id); err != nil {
		return BeamState{}, err
	}
	b := s.Beam
	return BeamState{
		RestEnergy:    b.RestEnergy,
		KineticEnergy: b.KineticEnergy,
		Gamma:         1 + b.KineticEnergy/b.RestEnergy,
	}, nil
}

// TransferElement satisfies Model.  The kick of from itself is not included.
func (s *Sequence) TransferElement(from, to string, b Block) (float64, error) {
	m, err := s.Transfer(from, to)
	if err != nil {
		return 0, err
	}
	return m.At(b.Row, b.Col), nil
}

// Transfer returns the 4x4 (x, x', y, y') transfer matrix from the center of
// from to the center of to.  The zero matrix is returned if to is not
// strictly downstream of from.
func (s *Sequence) Transfer(from, to string) (*mat.Dense, error) {
	i, ok := s.index[from]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownElement, "transfer from %s", from)
	}
	j, ok := s.index[to]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownElement, "transfer to %s", to)
	}
	a, z := s.Elements[i], s.Elements[j]
	if z.Position <= a.Position {
		return mat.NewDense(4, 4, nil), nil
	}
	m := identity()
	pos := a.Position
	for _, e := range s.Elements {
		if e.Position <= a.Position || e.Position >= z.Position {
			continue
		}
		m = chain(m, drift(e.Position-pos))
		pos = e.Position
		if strings.EqualFold(e.Type, "quad") && e.K1 != 0 {
			m = chain(m, thinQuad(e.K1*e.Length))
		}
	}
	return chain(m, drift(z.Position-pos)), nil
}

func identity() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func drift(l float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, l, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, l,
		0, 0, 0, 1,
	})
}

// thinQuad focuses x and defocuses y for positive k1l
func thinQuad(k1l float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		-k1l, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, k1l, 1,
	})
}

// chain returns next·m, the element next applied after m
func chain(m, next *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(next, m)
	return &out
}
