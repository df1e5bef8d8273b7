// Package archive saves shaking measurements to FITS files and orbits to
// plain text, in numbered files under yyyy-mm-dd folders.
package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/pkg/errors"
	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.XMODEM)

// Checksum returns the CRC-16/XMODEM of the little endian bytes of data,
// as stored in the DATACRC card of sample files
func Checksum(data []float64) uint16 {
	buf := make([]byte, 8)
	c := crcTable.InitCrc()
	for _, v := range data {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		c = crcTable.UpdateCrc(c, buf)
	}
	return crcTable.CRC16(c)
}

// Columns returns the column names of the sample table of m: the requested
// and readback fields, then x and y of every monitor of the first sample
func Columns(m *device.Magnet) []string {
	cols := []string{"REQUESTED", "READBACK"}
	samples := m.Samples()
	if len(samples) == 0 {
		return cols
	}
	for _, r := range samples[0].Readings {
		cols = append(cols, r.Monitor+":X", r.Monitor+":Y")
	}
	return cols
}

// WriteSamples streams the samples of m as a FITS image with one row per
// sample.  Readings of monitors missing from the first sample are dropped;
// monitors missing from a later sample are written as NaN.
func WriteSamples(w io.Writer, m *device.Magnet, snapshot int64) error {
	samples := m.Samples()
	if len(samples) == 0 {
		return errors.Errorf("magnet %s has no samples", m.ID)
	}
	cols := Columns(m)
	var monitors []string
	for _, r := range samples[0].Readings {
		monitors = append(monitors, r.Monitor)
	}
	ncol := len(cols)
	data := make([]float64, 0, ncol*len(samples))
	for _, s := range samples {
		byMon := make(map[string]device.Reading, len(s.Readings))
		for _, r := range s.Readings {
			byMon[r.Monitor] = r
		}
		data = append(data, s.Requested, s.Readback)
		for _, mon := range monitors {
			r, ok := byMon[mon]
			if !ok {
				data = append(data, math.NaN(), math.NaN())
				continue
			}
			data = append(data, r.X, r.Y)
		}
	}

	cards := []fitsio.Card{
		{Name: "MAGNET", Value: m.ID, Comment: "shaken magnet"},
		{Name: "SNAPSHOT", Value: int(snapshot), Comment: "machine snapshot id, -1 if none"},
		{Name: "TRIM", Value: m.Trim},
		{Name: "NSAMPLE", Value: len(samples)},
		{Name: "DATACRC", Value: int(Checksum(data)), Comment: "CRC-16/XMODEM of the data, little endian"},
	}
	for i, c := range cols {
		cards = append(cards, fitsio.Card{Name: "COL" + strconv.Itoa(i+1), Value: c})
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{ncol, len(samples)})
	defer im.Close()
	err = im.Header().Append(cards...)
	if err != nil {
		return err
	}
	err = im.Write(data)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// WriteOrbit writes the snapshot id on the first line, then one line per
// active magnet: id x errX y errY, with nan for an axis that is not ready
func WriteOrbit(w io.Writer, snapshot int64, magnets []*device.Magnet) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, snapshot)
	for _, m := range magnets {
		if !m.Active() {
			continue
		}
		p := m.Position()
		bw.WriteString(m.ID)
		for _, plane := range []device.Plane{device.Horizontal, device.Vertical} {
			v, e, ok := p.Axis(plane)
			if !ok {
				bw.WriteString(" nan nan")
				continue
			}
			fmt.Fprintf(bw, " %.6e %.6e", v, e)
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// Recorder writes numbered files with a common prefix in yyyy-mm-dd
// subfolders of Root.  It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// counter is the number of the next file
	counter int

	// root is the root path
	root string

	// prefix is the prefix for the filenames
	prefix string

	// enabled allows consumers to switch recording off
	enabled bool

	// now is time.Now, replaced in tests
	now func() time.Time
}

// NewRecorder returns a Recorder writing under root
func NewRecorder(root, prefix string, enabled bool) *Recorder {
	return &Recorder{root: root, prefix: prefix, enabled: enabled, now: time.Now}
}

// folder returns the day folder for the present time
func (r *Recorder) folder() string {
	y, m, d := r.now().Date()
	return path.Join(r.root, fmt.Sprintf("%04d-%02d-%02d", y, m, d))
}

// Root returns the root folder
func (r *Recorder) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// SetRoot changes the root folder, creating it, and rescans the counter
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(root, 0777); err != nil {
		return err
	}
	r.root = root
	r.counter = 0
	return nil
}

// Prefix returns the filename prefix
func (r *Recorder) Prefix() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefix
}

// SetPrefix changes the filename prefix and resets the counter
func (r *Recorder) SetPrefix(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = p
	r.counter = 0
}

// Enabled returns true if recording is on
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled switches recording on or off
func (r *Recorder) SetEnabled(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = b
}

// next scans the day folder and returns the path of the first free file
// number with extension ext.  Must be called with mu held.
func (r *Recorder) next(ext string) (string, error) {
	fldr := r.folder()
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(fldr)
	if err != nil {
		return "", err
	}
	count := r.counter
	for _, e := range entries {
		fn := e.Name()
		if e.IsDir() || !strings.HasPrefix(fn, r.prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, r.prefix)
		if i := strings.IndexByte(bit, '.'); i >= 0 {
			bit = bit[:i]
		}
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if n >= count {
			count = n + 1
		}
	}
	r.counter = count + 1
	return path.Join(fldr, fmt.Sprintf("%s%06d%s", r.prefix, count, ext)), nil
}

// create opens the next file with extension ext and hands it to fn
func (r *Recorder) create(ext string, fn func(io.Writer) error) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, err := r.next(ext)
	if err != nil {
		return "", err
	}
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	if err := fn(f); err != nil {
		f.Close()
		return name, errors.Wrapf(err, "write %s", name)
	}
	return name, f.Close()
}

// RecordSamples writes the samples of m to the next FITS file and returns
// its path.  It does nothing and returns "" when the recorder is disabled.
func (r *Recorder) RecordSamples(m *device.Magnet, snapshot int64) (string, error) {
	if !r.Enabled() {
		return "", nil
	}
	return r.create(".fits", func(w io.Writer) error {
		return WriteSamples(w, m, snapshot)
	})
}

// RecordOrbit writes an orbit dump to the next text file and returns its
// path.  It writes even when the recorder is disabled.
func (r *Recorder) RecordOrbit(snapshot int64, magnets []*device.Magnet) (string, error) {
	return r.create(".txt", func(w io.Writer) error {
		return WriteOrbit(w, snapshot, magnets)
	})
}
