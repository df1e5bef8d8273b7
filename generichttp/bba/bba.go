// Package bba exposes an HTTP interface to the analysis and orbit correction
// of a calibration session
package bba

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/quadshaker/calib"
	"github.com/nasa-jpl/quadshaker/device"
	"github.com/nasa-jpl/quadshaker/generichttp"
	"github.com/nasa-jpl/quadshaker/orbit"
)

func init() {
	generichttp.RegisterStatus(orbit.ErrNoCorrection, http.StatusUnprocessableEntity)
	generichttp.RegisterStatus(orbit.ErrNotMemorized, http.StatusConflict)
	generichttp.RegisterStatus(device.ErrNotFound, http.StatusNotFound)
	generichttp.RegisterStatus(device.ErrBadPlane, http.StatusBadRequest)
}

// Analyzer is the analysis and correction surface of a session
type Analyzer interface {
	Analyze() error
	Magnets() []*device.Magnet
	Magnet(id string) (*device.Magnet, error)
	Summarize(m *device.Magnet) calib.Summary
	Summaries() []calib.Summary

	FindCorrection(device.Plane) (*orbit.Correction, error)
	ApplyCorrection(device.Plane) error
	MemorizeCorrectors() error
	RestoreCorrectors() error

	DumpOrbit(w io.Writer) error
	Snapshot() int64
	SetSnapshot(int64)
	Recording() bool
	SetRecording(bool)
}

// MagnetView is the state of a magnet as served over HTTP
type MagnetView struct {
	ID           string                        `json:"id"`
	Active       bool                          `json:"active"`
	Vertical     bool                          `json:"vertical"`
	Trim         bool                          `json:"trim"`
	Samples      int                           `json:"samples"`
	Position     device.Position               `json:"position"`
	Coefficients map[string]device.Coefficient `json:"coefficients"`
	Offsets      map[string]device.Offset      `json:"offsets"`
	Summary      calib.Summary                 `json:"summary"`
}

// View builds the MagnetView of m
func View(a Analyzer, m *device.Magnet) MagnetView {
	return MagnetView{
		ID:           m.ID,
		Active:       m.Active(),
		Vertical:     m.Vertical,
		Trim:         m.Trim,
		Samples:      len(m.Samples()),
		Position:     m.Position(),
		Coefficients: m.Coefficients(),
		Offsets:      m.Offsets(),
		Summary:      a.Summarize(m),
	}
}

// HTTPBBA binds routes for an Analyzer
type HTTPBBA struct {
	A Analyzer

	RouteTable generichttp.RouteTable
}

// NewHTTPBBA returns the HTTP wrapper of a
func NewHTTPBBA(a Analyzer) HTTPBBA {
	h := HTTPBBA{A: a}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/analyze"}] = generichttp.Do(a.Analyze)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/magnets"}] = h.GetMagnets
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/magnet/{id}"}] = h.GetMagnet
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/summaries"}] = generichttp.GetJSON(func() (interface{}, error) {
		return a.Summaries(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/magnet/{id}/active"}] = h.SetMagnetActive
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/correction/{plane}/find"}] = h.FindCorrection
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/correction/{plane}/apply"}] = h.ApplyCorrection
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/correctors/memorize"}] = generichttp.Do(a.MemorizeCorrectors)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/correctors/restore"}] = generichttp.Do(a.RestoreCorrectors)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/orbit"}] = h.GetOrbit
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/snapshot"}] = generichttp.GetInt(func() (int, error) {
		return int(a.Snapshot()), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/snapshot"}] = generichttp.SetInt(func(i int) error {
		a.SetSnapshot(int64(i))
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/recording"}] = generichttp.GetBool(func() (bool, error) {
		return a.Recording(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/recording"}] = generichttp.SetBool(func(b bool) error {
		a.SetRecording(b)
		return nil
	})
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPBBA) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetMagnets returns the MagnetView of every magnet
func (h HTTPBBA) GetMagnets(w http.ResponseWriter, r *http.Request) {
	ms := h.A.Magnets()
	out := make([]MagnetView, 0, len(ms))
	for _, m := range ms {
		out = append(out, View(h.A, m))
	}
	generichttp.RespondJSON(w, out)
}

// GetMagnet returns the MagnetView of the magnet named in the path
func (h HTTPBBA) GetMagnet(w http.ResponseWriter, r *http.Request) {
	m, err := h.A.Magnet(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), generichttp.ErrStatus(err))
		return
	}
	generichttp.RespondJSON(w, View(h.A, m))
}

// SetMagnetActive includes or excludes the magnet named in the path from
// scans and corrections, from json {'bool': value}
func (h HTTPBBA) SetMagnetActive(w http.ResponseWriter, r *http.Request) {
	m, err := h.A.Magnet(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), generichttp.ErrStatus(err))
		return
	}
	b := generichttp.BoolT{}
	err = json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.SetActive(b.Bool)
	w.WriteHeader(http.StatusOK)
}

func plane(w http.ResponseWriter, r *http.Request) (device.Plane, bool) {
	p, err := device.ParsePlane(chi.URLParam(r, "plane"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return p, true
}

// FindCorrection solves for the correctors of the plane in the path and
// returns the orbit.Correction
func (h HTTPBBA) FindCorrection(w http.ResponseWriter, r *http.Request) {
	p, ok := plane(w, r)
	if !ok {
		return
	}
	corr, err := h.A.FindCorrection(p)
	if err != nil {
		http.Error(w, err.Error(), generichttp.ErrStatus(err))
		return
	}
	generichttp.RespondJSON(w, corr)
}

// ApplyCorrection pushes the solved fields of the plane in the path
func (h HTTPBBA) ApplyCorrection(w http.ResponseWriter, r *http.Request) {
	p, ok := plane(w, r)
	if !ok {
		return
	}
	if err := h.A.ApplyCorrection(p); err != nil {
		http.Error(w, err.Error(), generichttp.ErrStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetOrbit returns the orbit dump as plain text
func (h HTTPBBA) GetOrbit(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.A.DumpOrbit(&buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

