// Package scan exposes an HTTP interface to a scan runner
package scan

import (
	"net/http"

	"github.com/nasa-jpl/quadshaker/generichttp"
	qscan "github.com/nasa-jpl/quadshaker/scan"
)

func init() {
	generichttp.RegisterStatus(qscan.ErrNotReady, http.StatusConflict)
	generichttp.RegisterStatus(qscan.ErrBusy, http.StatusServiceUnavailable)
}

// Controller is the control surface of a scan
type Controller interface {
	State() qscan.State
	Progress() int
	Message() string
	Err() error
	Initialize() error
	Start() error
	Resume() error
	Stop() error
}

// Historian keeps recent validation readings
type Historian interface {
	ValidationHistory() []float64
}

// Reporter keeps the errors of the entities that failed during a run,
// keyed by entity id
type Reporter interface {
	Failures() map[string]error
}

// Status is the full status of a scan in one payload
type Status struct {
	State    string            `json:"state"`
	Progress int               `json:"progress"`
	Message  string            `json:"message"`
	Err      string            `json:"err,omitempty"`
	Failures map[string]string `json:"failures,omitempty"`
}

// GetStatus returns the state, progress, message, and error of c, and the
// failures kept by rep, which may be nil
func GetStatus(c Controller, rep Reporter) Status {
	s := Status{State: c.State().String(), Progress: c.Progress(), Message: c.Message()}
	if err := c.Err(); err != nil {
		s.Err = err.Error()
	}
	if rep != nil {
		s.Failures = FailureText(rep)
	}
	return s
}

// FailureText returns the messages of the failures of rep, nil if none
func FailureText(rep Reporter) map[string]string {
	f := rep.Failures()
	if len(f) == 0 {
		return nil
	}
	out := make(map[string]string, len(f))
	for id, err := range f {
		out[id] = err.Error()
	}
	return out
}

// HTTPScanner binds routes for a Controller
type HTTPScanner struct {
	Ctl Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPScanner returns the HTTP wrapper of c.  h may be nil; if it is
// also a Reporter, its failures are served too.
func NewHTTPScanner(c Controller, h Historian) HTTPScanner {
	rep, _ := h.(Reporter)
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/state"}: generichttp.GetString(func() (string, error) {
			return c.State().String(), nil
		}),
		{Method: http.MethodGet, Path: "/progress"}: generichttp.GetInt(func() (int, error) {
			return c.Progress(), nil
		}),
		{Method: http.MethodGet, Path: "/message"}: generichttp.GetString(func() (string, error) {
			return c.Message(), nil
		}),
		{Method: http.MethodGet, Path: "/status"}: generichttp.GetJSON(func() (interface{}, error) {
			return GetStatus(c, rep), nil
		}),
		{Method: http.MethodPost, Path: "/init"}:   generichttp.Do(c.Initialize),
		{Method: http.MethodPost, Path: "/start"}:  generichttp.Do(c.Start),
		{Method: http.MethodPost, Path: "/resume"}: generichttp.Do(c.Resume),
		{Method: http.MethodPost, Path: "/stop"}:   generichttp.Do(c.Stop),
	}
	if h != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/validation-history"}] = generichttp.GetJSON(func() (interface{}, error) {
			hist := h.ValidationHistory()
			if hist == nil {
				hist = []float64{}
			}
			return hist, nil
		})
	}
	if rep != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/failures"}] = generichttp.GetJSON(func() (interface{}, error) {
			f := FailureText(rep)
			if f == nil {
				f = map[string]string{}
			}
			return f, nil
		})
	}
	return HTTPScanner{Ctl: c, RouteTable: rt}
}

// RT satisfies generichttp.HTTPer
func (h HTTPScanner) RT() generichttp.RouteTable {
	return h.RouteTable
}
