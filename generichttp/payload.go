package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// FloatT is a struct with a single float field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload holds one value of a basic type, selected by T, and encodes
// it as the matching single-field struct
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Int    int
	String string
	Bool   bool
}

// EncodeAndRespond encodes the payload to JSON and writes it to w.
// An unsupported kind is a 500.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	default:
		fstr := fmt.Sprintf("human payload of unsupported kind %d", hp.T)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	RespondJSON(w, v)
}

// RespondJSON encodes v to JSON and writes it to w with status 200
func RespondJSON(w http.ResponseWriter, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}

var (
	statusMu sync.RWMutex
	statuses = map[error]int{}
)

// RegisterStatus maps the sentinel err to an HTTP status for Do and ErrStatus
func RegisterStatus(err error, status int) {
	statusMu.Lock()
	defer statusMu.Unlock()
	statuses[err] = status
}

// ErrStatus returns the status registered for the cause of err, or 500
func ErrStatus(err error) int {
	statusMu.RLock()
	defer statusMu.RUnlock()
	if s, ok := statuses[errors.Cause(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
